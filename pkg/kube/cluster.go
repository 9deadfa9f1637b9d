package kube

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// PodLogOptions narrows corev1.PodLogOptions to the knobs the log engine
// actually drives. Timestamps are always requested on the wire since the
// line parser relies on them.
type PodLogOptions struct {
	Previous     bool
	TailLines    *int64
	SinceSeconds *int64
	SinceTime    *time.Time
}

// Cluster is the raw cluster API surface consumed by the log engine.
// It exists so the engine can be exercised against scripted fakes.
type Cluster interface {
	ListPods(ctx context.Context, namespace string, selector labels.Selector) ([]corev1.Pod, error)
	WatchPods(ctx context.Context, namespace string, selector labels.Selector) (watch.Interface, error)
	ReadPodLog(ctx context.Context, namespace, pod, container string, opts PodLogOptions) (string, error)
	ListEvents(ctx context.Context, namespace string) ([]corev1.Event, error)
	WatchEvents(ctx context.Context, namespace, fieldSelector string) (watch.Interface, error)
	GetOwnerSelectorLabels(ctx context.Context, namespace, kind, name string) (map[string]string, error)
}

type client struct {
	clientset kubernetes.Interface
}

// NewCluster wraps a clientset in the Cluster interface.
func NewCluster(clientset kubernetes.Interface) Cluster {
	return &client{clientset: clientset}
}

func (c *client) ListPods(ctx context.Context, namespace string, selector labels.Selector) ([]corev1.Pod, error) {
	podList, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pods")
	}
	return podList.Items, nil
}

func (c *client) WatchPods(ctx context.Context, namespace string, selector labels.Selector) (watch.Interface, error) {
	w, err := c.clientset.CoreV1().Pods(namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to watch pods")
	}
	return w, nil
}

func (c *client) ReadPodLog(ctx context.Context, namespace, pod, container string, opts PodLogOptions) (string, error) {
	logOpts := corev1.PodLogOptions{
		Container:    container,
		Timestamps:   true,
		Previous:     opts.Previous,
		TailLines:    opts.TailLines,
		SinceSeconds: opts.SinceSeconds,
	}
	if opts.SinceTime != nil {
		sinceTime := metav1.NewTime(*opts.SinceTime)
		logOpts.SinceTime = &sinceTime
	}
	req := c.clientset.CoreV1().Pods(namespace).GetLogs(pod, &logOpts)
	readCloser, err := req.Stream(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := readCloser.Close(); err != nil {
			log.Error("failed to close log reader. Error: ", err)
		}
	}()
	raw, err := io.ReadAll(readCloser)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *client) ListEvents(ctx context.Context, namespace string) ([]corev1.Event, error) {
	eventList, err := c.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	return eventList.Items, nil
}

func (c *client) WatchEvents(ctx context.Context, namespace, fieldSelector string) (watch.Interface, error) {
	w, err := c.clientset.CoreV1().Events(namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fieldSelector,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to watch events")
	}
	return w, nil
}

// GetOwnerSelectorLabels translates an owning workload into the labels its
// pods carry. Job pods are matched through the generated job-name label.
func (c *client) GetOwnerSelectorLabels(ctx context.Context, namespace, kind, name string) (map[string]string, error) {
	switch strings.ToLower(kind) {
	case "deployment":
		d, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get deployment %s/%s", namespace, name)
		}
		return d.Spec.Selector.MatchLabels, nil
	case "replicaset":
		rs, err := c.clientset.AppsV1().ReplicaSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get replicaset %s/%s", namespace, name)
		}
		return rs.Spec.Selector.MatchLabels, nil
	case "statefulset":
		ss, err := c.clientset.AppsV1().StatefulSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get statefulset %s/%s", namespace, name)
		}
		return ss.Spec.Selector.MatchLabels, nil
	case "daemonset":
		ds, err := c.clientset.AppsV1().DaemonSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get daemonset %s/%s", namespace, name)
		}
		return ds.Spec.Selector.MatchLabels, nil
	case "job":
		return map[string]string{"job-name": name}, nil
	}
	return nil, errors.Errorf("unsupported owner kind %q", kind)
}

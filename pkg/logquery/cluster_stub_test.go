package logquery

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/podscope/podscope/pkg/kube"
)

// stubCluster scripts the cluster API surface for engine tests.
type stubCluster struct {
	mu          sync.Mutex
	pods        []corev1.Pod
	events      []corev1.Event
	ownerLabels map[string]map[string]string

	logFn func(pod, container string, opts kube.PodLogOptions) (string, error)

	podWatcher   *watch.RaceFreeFakeWatcher
	eventWatcher *watch.RaceFreeFakeWatcher

	listPodCalls  int32
	watchPodCalls int32
	readLogCalls  int32
}

func newStubCluster() *stubCluster {
	return &stubCluster{
		ownerLabels:  map[string]map[string]string{},
		podWatcher:   watch.NewRaceFreeFake(),
		eventWatcher: watch.NewRaceFreeFake(),
		logFn: func(string, string, kube.PodLogOptions) (string, error) {
			return "", nil
		},
	}
}

func (s *stubCluster) ListPods(_ context.Context, namespace string, selector labels.Selector) ([]corev1.Pod, error) {
	atomic.AddInt32(&s.listPodCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []corev1.Pod
	for _, p := range s.pods {
		if p.Namespace == namespace && selector.Matches(labels.Set(p.Labels)) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

func (s *stubCluster) WatchPods(context.Context, string, labels.Selector) (watch.Interface, error) {
	atomic.AddInt32(&s.watchPodCalls, 1)
	return s.podWatcher, nil
}

func (s *stubCluster) ReadPodLog(_ context.Context, _, pod, container string, opts kube.PodLogOptions) (string, error) {
	atomic.AddInt32(&s.readLogCalls, 1)
	s.mu.Lock()
	logFn := s.logFn
	s.mu.Unlock()
	return logFn(pod, container, opts)
}

func (s *stubCluster) ListEvents(_ context.Context, namespace string) ([]corev1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]corev1.Event(nil), s.events...), nil
}

func (s *stubCluster) WatchEvents(context.Context, string, string) (watch.Interface, error) {
	return s.eventWatcher, nil
}

func (s *stubCluster) GetOwnerSelectorLabels(_ context.Context, _, kind, name string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lbls, ok := s.ownerLabels[strings.ToLower(kind)+"/"+name]; ok {
		return lbls, nil
	}
	return nil, errors.Errorf("owner %s/%s not found", kind, name)
}

func makePod(namespace, name string, podLabels map[string]string, containers ...string) corev1.Pod {
	pod := corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    podLabels,
		},
	}
	for _, c := range containers {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: c})
	}
	return pod
}

func makeEvent(namespace, podName, eventType, reason, message string, at time.Time) corev1.Event {
	return corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName + "." + at.Format("150405.000000000"),
			Namespace: namespace,
		},
		InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: podName, Namespace: namespace},
		Type:           eventType,
		Reason:         reason,
		Message:        message,
		LastTimestamp:  metav1.NewTime(at),
	}
}

// stampedLines renders raw log output the way the API does with
// Timestamps=true: one RFC3339Nano timestamp per line, space, message.
func stampedLines(start time.Time, step time.Duration, messages ...string) string {
	var b strings.Builder
	for i, m := range messages {
		b.WriteString(start.Add(time.Duration(i) * step).Format(time.RFC3339Nano))
		b.WriteString(" ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	return b.String()
}

package kube

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes/fake"
)

func TestListPodsFiltersBySelector(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name: "web-1", Namespace: "default", Labels: map[string]string{"app": "web"},
		}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name: "db-1", Namespace: "default", Labels: map[string]string{"app": "db"},
		}},
	)
	cluster := NewCluster(clientset)

	selector, err := labels.Parse("app=web")
	require.NoError(t, err)
	pods, err := cluster.ListPods(context.Background(), "default", selector)
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "web-1", pods[0].Name)
}

func TestReadPodLog(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-1", Namespace: "default"}},
	)
	cluster := NewCluster(clientset)

	tail := int64(5)
	since := time.Now().Add(-time.Minute)
	raw, err := cluster.ReadPodLog(context.Background(), "default", "web-1", "nginx", PodLogOptions{
		TailLines: &tail,
		SinceTime: &since,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestGetOwnerSelectorLabelsDeployment(t *testing.T) {
	clientset := fake.NewSimpleClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
		},
	})
	cluster := NewCluster(clientset)

	lbls, err := cluster.GetOwnerSelectorLabels(context.Background(), "default", "Deployment", "web")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "web"}, lbls)
}

func TestGetOwnerSelectorLabelsStatefulSet(t *testing.T) {
	clientset := fake.NewSimpleClientset(&appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: "etcd", Namespace: "kube-system"},
		Spec: appsv1.StatefulSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"component": "etcd"}},
		},
	})
	cluster := NewCluster(clientset)

	lbls, err := cluster.GetOwnerSelectorLabels(context.Background(), "kube-system", "statefulset", "etcd")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"component": "etcd"}, lbls)
}

func TestGetOwnerSelectorLabelsJob(t *testing.T) {
	cluster := NewCluster(fake.NewSimpleClientset())
	lbls, err := cluster.GetOwnerSelectorLabels(context.Background(), "default", "Job", "migrate")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"job-name": "migrate"}, lbls)
}

func TestGetOwnerSelectorLabelsUnknownKind(t *testing.T) {
	cluster := NewCluster(fake.NewSimpleClientset())
	_, err := cluster.GetOwnerSelectorLabels(context.Background(), "default", "CronJob", "tick")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported owner kind")
}

func TestGetOwnerSelectorLabelsMissingOwner(t *testing.T) {
	cluster := NewCluster(fake.NewSimpleClientset())
	_, err := cluster.GetOwnerSelectorLabels(context.Background(), "default", "Deployment", "ghost")
	require.Error(t, err)
}

func TestDirectoryListsPodsAndContainers(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name: "web-1", Namespace: "default", Labels: map[string]string{"app": "web"},
			},
			Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "nginx"}}},
		},
	)
	directory := NewDirectory(clientset, nil)
	stopCh := make(chan struct{})
	defer close(stopCh)
	directory.Start(stopCh)

	require.Eventually(t, func() bool {
		return len(directory.ListPodNames()) == 1
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, []string{"default"}, directory.ListNamespaces())
	assert.Equal(t, []string{"nginx"}, directory.ListContainerNames())
	assert.Equal(t, []string{"app"}, directory.ListPodLabelNames())
	assert.Equal(t, []string{"web"}, directory.ListPodLabelValues("app"))
}

package kube

import (
	"time"

	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	corelisters "k8s.io/client-go/listers/core/v1"
)

type podWatcher struct {
	factory informers.SharedInformerFactory
	lister  corelisters.PodLister
}

func (w *podWatcher) run(stopCh chan struct{}) {
	w.factory.Start(stopCh)
}

func (w *podWatcher) list(selector labels.Selector) ([]*v1.Pod, error) {
	return w.lister.List(selector)
}

func newPodWatcher(clientset kubernetes.Interface, namespace *string) podWatcher {
	var informerFactory informers.SharedInformerFactory
	if namespace == nil {
		log.Info("initializing global pod watcher for whole cluster")
		informerFactory = informers.NewSharedInformerFactory(clientset, time.Second*60)
	} else {
		log.Info("initializing pod watcher for namespace ", *namespace)
		informerFactory = informers.NewFilteredSharedInformerFactory(clientset, time.Second*60, *namespace, nil)
	}

	informer := informerFactory.Core().V1().Pods()
	return podWatcher{
		factory: informerFactory,
		lister:  informer.Lister(),
	}
}

// Directory keeps an informer-backed view of pods so the discovery helper
// endpoints can answer name/label queries without hitting the API server.
type Directory struct {
	podWatchers []podWatcher
}

// NewDirectory creates a Directory over the given namespaces, or the whole
// cluster when none are given.
func NewDirectory(clientset kubernetes.Interface, namespaces []string) *Directory {
	var watchers []podWatcher
	if len(namespaces) == 0 {
		watchers = append(watchers, newPodWatcher(clientset, nil))
	} else {
		for _, n := range namespaces {
			watchers = append(watchers, newPodWatcher(clientset, &n))
		}
	}
	return &Directory{podWatchers: watchers}
}

func (d *Directory) Start(stopCh chan struct{}) {
	log.Info("Starting k8s watchers")
	for _, w := range d.podWatchers {
		w.run(stopCh)
	}
}

func (d *Directory) listPods() []*v1.Pod {
	var pods []*v1.Pod
	for _, w := range d.podWatchers {
		listed, err := w.list(labels.Everything())
		if err != nil {
			log.Error("failed to list pods: ", err)
			continue
		}
		pods = append(pods, listed...)
	}
	return pods
}

func (d *Directory) ListNamespaces() []string {
	var namespaces []string
	encountered := map[string]bool{}
	for _, p := range d.listPods() {
		if !encountered[p.Namespace] {
			namespaces = append(namespaces, p.Namespace)
			encountered[p.Namespace] = true
		}
	}
	return namespaces
}

func (d *Directory) ListPodNames() []string {
	var podNames []string
	for _, p := range d.listPods() {
		podNames = append(podNames, p.Name)
	}
	return podNames
}

func (d *Directory) ListContainerNames() []string {
	var containerNames []string
	encountered := map[string]bool{}
	for _, p := range d.listPods() {
		for _, c := range append(p.Spec.Containers, p.Spec.InitContainers...) {
			if !encountered[c.Name] {
				containerNames = append(containerNames, c.Name)
				encountered[c.Name] = true
			}
		}
	}
	return containerNames
}

func (d *Directory) ListPodLabelNames() []string {
	var labelNames []string
	encountered := map[string]bool{}
	for _, p := range d.listPods() {
		for l := range p.Labels {
			if !encountered[l] {
				labelNames = append(labelNames, l)
				encountered[l] = true
			}
		}
	}
	return labelNames
}

func (d *Directory) ListPodLabelValues(label string) []string {
	var labelValues []string
	encountered := map[string]bool{}
	for _, p := range d.listPods() {
		for l, v := range p.Labels {
			if l == label && !encountered[v] {
				labelValues = append(labelValues, v)
				encountered[v] = true
			}
		}
	}
	return labelValues
}

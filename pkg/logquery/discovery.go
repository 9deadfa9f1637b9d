package logquery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/podscope/podscope/pkg/kube"
)

// Fatal selection errors.
var (
	ErrNoSelection = errors.New("no pod identification method provided: set podName, labelSelector or ownerKind/ownerName")
	ErrOwnerName   = errors.New("ownerKind requires ownerName")
	ErrNoPods      = errors.New("no pods matched the selection; check the namespace, pod name and label selector")
)

// Selection is the pod identification part of the operation contract.
type Selection struct {
	PodName       string
	LabelSelector string
	OwnerKind     string
	OwnerName     string
}

func (s Selection) validate() error {
	if s.PodName == "" && s.LabelSelector == "" && s.OwnerKind == "" && s.OwnerName == "" {
		return ErrNoSelection
	}
	if s.OwnerKind != "" && s.OwnerName == "" {
		return ErrOwnerName
	}
	if s.OwnerName != "" && s.OwnerKind == "" {
		return ErrOwnerName
	}
	return nil
}

// TargetPod is a read-only projection of a pod handed to poll loops.
type TargetPod struct {
	Name       string
	Namespace  string
	Containers []string
	Labels     map[string]string
}

// coordinator resolves the initial target set and, in streaming mode, keeps
// the set of running poll loops in sync with pod add/remove watch events.
// The loop registry is the single source of truth for what is being tailed.
type coordinator struct {
	cluster          kube.Cluster
	namespace        string
	sel              Selection
	podPattern       Matcher
	containerPattern Matcher
	selector         labels.Selector

	// startLoop is injected by the orchestrator; it must register the
	// returned poller under the pod|container key semantics below.
	startLoop func(ctx context.Context, target TargetPod, container string) *containerPoller

	mu        sync.Mutex
	targets   map[string]TargetPod
	loops     map[string]*containerPoller
	podsSeen  map[string]bool
	loopsSeen map[string]bool

	watchOnce sync.Once
	watcher   watch.Interface
	watchDone chan struct{}
}

func newCoordinator(cluster kube.Cluster, namespace string, sel Selection, podPattern, containerPattern Matcher) *coordinator {
	return &coordinator{
		cluster:          cluster,
		namespace:        namespace,
		sel:              sel,
		podPattern:       podPattern,
		containerPattern: containerPattern,
		targets:          map[string]TargetPod{},
		loops:            map[string]*containerPoller{},
		podsSeen:         map[string]bool{},
		loopsSeen:        map[string]bool{},
		watchDone:        make(chan struct{}),
	}
}

func loopKey(pod, container string) string {
	return pod + "|" + container
}

// buildSelector combines the label selector with the owner-derived labels.
// Owner translation happens here, before any listing.
func (c *coordinator) buildSelector(ctx context.Context) error {
	var parts []string
	if c.sel.LabelSelector != "" {
		parts = append(parts, c.sel.LabelSelector)
	}
	if c.sel.OwnerKind != "" {
		ownerLabels, err := c.cluster.GetOwnerSelectorLabels(ctx, c.namespace, c.sel.OwnerKind, c.sel.OwnerName)
		if err != nil {
			return errors.Wrap(err, "failed to resolve owner selector")
		}
		parts = append(parts, labels.Set(ownerLabels).String())
	}
	if len(parts) == 0 {
		c.selector = labels.Everything()
		return nil
	}
	selector, err := labels.Parse(strings.Join(parts, ","))
	if err != nil {
		return errors.Wrap(err, "invalid label selector")
	}
	c.selector = selector
	return nil
}

// accepts applies the client-side criteria on top of the server-side
// selector: explicit name is AND semantics, then the optional name pattern.
func (c *coordinator) accepts(pod *corev1.Pod) bool {
	if c.sel.PodName != "" && pod.Name != c.sel.PodName {
		return false
	}
	return c.podPattern(pod.Name)
}

func (c *coordinator) project(pod *corev1.Pod) TargetPod {
	target := TargetPod{
		Name:      pod.Name,
		Namespace: pod.Namespace,
		Labels:    pod.Labels,
	}
	for _, container := range append(pod.Spec.Containers, pod.Spec.InitContainers...) {
		if c.containerPattern(container.Name) {
			target.Containers = append(target.Containers, container.Name)
		}
	}
	return target
}

// resolve validates the selection and populates the initial target set.
// Zero matching pods is fatal; a matching pod with zero log lines is not.
func (c *coordinator) resolve(ctx context.Context) ([]TargetPod, error) {
	if err := c.sel.validate(); err != nil {
		return nil, err
	}
	if err := c.buildSelector(ctx); err != nil {
		return nil, err
	}
	pods, err := c.cluster.ListPods(ctx, c.namespace, c.selector)
	if err != nil {
		return nil, errors.Wrap(err, "failed to discover pods")
	}
	var resolved []TargetPod
	for i := range pods {
		pod := &pods[i]
		if pod.Status.Reason == "Evicted" {
			log.Debug("skipping evicted pod: ", pod.Name)
			continue
		}
		if !c.accepts(pod) {
			continue
		}
		target := c.project(pod)
		c.mu.Lock()
		c.targets[target.Name] = target
		c.podsSeen[target.Name] = true
		c.mu.Unlock()
		resolved = append(resolved, target)
	}
	if len(resolved) == 0 {
		return nil, ErrNoPods
	}
	return resolved, nil
}

// HasPod implements podSet for the event collector.
func (c *coordinator) HasPod(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.podsSeen[name]
}

// startLoopsFor starts poll loops for every container of the target not yet
// tracked. Registry keys are unique; an already tracked container is left
// alone.
func (c *coordinator) startLoopsFor(ctx context.Context, target TargetPod) {
	for _, container := range target.Containers {
		key := loopKey(target.Name, container)
		c.mu.Lock()
		_, tracked := c.loops[key]
		c.mu.Unlock()
		if tracked {
			continue
		}
		poller := c.startLoop(ctx, target, container)
		c.mu.Lock()
		c.loops[key] = poller
		c.loopsSeen[key] = true
		c.mu.Unlock()
	}
}

// removePod stops and discards all loops of a deleted pod. Idempotent: a
// second delete for the same pod is a no-op.
func (c *coordinator) removePod(name string) {
	c.mu.Lock()
	target, ok := c.targets[name]
	delete(c.targets, name)
	var stopped []*containerPoller
	if ok {
		for _, container := range target.Containers {
			key := loopKey(name, container)
			if poller, tracked := c.loops[key]; tracked {
				stopped = append(stopped, poller)
				delete(c.loops, key)
			}
		}
	}
	c.mu.Unlock()
	for _, poller := range stopped {
		poller.stop()
	}
}

// startWatch opens the pod watch and reconciles the loop registry with
// ADDED/MODIFIED/DELETED events until stopped. Watch errors degrade to a
// static target set rather than failing the operation.
func (c *coordinator) startWatch(ctx context.Context) {
	watcher, err := c.cluster.WatchPods(ctx, c.namespace, c.selector)
	if err != nil {
		log.Warn("failed to watch pods, continuing with the initial target set: ", err)
		close(c.watchDone)
		return
	}
	c.watcher = watcher
	go func() {
		defer close(c.watchDone)
		for ev := range watcher.ResultChan() {
			pod, ok := ev.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			switch ev.Type {
			case watch.Added, watch.Modified:
				if !c.accepts(pod) {
					continue
				}
				target := c.project(pod)
				c.mu.Lock()
				c.targets[target.Name] = target
				c.podsSeen[target.Name] = true
				c.mu.Unlock()
				c.startLoopsFor(ctx, target)
			case watch.Deleted:
				log.Debug("pod deleted, stopping its loops: ", pod.Name)
				c.removePod(pod.Name)
			}
		}
	}()
}

// stopWatch is idempotent, like every teardown entry point here.
func (c *coordinator) stopWatch() {
	c.watchOnce.Do(func() {
		if c.watcher != nil {
			c.watcher.Stop()
		} else {
			select {
			case <-c.watchDone:
			default:
				close(c.watchDone)
			}
		}
	})
}

// stopAllLoops stops every registered poller and returns them so the
// orchestrator can join with a bounded grace timeout.
func (c *coordinator) stopAllLoops() []*containerPoller {
	c.mu.Lock()
	pollers := make([]*containerPoller, 0, len(c.loops))
	for _, poller := range c.loops {
		pollers = append(pollers, poller)
	}
	c.loops = map[string]*containerPoller{}
	c.mu.Unlock()
	for _, poller := range pollers {
		poller.stop()
	}
	return pollers
}

func (c *coordinator) activeLoopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loops)
}

func (c *coordinator) containersSeenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loopsSeen)
}

func (c *coordinator) podCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.podsSeen)
}

// joinPollers waits for stopped pollers to drain within the grace window.
func joinPollers(pollers []*containerPoller, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for _, poller := range pollers {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		poller.wait(remaining)
	}
}

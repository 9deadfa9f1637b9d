package logquery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/podscope/podscope/pkg/kube"
)

// defaultEventCap bounds the number of events kept per pod in snapshot mode
// when the caller did not request a tail size.
const defaultEventCap = 5

// podSet answers membership questions about the current target set. The
// coordinator implements it; the event collector uses it to decide event
// involvement while pods come and go.
type podSet interface {
	HasPod(name string) bool
}

type eventCollectorConfig struct {
	cluster   kube.Cluster
	namespace string
	eventType string // "Normal", "Warning" or "" for all
	cutoff    time.Time
	perPodCap int
	ownerKind string
	ownerName string
	targets   podSet
	filters   *lineFilters
	sink      *accumulator
}

// eventCollector enriches the log result with cluster events involving the
// target pods or their owning workload. Everything here is best-effort:
// event failures never fail the log fetch.
type eventCollector struct {
	cfg eventCollectorConfig

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	watcher  watch.Interface
}

func newEventCollector(cfg eventCollectorConfig) *eventCollector {
	if cfg.perPodCap <= 0 {
		cfg.perPodCap = defaultEventCap
	}
	return &eventCollector{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func eventTime(e *corev1.Event) time.Time {
	if !e.LastTimestamp.IsZero() {
		return e.LastTimestamp.Time
	}
	if !e.EventTime.IsZero() {
		return e.EventTime.Time
	}
	return e.FirstTimestamp.Time
}

func eventMessage(e *corev1.Event) string {
	if e.Reason == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// relevant is the shared time/type/involvement predicate of both modes.
func (c *eventCollector) relevant(e *corev1.Event) bool {
	if c.cfg.eventType != "" && e.Type != c.cfg.eventType {
		return false
	}
	if !c.cfg.cutoff.IsZero() && eventTime(e).Before(c.cfg.cutoff) {
		return false
	}
	involved := e.InvolvedObject
	if strings.EqualFold(involved.Kind, "Pod") && c.cfg.targets.HasPod(involved.Name) {
		return true
	}
	if c.cfg.ownerKind != "" &&
		strings.EqualFold(involved.Kind, c.cfg.ownerKind) &&
		involved.Name == c.cfg.ownerName {
		return true
	}
	return false
}

func (c *eventCollector) toLine(e *corev1.Event) (Line, bool) {
	message := eventMessage(e)
	ok, payload := c.cfg.filters.accept(message)
	if !ok {
		return Line{}, false
	}
	return Line{
		Kind:      KindEvent,
		Timestamp: eventTime(e),
		Namespace: c.cfg.namespace,
		Pod:       e.InvolvedObject.Name,
		Message:   message,
		Payload:   payload,
	}, true
}

// collectSnapshot lists namespace events once, keeps the newest perPodCap
// events per involved pod and appends them to the sink.
func (c *eventCollector) collectSnapshot(ctx context.Context) {
	events, err := c.cfg.cluster.ListEvents(ctx, c.cfg.namespace)
	if err != nil {
		log.Warn("failed to list events, skipping event enrichment: ", err)
		return
	}
	perPod := map[string][]*corev1.Event{}
	for i := range events {
		e := &events[i]
		if !c.relevant(e) {
			continue
		}
		perPod[e.InvolvedObject.Name] = append(perPod[e.InvolvedObject.Name], e)
	}
	for _, podEvents := range perPod {
		sort.Slice(podEvents, func(i, j int) bool {
			return eventTime(podEvents[i]).After(eventTime(podEvents[j]))
		})
		if len(podEvents) > c.cfg.perPodCap {
			podEvents = podEvents[:c.cfg.perPodCap]
		}
		for _, e := range podEvents {
			if line, ok := c.toLine(e); ok {
				c.cfg.sink.append(line)
			}
		}
	}
}

// fieldSelector narrows the server-side event watch to the owning workload
// when one is known; without an owner the watch stays namespace-wide and
// the client-side predicate does all the filtering.
func (c *eventCollector) fieldSelector() string {
	if c.cfg.ownerKind == "" {
		return ""
	}
	return fmt.Sprintf("involvedObject.kind=%s,involvedObject.name=%s", c.cfg.ownerKind, c.cfg.ownerName)
}

// startStreaming opens a long-lived watch on the events collection and
// appends every event passing the predicate until stopped.
func (c *eventCollector) startStreaming(ctx context.Context) {
	watcher, err := c.cfg.cluster.WatchEvents(ctx, c.cfg.namespace, c.fieldSelector())
	if err != nil {
		log.Warn("failed to watch events, skipping event enrichment: ", err)
		close(c.done)
		return
	}
	c.watcher = watcher
	go func() {
		defer close(c.done)
		for {
			select {
			case ev, ok := <-watcher.ResultChan():
				if !ok {
					return
				}
				e, ok := ev.Object.(*corev1.Event)
				if !ok {
					continue
				}
				if !c.relevant(e) {
					continue
				}
				if line, ok := c.toLine(e); ok {
					c.cfg.sink.append(line)
				}
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// stop tears down the streaming watch; safe to call twice and without a
// preceding startStreaming.
func (c *eventCollector) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.watcher != nil {
			c.watcher.Stop()
		}
	})
}

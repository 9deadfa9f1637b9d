package logquery

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/podscope/podscope/pkg/kube"
)

const (
	// stopTick is the cadence at which the orchestrator re-checks its stop
	// conditions in streaming mode.
	stopTick = 250 * time.Millisecond
	// teardownGrace bounds how long teardown waits for in-flight fetches.
	teardownGrace = 2 * time.Second
)

// Output styles.
const (
	OutputStructured = "structured"
	OutputText       = "text"
)

// Options is the full operation contract. At least one of PodName,
// LabelSelector or OwnerKind+OwnerName must be set.
type Options struct {
	Namespace string

	PodName       string
	LabelSelector string
	OwnerKind     string
	OwnerName     string

	PodNamePattern       string
	ContainerNamePattern string
	MessagePattern       string
	ExcludePattern       string
	JSONPathFilters      []JSONPathFilter

	TailLines  *int64
	Since      *time.Duration
	SinceTime  *time.Time
	Timestamps bool
	Previous   bool

	// DurationSeconds selects the mode: zero means snapshot, anything else
	// bounds a streaming run.
	DurationSeconds int
	MaxLines        int

	// IncludeEvents defaults to true when nil.
	IncludeEvents *bool
	EventType     string

	OutputStyle string

	// Observer, when set, is called with every accepted line as it is
	// collected. Used by the streaming protocol surface; the returned
	// Result is authoritative either way.
	Observer func(Line) `json:"-"`
}

func (o *Options) includeEvents() bool {
	return o.IncludeEvents == nil || *o.IncludeEvents
}

func (o *Options) selection() Selection {
	return Selection{
		PodName:       o.PodName,
		LabelSelector: o.LabelSelector,
		OwnerKind:     o.OwnerKind,
		OwnerName:     o.OwnerName,
	}
}

// eventCutoff derives the snapshot event time filter from since/sinceTime.
func (o *Options) eventCutoff(now time.Time) time.Time {
	if o.SinceTime != nil {
		return *o.SinceTime
	}
	if o.Since != nil {
		return now.Add(-*o.Since)
	}
	return time.Time{}
}

// Stats summarizes a completed operation.
type Stats struct {
	Pods         int `json:"pods"`
	Containers   int `json:"containers"`
	Lines        int `json:"lines"`
	DroppedLines int `json:"droppedLines"`
}

// Result is the merged, time-ordered output of one operation.
type Result struct {
	Namespace string   `json:"namespace"`
	Stats     Stats    `json:"stats"`
	Lines     []Line   `json:"lines"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Flatten renders the text output style, one line per entry.
func (r *Result) Flatten(withTimestamps bool) string {
	var b strings.Builder
	for i := range r.Lines {
		line := &r.Lines[i]
		if withTimestamps {
			b.WriteString(line.Timestamp.Format(time.RFC3339Nano))
			b.WriteString(" ")
		}
		if line.Kind == KindEvent {
			b.WriteString("[event] ")
		}
		b.WriteString(line.Scope())
		b.WriteString(": ")
		b.WriteString(line.Message)
		b.WriteString("\n")
	}
	return b.String()
}

// Engine runs log/event aggregation operations against a cluster.
type Engine struct {
	cluster kube.Cluster
}

func New(cluster kube.Cluster) *Engine {
	return &Engine{cluster: cluster}
}

// Run executes one operation: resolve targets, collect logs and events in
// snapshot or streaming mode, and return the merged, sorted result.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	diags := &diagnostics{}
	filters := compileLineFilters(opts.MessagePattern, opts.ExcludePattern, opts.JSONPathFilters, diags)
	sink := newAccumulator(opts.MaxLines, opts.Observer)

	coord := newCoordinator(
		e.cluster,
		opts.Namespace,
		opts.selection(),
		CompileMatcher(opts.PodNamePattern),
		CompileMatcher(opts.ContainerNamePattern),
	)
	targets, err := coord.resolve(ctx)
	if err != nil {
		return nil, err
	}

	containerCount := 0
	for _, target := range targets {
		containerCount += len(target.Containers)
	}

	events := newEventCollector(eventCollectorConfig{
		cluster:   e.cluster,
		namespace: opts.Namespace,
		eventType: normalizeEventType(opts.EventType),
		cutoff:    opts.eventCutoff(time.Now()),
		perPodCap: tailCap(opts.TailLines),
		ownerKind: opts.OwnerKind,
		ownerName: opts.OwnerName,
		targets:   coord,
		filters:   &filters,
		sink:      sink,
	})

	newPoller := func(target TargetPod, container string) *containerPoller {
		return newContainerPoller(pollerConfig{
			cluster:   e.cluster,
			namespace: opts.Namespace,
			pod:       target.Name,
			container: container,
			tailLines: opts.TailLines,
			since:     opts.Since,
			sinceTime: opts.SinceTime,
			previous:  opts.Previous,
			filters:   &filters,
			sink:      sink,
			diags:     diags,
		})
	}

	if opts.DurationSeconds <= 0 {
		e.runSnapshot(ctx, opts, targets, newPoller, events)
	} else {
		coord.startLoop = func(ctx context.Context, target TargetPod, container string) *containerPoller {
			poller := newPoller(target, container)
			poller.start(ctx)
			return poller
		}
		e.runStreaming(ctx, opts, coord, targets, events, sink)
	}

	lines := sink.finalize()
	if opts.DurationSeconds > 0 {
		// Streaming may have discovered pods after the initial list.
		containerCount = coord.containersSeenCount()
	}
	result := &Result{
		Namespace: opts.Namespace,
		Stats: Stats{
			Pods:         coord.podCount(),
			Containers:   containerCount,
			Lines:        len(lines),
			DroppedLines: sink.droppedCount(),
		},
		Lines: lines,
	}

	// Snapshot mode fails only when nothing at all was fetched and at
	// least one fetch error was recorded; partial failure is silent.
	if opts.DurationSeconds <= 0 && len(lines) == 0 && diags.count() > 0 {
		return nil, errors.Errorf("all container log fetches failed: %s", strings.Join(diags.list(), "; "))
	}
	if len(lines) == 0 {
		result.Warnings = diags.list()
	}
	return result, nil
}

// runSnapshot fetches each selected container exactly once; no poll loops,
// no watches.
func (e *Engine) runSnapshot(ctx context.Context, opts Options, targets []TargetPod,
	newPoller func(TargetPod, string) *containerPoller, events *eventCollector) {
	for _, target := range targets {
		for _, container := range target.Containers {
			poller := newPoller(target, container)
			if opts.Previous {
				poller.fetchPrevious(ctx)
			}
			poller.pollOnce(ctx)
		}
	}
	if opts.includeEvents() {
		events.collectSnapshot(ctx)
	}
}

// runStreaming starts all loops and watches, blocks until a stop condition
// fires, then tears everything down before the sink is finalized.
func (e *Engine) runStreaming(ctx context.Context, opts Options, coord *coordinator,
	targets []TargetPod, events *eventCollector, sink *accumulator) {
	for _, target := range targets {
		coord.startLoopsFor(ctx, target)
	}
	coord.startWatch(ctx)
	if opts.includeEvents() {
		events.startStreaming(ctx)
	}

	deadline := time.Now().Add(time.Duration(opts.DurationSeconds) * time.Second)
	ticker := time.NewTicker(stopTick)
	defer ticker.Stop()
	for {
		stopped := false
		select {
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				stopped = true
			}
			if opts.MaxLines > 0 && sink.count() >= opts.MaxLines {
				stopped = true
			}
		case <-ctx.Done():
			stopped = true
		}
		if stopped {
			break
		}
	}

	log.Debug("stop condition reached, tearing down")
	coord.stopWatch()
	events.stop()
	pollers := coord.stopAllLoops()
	joinPollers(pollers, teardownGrace)
}

func normalizeEventType(eventType string) string {
	switch strings.ToLower(eventType) {
	case "normal":
		return "Normal"
	case "warning":
		return "Warning"
	}
	return ""
}

func tailCap(tailLines *int64) int {
	if tailLines == nil {
		return 0
	}
	return int(*tailLines)
}

package logquery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/podscope/podscope/pkg/kube"
)

// pollInterval is the cadence of per-container log fetches in streaming
// mode. Retries after a failed fetch are implicit in this cadence.
const pollInterval = 2 * time.Second

type pollerConfig struct {
	cluster   kube.Cluster
	namespace string
	pod       string
	container string
	tailLines *int64
	since     *time.Duration
	sinceTime *time.Time
	previous  bool
	filters   *lineFilters
	sink      *accumulator
	diags     *diagnostics
}

// containerPoller drives the periodic log fetch for one (pod, container)
// pair. The cursor has exactly one writer: the poller's own goroutine, so
// no locking is needed beyond the shared sink.
type containerPoller struct {
	cfg pollerConfig

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	cursor    lineSignature
	hasCursor bool
}

func newContainerPoller(cfg pollerConfig) *containerPoller {
	return &containerPoller{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// start launches the poll loop: Fetch, sleep, Fetch, until stopped.
func (p *containerPoller) start(ctx context.Context) {
	go func() {
		defer close(p.done)
		if p.cfg.previous {
			p.fetchPrevious(ctx)
		}
		for {
			p.pollOnce(ctx)
			select {
			case <-time.After(pollInterval):
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// stop is idempotent; teardown and watch-driven removal may race.
func (p *containerPoller) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// wait blocks until the loop goroutine exits or the timeout elapses.
// Results of fetches that outlive the timeout are discarded by the sealed
// accumulator.
func (p *containerPoller) wait(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// pollOnce performs one fetch of the container's log window and feeds the
// lines through the filter chain and the dedupe cursor. Fetch errors are
// recorded and retried on the next tick.
func (p *containerPoller) pollOnce(ctx context.Context) {
	opts := kube.PodLogOptions{}
	switch {
	case p.hasCursor:
		// Re-request a slightly overlapping window so a line landing on
		// the boundary second is never missed; the cursor dedupes the
		// overlap.
		since := int64(time.Since(p.cursor.ts)/time.Second) + 1
		opts.SinceSeconds = &since
	case p.cfg.since != nil:
		since := int64(p.cfg.since.Seconds())
		opts.SinceSeconds = &since
		opts.TailLines = p.cfg.tailLines
	case p.cfg.sinceTime != nil:
		opts.SinceTime = p.cfg.sinceTime
		opts.TailLines = p.cfg.tailLines
	default:
		opts.TailLines = p.cfg.tailLines
	}

	raw, err := p.cfg.cluster.ReadPodLog(ctx, p.cfg.namespace, p.cfg.pod, p.cfg.container, opts)
	if err != nil {
		log.Debug("failed to fetch logs for ", p.cfg.pod, "/", p.cfg.container, ": ", err)
		p.cfg.diags.record(errors.Wrapf(err, "fetch logs %s/%s/%s", p.cfg.namespace, p.cfg.pod, p.cfg.container))
		return
	}
	p.ingest(raw, time.Now())
}

// fetchPrevious grabs the crashed predecessor's logs once at loop start,
// independent of the regular cursor.
func (p *containerPoller) fetchPrevious(ctx context.Context) {
	raw, err := p.cfg.cluster.ReadPodLog(ctx, p.cfg.namespace, p.cfg.pod, p.cfg.container, kube.PodLogOptions{
		Previous:  true,
		TailLines: p.cfg.tailLines,
	})
	if err != nil {
		// No previous instance is the common case, not a failure worth
		// surfacing.
		log.Debug("no previous logs for ", p.cfg.pod, "/", p.cfg.container, ": ", err)
		return
	}
	fetchedAt := time.Now()
	for _, rawLine := range strings.Split(raw, "\n") {
		if rawLine == "" {
			continue
		}
		ts, message := parseLogLine(rawLine, fetchedAt)
		ok, payload := p.cfg.filters.accept(message)
		if !ok {
			continue
		}
		p.cfg.sink.append(Line{
			Kind:      KindLog,
			Timestamp: ts,
			Namespace: p.cfg.namespace,
			Pod:       p.cfg.pod,
			Container: p.cfg.container,
			Message:   message,
			Payload:   payload,
		})
	}
}

// ingest parses, filters and dedupes one fetched window. A line is emitted
// only when its signature strictly exceeds the cursor, which guarantees
// at-most-once emission per (timestamp, message) pair for this container
// across overlapping polls.
func (p *containerPoller) ingest(raw string, fetchedAt time.Time) {
	for _, rawLine := range strings.Split(raw, "\n") {
		if rawLine == "" {
			continue
		}
		ts, message := parseLogLine(rawLine, fetchedAt)
		ok, payload := p.cfg.filters.accept(message)
		if !ok {
			continue
		}
		sig := lineSignature{ts: ts, msg: message}
		if p.hasCursor && !sig.after(p.cursor) {
			continue
		}
		p.cursor = sig
		p.hasCursor = true
		p.cfg.sink.append(Line{
			Kind:      KindLog,
			Timestamp: ts,
			Namespace: p.cfg.namespace,
			Pod:       p.cfg.pod,
			Container: p.cfg.container,
			Message:   message,
			Payload:   payload,
		})
	}
}

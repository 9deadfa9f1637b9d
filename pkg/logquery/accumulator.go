package logquery

import (
	"fmt"
	"sort"
	"sync"
)

// accumulator is the single shared sink all pollers and the event collector
// append into. Appends past the cap are dropped and counted, never queued,
// so a very active pod set cannot grow memory without bound. After Finalize
// the accumulator is sealed and late appends from in-flight fetches are
// discarded.
type accumulator struct {
	mu       sync.Mutex
	lines    []Line
	maxLines int
	dropped  int
	sealed   bool

	// observer, when set, sees every accepted line. It runs outside the
	// lock so observers may block without stalling writers' dedupe work.
	observer func(Line)
}

func newAccumulator(maxLines int, observer func(Line)) *accumulator {
	return &accumulator{maxLines: maxLines, observer: observer}
}

func (a *accumulator) append(l Line) {
	a.mu.Lock()
	if a.sealed {
		a.mu.Unlock()
		return
	}
	if a.maxLines > 0 && len(a.lines) >= a.maxLines {
		a.dropped++
		a.mu.Unlock()
		return
	}
	a.lines = append(a.lines, l)
	a.mu.Unlock()
	if a.observer != nil {
		a.observer(l)
	}
}

func (a *accumulator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lines)
}

func (a *accumulator) droppedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// finalize seals the accumulator and returns its contents in ascending
// timestamp order. Writers are concurrent and unordered, so the total order
// of the result is established here, exactly once.
func (a *accumulator) finalize() []Line {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
	sort.SliceStable(a.lines, func(i, j int) bool {
		return a.lines[i].Timestamp.Before(a.lines[j].Timestamp)
	})
	return a.lines
}

// diagnostics accumulates recoverable errors. They surface only when the
// operation ends up empty, to help debug selection mistakes.
type diagnostics struct {
	mu   sync.Mutex
	errs []string
}

func (d *diagnostics) record(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err.Error())
}

func (d *diagnostics) recordf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, fmt.Sprintf(format, args...))
}

func (d *diagnostics) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.errs)
}

func (d *diagnostics) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.errs...)
}

package logquery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorCapAndDropCounter(t *testing.T) {
	acc := newAccumulator(3, nil)
	for i := 0; i < 10; i++ {
		acc.append(Line{Message: "m"})
	}
	lines := acc.finalize()
	assert.Len(t, lines, 3)
	assert.Equal(t, 7, acc.droppedCount())
}

func TestAccumulatorFinalizeSealsAgainstLateAppends(t *testing.T) {
	acc := newAccumulator(0, nil)
	acc.append(Line{Message: "before"})
	lines := acc.finalize()
	require.Len(t, lines, 1)

	acc.append(Line{Message: "after"})
	assert.Equal(t, 1, acc.count())
	assert.Zero(t, acc.droppedCount())
}

func TestAccumulatorFinalizeSortsByTimestamp(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	acc := newAccumulator(0, nil)
	acc.append(Line{Message: "third", Timestamp: base.Add(2 * time.Second)})
	acc.append(Line{Message: "first", Timestamp: base})
	acc.append(Line{Message: "second", Timestamp: base.Add(time.Second)})

	lines := acc.finalize()
	require.Len(t, lines, 3)
	assert.Equal(t, "first", lines[0].Message)
	assert.Equal(t, "second", lines[1].Message)
	assert.Equal(t, "third", lines[2].Message)
}

func TestAccumulatorConcurrentAppends(t *testing.T) {
	acc := newAccumulator(0, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				acc.append(Line{Message: "m"})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, acc.count())
}

func TestAccumulatorObserverSeesAcceptedLinesOnly(t *testing.T) {
	var observed []string
	acc := newAccumulator(1, func(l Line) { observed = append(observed, l.Message) })
	acc.append(Line{Message: "kept"})
	acc.append(Line{Message: "dropped"})
	assert.Equal(t, []string{"kept"}, observed)
}

package dataflow

import (
	"context"
	"testing"
	"time"

	"github.com/npillmayer/schuko/tracing/gotestingadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickEvent is the element type merged from a data pipe and a timer pipe,
// per spec.md §4.7: a receiving stage checks the tick flag and, on a tick,
// flushes its accumulated aggregate.
type tickEvent struct {
	value int
	tick  bool
}

// windowAccumulator sums every non-tick value it sees and emits (and
// resets) the running sum whenever a tick arrives.
type windowAccumulator struct {
	sum *int
}

func newWindowAccumulator() *windowAccumulator { return &windowAccumulator{sum: new(int)} }

func (w *windowAccumulator) FlatMap(in tickEvent, ship StageShipper[int]) error {
	if in.tick {
		s := *w.sum
		*w.sum = 0
		return ship.Emit(s)
	}
	*w.sum += in.value
	return nil
}

func (w *windowAccumulator) Clone() *windowAccumulator { return &windowAccumulator{sum: new(int)} }

// TestTickPattern exercises the literal "tick pattern" scenario from
// spec.md §8: a data source feeding a timer-merged window accumulator
// flushes one partial sum per tick, and the partial sums cover every
// input exactly once.
func TestTickPattern(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "windflow.dataflow")
	defer teardown()

	g, err := NewPipeGraph("tick", ExecutionDefault, IngressTime)
	require.NoError(t, err)

	const n = 100
	total := 0
	for i := 0; i < n; i++ {
		total += i
	}

	// Paced fast enough that every record is certain to have arrived well
	// before the timer's final tick.
	dataSrc, err := g.AddSource(NewSource[tickEvent](SourceFunc[tickEvent](func(ctx context.Context, ship SourceShipper[tickEvent]) error {
		for i := 0; i < n; i++ {
			if err := ship.Emit(tickEvent{value: i}); err != nil {
				return err
			}
			time.Sleep(500 * time.Microsecond)
		}
		return nil
	})))
	require.NoError(t, err)

	// fanout=1: the accumulator it merges into has parallelism 1.
	timerSrc, err := g.AddSource(NewSource[tickEvent](SourceFunc[tickEvent](NewTimerSource(40*time.Millisecond, 1, 4, func() tickEvent {
		return tickEvent{tick: true}
	}))))
	require.NoError(t, err)

	merged, err := dataSrc.Merge(timerSrc)
	require.NoError(t, err)

	windowed, err := merged.Add(NewFlatMap[tickEvent, int](newWindowAccumulator()))
	require.NoError(t, err)

	sink := newCollectSink[int]()
	require.NoError(t, windowed.AddSink(NewSink[int](sink)))

	require.NoError(t, g.Run(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 4)
	sum := 0
	for _, v := range got {
		sum += v
	}
	assert.Equal(t, total, sum)
}

package dataflow

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/npillmayer/schuko/tracing/gotestingadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimoagati/windflow/maybe"
)

// checkRuntime reports (via t.Logf, without failing the test) replica
// goroutines left running after a Run has returned, a check on the
// EOS-drains-and-terminates invariant. Grounded in the teacher's tree_test.go helper of the same
// name and shape.
func checkRuntime(t *testing.T, n int) int {
	if n < 1 {
		g := runtime.NumGoroutine()
		t.Logf("pre-test %d goroutines are alive", g)
		return g
	}
	time.Sleep(20 * time.Millisecond)
	g := runtime.NumGoroutine()
	if g > n {
		t.Logf("still %d goroutines alive, started with %d", g, n)
	}
	return g
}

// sliceSource emits every element of items, in order, then returns.
func sliceSource[T any](items []T) SourceFunc[T] {
	return func(ctx context.Context, ship SourceShipper[T]) error {
		for _, v := range items {
			if err := ship.Emit(v); err != nil {
				return err
			}
		}
		return nil
	}
}

// collectSink accumulates every observed record (and counts EOS arrivals)
// under a mutex; it is deliberately shared across replicas (via Clone
// returning the same pointer) so tests can assert against one place,
// exactly the kind of user-managed shared state spec.md's design notes
// say the framework itself must never introduce.
type collectSink[T any] struct {
	mu       *sync.Mutex
	items    *[]T
	eosCount *int
}

func newCollectSink[T any]() *collectSink[T] {
	return &collectSink[T]{mu: &sync.Mutex{}, items: &[]T{}, eosCount: new(int)}
}

func (s *collectSink[T]) Sink(m maybe.Maybe[T], rt RuntimeContext) error {
	var v T
	switch mm := m.Match(); mm {
	case mm.Just(&v):
		s.mu.Lock()
		*s.items = append(*s.items, v)
		s.mu.Unlock()
	case mm.Nothing():
		s.mu.Lock()
		*s.eosCount++
		s.mu.Unlock()
	}
	return nil
}

func (s *collectSink[T]) Clone() *collectSink[T] { return s }

func (s *collectSink[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(*s.items))
	copy(out, *s.items)
	return out
}

func TestRecordConservation(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "windflow.dataflow")
	defer teardown()
	n := checkRuntime(t, -1)

	g, err := NewPipeGraph("conservation", ExecutionDefault, IngressTime)
	require.NoError(t, err)

	src, err := g.AddSource(NewSource[int](SourceFunc[int](sliceSource([]int{1, 2, 3, 4, 5}))))
	require.NoError(t, err)
	doubled, err := src.Chain(NewMap[int, int](MapFunc[int, int](func(in int) (int, error) {
		return in * 2, nil
	})))
	require.NoError(t, err)

	sink := newCollectSink[int]()
	require.NoError(t, doubled.AddSink(NewSink[int](sink)))

	require.NoError(t, g.Run(context.Background()))
	got := sink.snapshot()
	assert.Len(t, got, 5)
	sort.Ints(got)
	assert.Equal(t, []int{2, 4, 6, 8, 10}, got)
	checkRuntime(t, n)
}

func TestWordCount(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "windflow.dataflow")
	defer teardown()

	g, err := NewPipeGraph("wordcount", ExecutionDefault, IngressTime)
	require.NoError(t, err)

	src, err := g.AddSource(NewSource[string](SourceFunc[string](sliceSource([]string{"the cat", "the dog", "the cat"}))))
	require.NoError(t, err)

	split, err := src.Add(NewFlatMap[string, string](FlatMapFunc[string, string](func(in string, ship StageShipper[string]) error {
		for _, w := range strings.Fields(in) {
			if err := ship.Emit(w); err != nil {
				return err
			}
		}
		return nil
	})))
	require.NoError(t, err)

	counts, err := split.Add(NewMap[string, wordCount](newWordCounter()).KeyBy(func(in string) any { return in }))
	require.NoError(t, err)

	sink := newCollectSink[wordCount]()
	require.NoError(t, counts.AddSink(NewSink[wordCount](sink)))

	require.NoError(t, g.Run(context.Background()))

	got := sink.snapshot()
	want := []wordCount{{"the", 1}, {"cat", 1}, {"the", 2}, {"dog", 1}, {"the", 3}, {"cat", 2}}
	assert.ElementsMatch(t, want, got)
}

type wordCount struct {
	word  string
	count int
}

type wordCounter struct {
	counts map[string]int
}

func newWordCounter() *wordCounter { return &wordCounter{} }

func (w *wordCounter) Map(in string) (wordCount, error) {
	w.counts[in]++
	return wordCount{word: in, count: w.counts[in]}, nil
}

func (w *wordCounter) Clone() *wordCounter { return &wordCounter{counts: map[string]int{}} }

func TestFilter(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "windflow.dataflow")
	defer teardown()

	g, err := NewPipeGraph("filter", ExecutionDefault, IngressTime)
	require.NoError(t, err)

	src, err := g.AddSource(NewSource[string](SourceFunc[string](sliceSource([]string{"a", "bb", "ccc", "dddd"}))))
	require.NoError(t, err)

	evens, err := src.Chain(NewFilter[string](FilterFunc[string](func(in string) (bool, error) {
		return len(in)%2 == 0, nil
	})))
	require.NoError(t, err)

	sink := newCollectSink[string]()
	require.NoError(t, evens.ChainSink(NewSink[string](sink)))

	require.NoError(t, g.Run(context.Background()))
	assert.ElementsMatch(t, []string{"bb", "dddd"}, sink.snapshot())
}

func TestSplitMerge(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "windflow.dataflow")
	defer teardown()

	g, err := NewPipeGraph("splitmerge", ExecutionDefault, IngressTime)
	require.NoError(t, err)

	src, err := g.AddSource(NewSource[int](SourceFunc[int](sliceSource([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))))
	require.NoError(t, err)

	splitH, err := Split[int](src, 2, func(in int) (int, error) {
		return in % 2, nil
	})
	require.NoError(t, err)

	evenLane, err := splitH.Select(0)
	require.NoError(t, err)
	oddLane, err := splitH.Select(1)
	require.NoError(t, err)

	incr := func() Builder {
		return NewMap[int, int](MapFunc[int, int](func(in int) (int, error) { return in + 1, nil }))
	}
	evenInc, err := evenLane.Add(incr())
	require.NoError(t, err)
	oddInc, err := oddLane.Add(incr())
	require.NoError(t, err)

	merged, err := evenInc.Merge(oddInc)
	require.NoError(t, err)

	sink := newCollectSink[int]()
	require.NoError(t, merged.AddSink(NewSink[int](sink)))

	require.NoError(t, g.Run(context.Background()))
	got := sink.snapshot()
	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

type kv struct {
	key   string
	value int
}

func TestKeyedCountingAcrossReplicas(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "windflow.dataflow")
	defer teardown()

	g, err := NewPipeGraph("keyed", ExecutionDefault, IngressTime)
	require.NoError(t, err)

	items := []kv{{"A", 1}, {"B", 1}, {"A", 1}, {"C", 1}, {"A", 1}, {"B", 1}}
	src, err := g.AddSource(NewSource[kv](SourceFunc[kv](sliceSource(items))))
	require.NoError(t, err)

	seen := newKeySeqTracker()
	tracked, err := src.Add(NewMap[kv, kv](seen).Parallelism(3).KeyBy(func(in kv) any { return in.key }))
	require.NoError(t, err)

	sink := newCollectSink[kv]()
	require.NoError(t, tracked.AddSink(NewSink[kv](sink)))

	require.NoError(t, g.Run(context.Background()))
	assert.Len(t, sink.snapshot(), len(items))
	assert.True(t, seen.sawFullKeyRun("A", 3))
}

// keySeqTracker records, per replica, the sequence of keys it observed —
// used to assert that all records for a key land on a single replica, as
// spec'd by key affinity.
type keySeqTracker struct {
	mu      *sync.Mutex
	log     *map[int][]string // replicaIndex -> keys observed, in order
	replica int
	clones  *int
}

func newKeySeqTracker() *keySeqTracker {
	m := make(map[int][]string)
	return &keySeqTracker{mu: &sync.Mutex{}, log: &m, clones: new(int)}
}

func (k *keySeqTracker) Map(in kv) (kv, error) {
	k.record(k.replica, in.key)
	return in, nil
}

func (k *keySeqTracker) record(replica int, key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	(*k.log)[replica] = append((*k.log)[replica], key)
}

// Clone hands each replica a tracker with its own index (replicas are
// cloned in index order) that shares the same log.
func (k *keySeqTracker) Clone() *keySeqTracker {
	k.mu.Lock()
	defer k.mu.Unlock()
	c := *k
	c.replica = *k.clones
	*k.clones++
	return &c
}

func (k *keySeqTracker) sawFullKeyRun(key string, want int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, keys := range *k.log {
		count := 0
		for _, kk := range keys {
			if kk == key {
				count++
			}
		}
		if count == want {
			return true
		}
	}
	return false
}

func TestEOSCount(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "windflow.dataflow")
	defer teardown()

	g, err := NewPipeGraph("eoscount", ExecutionDefault, IngressTime)
	require.NoError(t, err)

	src, err := g.AddSource(NewSource[int](SourceFunc[int](sliceSource([]int{1, 2, 3}))).Parallelism(3))
	require.NoError(t, err)

	mapped, err := src.Add(NewMap[int, int](MapFunc[int, int](func(in int) (int, error) { return in, nil })).Parallelism(3))
	require.NoError(t, err)

	sink := newCollectSink[int]()
	require.NoError(t, mapped.AddSink(NewSink[int](sink)))

	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, 3, *sink.eosCount)
}

func TestChainEquivalence(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "windflow.dataflow")
	defer teardown()

	build := func(chain bool) []int {
		g, err := NewPipeGraph("chaineq", ExecutionDefault, IngressTime)
		require.NoError(t, err)
		src, err := g.AddSource(NewSource[int](SourceFunc[int](sliceSource([]int{1, 2, 3, 4, 5}))))
		require.NoError(t, err)
		double := NewMap[int, int](MapFunc[int, int](func(in int) (int, error) { return in * 2, nil }))
		var tail *PipeHandle
		if chain {
			tail, err = src.Chain(double)
		} else {
			tail, err = src.Add(double)
		}
		require.NoError(t, err)
		sink := newCollectSink[int]()
		require.NoError(t, tail.AddSink(NewSink[int](sink)))
		require.NoError(t, g.Run(context.Background()))
		got := sink.snapshot()
		sort.Ints(got)
		return got
	}

	assert.Equal(t, build(true), build(false))
}

func TestMissingSinkRejected(t *testing.T) {
	g, err := NewPipeGraph("nosink", ExecutionDefault, IngressTime)
	require.NoError(t, err)
	_, err = g.AddSource(NewSource[int](SourceFunc[int](sliceSource([]int{1}))))
	require.NoError(t, err)
	assert.ErrorIs(t, g.Run(context.Background()), ErrMissingSink)
}

func TestChainingContractRejectsParallelismMismatch(t *testing.T) {
	g, err := NewPipeGraph("badchain", ExecutionDefault, IngressTime)
	require.NoError(t, err)
	src, err := g.AddSource(NewSource[int](SourceFunc[int](sliceSource([]int{1}))))
	require.NoError(t, err)
	_, err = src.Chain(NewMap[int, int](MapFunc[int, int](func(in int) (int, error) { return in, nil })).Parallelism(2))
	assert.ErrorIs(t, err, ErrChainingContractViolated)
}

func TestEdgeTypeMismatchRejectedOnChain(t *testing.T) {
	g, err := NewPipeGraph("badtypechain", ExecutionDefault, IngressTime)
	require.NoError(t, err)
	src, err := g.AddSource(NewSource[int](SourceFunc[int](sliceSource([]int{1}))))
	require.NoError(t, err)
	_, err = src.Chain(NewMap[string, bool](MapFunc[string, bool](func(in string) (bool, error) { return len(in) > 0, nil })))
	assert.ErrorIs(t, err, ErrEdgeTypeMismatch)
}

func TestEdgeTypeMismatchRejectedOnAdd(t *testing.T) {
	g, err := NewPipeGraph("badtypeadd", ExecutionDefault, IngressTime)
	require.NoError(t, err)
	src, err := g.AddSource(NewSource[int](SourceFunc[int](sliceSource([]int{1}))))
	require.NoError(t, err)
	_, err = src.Add(NewMap[string, bool](MapFunc[string, bool](func(in string) (bool, error) { return len(in) > 0, nil })))
	assert.ErrorIs(t, err, ErrEdgeTypeMismatch)
}

func TestEdgeTypeMismatchRejectedOnAddSink(t *testing.T) {
	g, err := NewPipeGraph("badtypesink", ExecutionDefault, IngressTime)
	require.NoError(t, err)
	src, err := g.AddSource(NewSource[int](SourceFunc[int](sliceSource([]int{1}))))
	require.NoError(t, err)
	err = src.AddSink(NewSink[string](newCollectSink[string]()))
	assert.ErrorIs(t, err, ErrEdgeTypeMismatch)
}

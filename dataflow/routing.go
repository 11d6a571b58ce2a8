package dataflow

import (
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// stableHash hashes an arbitrary comparable key to a uint64 deterministically
// across replicas (same key always yields the same hash, regardless of
// which producer replica computes it). Strings are hashed directly, with no
// formatting step; int, int64 and int32 keys are hashed via their decimal
// form (fmt.Sprintf), and anything else via its default string
// representation (fmt.Sprint), mirroring the
// teacher's own preference for a cheap path first and a general fallback
// second (see filter.pushResult's non-blocking-send-then-goroutine shape).
func stableHash(key any) uint64 {
	switch k := key.(type) {
	case string:
		return xxhash.Sum64String(k)
	case int:
		return xxhash.Sum64String(fmt.Sprintf("%d", k))
	case int64:
		return xxhash.Sum64String(fmt.Sprintf("%d", k))
	case int32:
		return xxhash.Sum64String(fmt.Sprintf("%d", k))
	default:
		return xxhash.Sum64String(fmt.Sprint(k))
	}
}

// router assigns an outbound record to one of a downstream stage's replica
// lanes. One router instance is owned by a single upstream replica —
// round-robin state is never shared across producer replicas, exactly as
// spec'd ("each producer replica maintains its own counter").
type router struct {
	downstreamParallelism int
	keyFn                 keyFunc
	rrCounter             uint64
}

func newRouter(downstreamParallelism int, keyFn keyFunc) *router {
	return &router{downstreamParallelism: downstreamParallelism, keyFn: keyFn}
}

// route returns the destination replica index in [0, downstreamParallelism).
func (r *router) route(record any) int {
	if r.keyFn != nil {
		if key, ok := r.keyFn(record); ok {
			h := stableHash(key)
			return int(h % uint64(r.downstreamParallelism))
		}
	}
	n := atomic.AddUint64(&r.rrCounter, 1) - 1
	return int(n % uint64(r.downstreamParallelism))
}

// splitRouter wraps a user-supplied discriminant for a split node. It
// answers which of the k lanes a record belongs to; within that lane,
// ordinary key-hash or round-robin routing to the lane's own downstream
// stage still applies (each lane owns its own *router).
type splitRouter struct {
	lanes int
	pick  func(record any) (int, error)
}

func (s *splitRouter) route(record any) (int, error) {
	lane, err := s.pick(record)
	if err != nil {
		return 0, err
	}
	if lane < 0 || lane >= s.lanes {
		return 0, fmt.Errorf("%w: got %d, want [0,%d)", ErrSplitIndexOutOfRange, lane, s.lanes)
	}
	return lane, nil
}

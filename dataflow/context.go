package dataflow

import "github.com/google/uuid"

// RuntimeContext is handed to a running kernel so it can learn about its
// own placement inside a stage's replica set, and about the run it is
// taking part in. It carries no mutable state; every field is fixed for
// the lifetime of a replica.
type RuntimeContext interface {
	// Parallelism is the number of replicas of the stage this kernel
	// instance belongs to.
	Parallelism() int

	// ReplicaIndex is this kernel instance's position in [0, Parallelism()).
	ReplicaIndex() int

	// StageName is the name given to the stage at build time, or a
	// generated name if none was given.
	StageName() string

	// RunID identifies the Run() invocation this replica is part of. It
	// is attached to every trace line the runtime itself emits, so logs
	// from overlapping runs (the package holds no global state) can be
	// told apart.
	RunID() uuid.UUID
}

// runtimeContext is the concrete RuntimeContext implementation threaded
// through every kernel invocation.
type runtimeContext struct {
	parallelism  int
	replicaIndex int
	stageName    string
	runID        uuid.UUID
}

func (rt runtimeContext) Parallelism() int  { return rt.parallelism }
func (rt runtimeContext) ReplicaIndex() int { return rt.replicaIndex }
func (rt runtimeContext) StageName() string { return rt.stageName }
func (rt runtimeContext) RunID() uuid.UUID  { return rt.runID }

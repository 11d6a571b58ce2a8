package dataflow

import "errors"

// Validation errors are surfaced at Build()/Chain()/Run() time, before any
// replica thread starts, per the framework's failure model: validation
// errors are reported synchronously, never retried.
var (
	// ErrInvalidParallelism is returned when a stage declares parallelism
	// of zero or more than MaxParallelism.
	ErrInvalidParallelism = errors.New("dataflow: invalid parallelism")

	// ErrChainingContractViolated is returned by Chain/ChainSink when the
	// upstream and downstream stage parallelism differ, when the downstream
	// stage declares a key extractor and the upstream one declares none, or
	// when the downstream recipe cannot be chained. When both stages
	// declare key extractors they are not compared, and the chain is
	// accepted.
	ErrChainingContractViolated = errors.New("dataflow: chaining contract violated")

	// ErrMissingSink is returned by Run when the graph holds no sink stage
	// at all. A pipe left unterminated in a graph that does have a sink
	// elsewhere is reported as ErrDanglingPipe.
	ErrMissingSink = errors.New("dataflow: pipe has no sink")

	// ErrDanglingPipe is returned by Run when a stage is reachable from a
	// source but does not ultimately feed a sink.
	ErrDanglingPipe = errors.New("dataflow: dangling pipe does not reach a sink")

	// ErrUnreachableStage is returned by Run when a stage was built but is
	// not reachable from any source.
	ErrUnreachableStage = errors.New("dataflow: stage is not reachable from any source")

	// ErrCycle is returned by Run when the stage graph is not acyclic.
	ErrCycle = errors.New("dataflow: graph contains a cycle")

	// ErrMergeTypeMismatch is returned by Merge when the merged pipe
	// handles do not carry the same element type.
	ErrMergeTypeMismatch = errors.New("dataflow: merge operands have mismatched element types")

	// ErrEdgeTypeMismatch is returned by Add/Chain/AddSink/ChainSink when
	// an upstream stage's output type does not match the downstream
	// stage's input type. Caught at build time so a kernel never sees a
	// record of the wrong type at run time.
	ErrEdgeTypeMismatch = errors.New("dataflow: edge operands have mismatched element types")

	// ErrCannotChainMerge is returned by Chain/ChainSink when called on a
	// pipe handle produced by Merge: a merged pipe always needs a
	// transport to interleave its upstream lanes, so it cannot be fused.
	ErrCannotChainMerge = errors.New("dataflow: cannot chain a merged pipe")

	// ErrUnknownExecutionMode is returned by NewPipeGraph for an
	// unrecognized ExecutionMode tag.
	ErrUnknownExecutionMode = errors.New("dataflow: unknown execution mode")

	// ErrUnknownTimePolicy is returned by NewPipeGraph for an unrecognized
	// TimePolicy tag.
	ErrUnknownTimePolicy = errors.New("dataflow: unknown time policy")

	// ErrSplitIndexOutOfRange is the error a split routing step wraps when
	// a user-supplied discriminant returns a lane index outside [0, k).
	// It is treated as a user-functor error: it propagates as the run's
	// failure rather than panicking the runtime.
	ErrSplitIndexOutOfRange = errors.New("dataflow: split discriminant returned an out-of-range lane")

	// ErrEmptyMerge is returned by Merge when called with no operands.
	ErrEmptyMerge = errors.New("dataflow: merge requires at least one pipe handle")
)

// MaxParallelism bounds the parallelism degree accepted by any builder.
// It exists purely to reject pathological configuration (e.g. a typo that
// turns "4" into "4000000") before any OS thread is started.
const MaxParallelism = 4096

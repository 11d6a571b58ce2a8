package dataflow

// SourceShipper is handed to a SourceFunc. A call to Emit hands one record
// to the routing layer for the source stage's single output edge.
//
// Emit may be called from the goroutine running the SourceFunc only; the
// shipper itself establishes no additional synchronization.
type SourceShipper[Out any] interface {
	// Emit routes v to the downstream stage(s) fed by this source. It
	// blocks while the destination replica's inbound transport is full.
	// It returns an error if the surrounding run is cancelled (ctx.Done())
	// while waiting, if a stage chained behind this one returns an error
	// for v, or if a split discriminant fails or picks a lane with no
	// attached pipe.
	Emit(v Out) error
}

// StageShipper is handed to a FlatMapFunc. A FlatMap kernel may call Emit
// zero or more times per input record, including from a single call to the
// kernel function, to implement one-to-many and one-to-zero transformations.
type StageShipper[Out any] interface {
	// Emit routes v downstream. See SourceShipper.Emit for delivery
	// semantics.
	Emit(v Out) error
}

// emitFunc adapts a routing closure to the Source/StageShipper interfaces.
// Both interfaces have identical shape; kernels are kept distinct so that a
// FlatMap functor cannot accidentally be wired where a Source is expected.
type emitFunc[Out any] func(v Out) error

func (f emitFunc[Out]) Emit(v Out) error { return f(v) }

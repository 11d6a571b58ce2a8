package dataflow

import (
	"context"
	"fmt"

	"github.com/cosimoagati/windflow/maybe"
)

// Cloner is implemented by a stateful functor prototype so that the
// runtime can hand each replica its own, state-disjoint instance. A
// functor that carries no mutable state (a plain func, or a struct with
// only read-only fields) may implement Clone as the identity — see
// MapFunc.Clone and its siblings below for the stock implementation.
type Cloner[F any] interface {
	Clone() F
}

// Sourcer is the behavior contract for a Source kernel.
type Sourcer[Out any] interface {
	Source(ctx context.Context, ship SourceShipper[Out]) error
}

// Mapper is the behavior contract for a Map kernel.
type Mapper[In, Out any] interface {
	Map(In) (Out, error)
}

// FlatMapper is the behavior contract for a FlatMap kernel.
type FlatMapper[In, Out any] interface {
	FlatMap(In, StageShipper[Out]) error
}

// Filterer is the behavior contract for a Filter kernel.
type Filterer[In any] interface {
	Filter(In) (bool, error)
}

// Sinker is the behavior contract for a Sink kernel. Sink is invoked with
// maybe.Nothing exactly once per upstream lane, as its end-of-stream
// marker; rt describes the sink replica being invoked and does not say
// which upstream lane terminated.
type Sinker[In any] interface {
	Sink(maybe.Maybe[In], RuntimeContext) error
}

// SourceFunc adapts a plain function to Sourcer + Cloner. Stateless
// sources (the common case) need nothing more than this.
type SourceFunc[Out any] func(ctx context.Context, ship SourceShipper[Out]) error

func (f SourceFunc[Out]) Source(ctx context.Context, ship SourceShipper[Out]) error {
	return f(ctx, ship)
}
func (f SourceFunc[Out]) Clone() SourceFunc[Out] { return f }

// MapFunc adapts a plain function to Mapper + Cloner.
type MapFunc[In, Out any] func(In) (Out, error)

func (f MapFunc[In, Out]) Map(in In) (Out, error) { return f(in) }
func (f MapFunc[In, Out]) Clone() MapFunc[In, Out] { return f }

// FlatMapFunc adapts a plain function to FlatMapper + Cloner.
type FlatMapFunc[In, Out any] func(In, StageShipper[Out]) error

func (f FlatMapFunc[In, Out]) FlatMap(in In, ship StageShipper[Out]) error { return f(in, ship) }
func (f FlatMapFunc[In, Out]) Clone() FlatMapFunc[In, Out]                { return f }

// FilterFunc adapts a plain function to Filterer + Cloner.
type FilterFunc[In any] func(In) (bool, error)

func (f FilterFunc[In]) Filter(in In) (bool, error) { return f(in) }
func (f FilterFunc[In]) Clone() FilterFunc[In]      { return f }

// SinkFunc adapts a plain function to Sinker + Cloner.
type SinkFunc[In any] func(maybe.Maybe[In], RuntimeContext) error

func (f SinkFunc[In]) Sink(m maybe.Maybe[In], rt RuntimeContext) error { return f(m, rt) }
func (f SinkFunc[In]) Clone() SinkFunc[In]                             { return f }

// --- Source builder ---------------------------------------------------

// SourceBuilder configures and builds a Source stage.
type SourceBuilder[Out any, F interface {
	Sourcer[Out]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

// NewSource starts a Source stage builder around the given functor
// prototype.
func NewSource[Out any, F interface {
	Sourcer[Out]
	Cloner[F]
}](prototype F) *SourceBuilder[Out, F] {
	cfg := newStageConfig(kindSource, nextSeq())
	cfg.outType = typeOf[Out]()
	return &SourceBuilder[Out, F]{cfg: cfg, prototype: prototype}
}

func (b *SourceBuilder[Out, F]) Name(s string) *SourceBuilder[Out, F] { b.cfg.name = s; return b }

func (b *SourceBuilder[Out, F]) Parallelism(p int) *SourceBuilder[Out, F] {
	b.cfg.parallelism = p
	return b
}

func (b *SourceBuilder[Out, F]) OutputBatchSize(n int) *SourceBuilder[Out, F] {
	b.cfg.outputBatchSize = n
	return b
}

func (b *SourceBuilder[Out, F]) Build() (stageRecipe, error) {
	if err := b.cfg.validate(); err != nil {
		return nil, err
	}
	return &sourceRecipe[Out, F]{cfg: b.cfg, prototype: b.prototype}, nil
}

type sourceRecipe[Out any, F interface {
	Sourcer[Out]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

func (r *sourceRecipe[Out, F]) config() *stageConfig { return &r.cfg }

func (r *sourceRecipe[Out, F]) newReplica(rc runtimeContext) replicaFunc {
	functor := r.prototype.Clone()
	return func(ctx context.Context, _ *inbox, send func(any) error, sendEOS func() error) error {
		ship := emitFunc[Out](func(v Out) error { return send(v) })
		tracer().Debugf("run=%s stage=%s replica=%d source starting", rc.runID, rc.stageName, rc.replicaIndex)
		err := functor.Source(ctx, ship)
		if err != nil {
			tracer().Errorf("run=%s stage=%s replica=%d source returned error: %v", rc.runID, rc.stageName, rc.replicaIndex, err)
		}
		if eerr := sendEOS(); eerr != nil && err == nil {
			err = eerr
		}
		return err
	}
}

// --- Map builder --------------------------------------------------------

type MapBuilder[In, Out any, F interface {
	Mapper[In, Out]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

func NewMap[In, Out any, F interface {
	Mapper[In, Out]
	Cloner[F]
}](prototype F) *MapBuilder[In, Out, F] {
	cfg := newStageConfig(kindMap, nextSeq())
	cfg.inType, cfg.outType = typeOf[In](), typeOf[Out]()
	return &MapBuilder[In, Out, F]{cfg: cfg, prototype: prototype}
}

func (b *MapBuilder[In, Out, F]) Name(s string) *MapBuilder[In, Out, F] { b.cfg.name = s; return b }

func (b *MapBuilder[In, Out, F]) Parallelism(p int) *MapBuilder[In, Out, F] {
	b.cfg.parallelism = p
	return b
}

func (b *MapBuilder[In, Out, F]) OutputBatchSize(n int) *MapBuilder[In, Out, F] {
	b.cfg.outputBatchSize = n
	return b
}

// KeyBy declares a key extractor. The returned value must be comparable;
// it is used as input to the stable-hash routing function.
func (b *MapBuilder[In, Out, F]) KeyBy(k func(In) any) *MapBuilder[In, Out, F] {
	b.cfg.keyed = true
	b.cfg.keyFn = boxKeyFn(k)
	return b
}

func (b *MapBuilder[In, Out, F]) Build() (stageRecipe, error) {
	if err := b.cfg.validate(); err != nil {
		return nil, err
	}
	return &mapRecipe[In, Out, F]{cfg: b.cfg, prototype: b.prototype}, nil
}

type mapRecipe[In, Out any, F interface {
	Mapper[In, Out]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

func (r *mapRecipe[In, Out, F]) config() *stageConfig { return &r.cfg }

func (r *mapRecipe[In, Out, F]) newReplica(rc runtimeContext) replicaFunc {
	functor := r.prototype.Clone()
	return func(ctx context.Context, in *inbox, send func(any) error, sendEOS func() error) error {
		for {
			env, done, err := in.recv(ctx)
			if err != nil {
				return err
			}
			if env.eos {
				if done {
					return sendEOS()
				}
				continue
			}
			rec, cast := env.data.(In)
			assertThat(cast, "map stage %q received record of unexpected type %T", r.cfg.name, env.data)
			out, err := functor.Map(rec)
			if err != nil {
				return fmt.Errorf("stage %q: %w", r.cfg.name, err)
			}
			if err := send(out); err != nil {
				return err
			}
		}
	}
}

// --- FlatMap builder -----------------------------------------------------

type FlatMapBuilder[In, Out any, F interface {
	FlatMapper[In, Out]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

func NewFlatMap[In, Out any, F interface {
	FlatMapper[In, Out]
	Cloner[F]
}](prototype F) *FlatMapBuilder[In, Out, F] {
	cfg := newStageConfig(kindFlatMap, nextSeq())
	cfg.inType, cfg.outType = typeOf[In](), typeOf[Out]()
	return &FlatMapBuilder[In, Out, F]{cfg: cfg, prototype: prototype}
}

func (b *FlatMapBuilder[In, Out, F]) Name(s string) *FlatMapBuilder[In, Out, F] {
	b.cfg.name = s
	return b
}

func (b *FlatMapBuilder[In, Out, F]) Parallelism(p int) *FlatMapBuilder[In, Out, F] {
	b.cfg.parallelism = p
	return b
}

func (b *FlatMapBuilder[In, Out, F]) OutputBatchSize(n int) *FlatMapBuilder[In, Out, F] {
	b.cfg.outputBatchSize = n
	return b
}

func (b *FlatMapBuilder[In, Out, F]) KeyBy(k func(In) any) *FlatMapBuilder[In, Out, F] {
	b.cfg.keyed = true
	b.cfg.keyFn = boxKeyFn(k)
	return b
}

func (b *FlatMapBuilder[In, Out, F]) Build() (stageRecipe, error) {
	if err := b.cfg.validate(); err != nil {
		return nil, err
	}
	return &flatMapRecipe[In, Out, F]{cfg: b.cfg, prototype: b.prototype}, nil
}

type flatMapRecipe[In, Out any, F interface {
	FlatMapper[In, Out]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

func (r *flatMapRecipe[In, Out, F]) config() *stageConfig { return &r.cfg }

func (r *flatMapRecipe[In, Out, F]) newReplica(rc runtimeContext) replicaFunc {
	functor := r.prototype.Clone()
	return func(ctx context.Context, in *inbox, send func(any) error, sendEOS func() error) error {
		ship := emitFunc[Out](func(v Out) error { return send(v) })
		for {
			env, done, err := in.recv(ctx)
			if err != nil {
				return err
			}
			if env.eos {
				if done {
					return sendEOS()
				}
				continue
			}
			rec, cast := env.data.(In)
			assertThat(cast, "flatmap stage %q received record of unexpected type %T", r.cfg.name, env.data)
			if err := functor.FlatMap(rec, ship); err != nil {
				return fmt.Errorf("stage %q: %w", r.cfg.name, err)
			}
		}
	}
}

// --- Filter builder --------------------------------------------------------

type FilterBuilder[In any, F interface {
	Filterer[In]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

func NewFilter[In any, F interface {
	Filterer[In]
	Cloner[F]
}](prototype F) *FilterBuilder[In, F] {
	cfg := newStageConfig(kindFilter, nextSeq())
	cfg.inType, cfg.outType = typeOf[In](), typeOf[In]()
	return &FilterBuilder[In, F]{cfg: cfg, prototype: prototype}
}

func (b *FilterBuilder[In, F]) Name(s string) *FilterBuilder[In, F] { b.cfg.name = s; return b }

func (b *FilterBuilder[In, F]) Parallelism(p int) *FilterBuilder[In, F] {
	b.cfg.parallelism = p
	return b
}

func (b *FilterBuilder[In, F]) OutputBatchSize(n int) *FilterBuilder[In, F] {
	b.cfg.outputBatchSize = n
	return b
}

func (b *FilterBuilder[In, F]) KeyBy(k func(In) any) *FilterBuilder[In, F] {
	b.cfg.keyed = true
	b.cfg.keyFn = boxKeyFn(k)
	return b
}

func (b *FilterBuilder[In, F]) Build() (stageRecipe, error) {
	if err := b.cfg.validate(); err != nil {
		return nil, err
	}
	return &filterRecipe[In, F]{cfg: b.cfg, prototype: b.prototype}, nil
}

type filterRecipe[In any, F interface {
	Filterer[In]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

func (r *filterRecipe[In, F]) config() *stageConfig { return &r.cfg }

func (r *filterRecipe[In, F]) newReplica(rc runtimeContext) replicaFunc {
	functor := r.prototype.Clone()
	return func(ctx context.Context, in *inbox, send func(any) error, sendEOS func() error) error {
		for {
			env, done, err := in.recv(ctx)
			if err != nil {
				return err
			}
			if env.eos {
				if done {
					return sendEOS()
				}
				continue
			}
			rec, cast := env.data.(In)
			assertThat(cast, "filter stage %q received record of unexpected type %T", r.cfg.name, env.data)
			keep, err := functor.Filter(rec)
			if err != nil {
				return fmt.Errorf("stage %q: %w", r.cfg.name, err)
			}
			if keep {
				if err := send(rec); err != nil {
					return err
				}
			}
		}
	}
}

// --- Sink builder --------------------------------------------------------

type SinkBuilder[In any, F interface {
	Sinker[In]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

func NewSink[In any, F interface {
	Sinker[In]
	Cloner[F]
}](prototype F) *SinkBuilder[In, F] {
	cfg := newStageConfig(kindSink, nextSeq())
	cfg.inType = typeOf[In]()
	return &SinkBuilder[In, F]{cfg: cfg, prototype: prototype}
}

func (b *SinkBuilder[In, F]) Name(s string) *SinkBuilder[In, F] { b.cfg.name = s; return b }

func (b *SinkBuilder[In, F]) Parallelism(p int) *SinkBuilder[In, F] {
	b.cfg.parallelism = p
	return b
}

func (b *SinkBuilder[In, F]) Build() (stageRecipe, error) {
	if err := b.cfg.validate(); err != nil {
		return nil, err
	}
	return &sinkRecipe[In, F]{cfg: b.cfg, prototype: b.prototype}, nil
}

type sinkRecipe[In any, F interface {
	Sinker[In]
	Cloner[F]
}] struct {
	cfg       stageConfig
	prototype F
}

func (r *sinkRecipe[In, F]) config() *stageConfig { return &r.cfg }

func (r *sinkRecipe[In, F]) newReplica(rc runtimeContext) replicaFunc {
	functor := r.prototype.Clone()
	return func(ctx context.Context, in *inbox, send func(any) error, sendEOS func() error) error {
		for {
			env, done, err := in.recv(ctx)
			if err != nil {
				return err
			}
			if env.eos {
				if serr := functor.Sink(maybe.Nothing[In](), rc); serr != nil {
					return fmt.Errorf("stage %q: %w", r.cfg.name, serr)
				}
				if done {
					return nil
				}
				continue
			}
			rec, cast := env.data.(In)
			assertThat(cast, "sink stage %q received record of unexpected type %T", r.cfg.name, env.data)
			if err := functor.Sink(maybe.Just(rec), rc); err != nil {
				return fmt.Errorf("stage %q: %w", r.cfg.name, err)
			}
		}
	}
}

// boxKeyFn adapts a typed key extractor to the transport layer's erased
// keyFunc shape.
func boxKeyFn[In any](k func(In) any) keyFunc {
	return func(record any) (any, bool) {
		in, ok := record.(In)
		if !ok {
			return nil, false
		}
		return k(in), true
	}
}

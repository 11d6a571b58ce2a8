package dataflow

import (
	"fmt"

	"github.com/cosimoagati/windflow/maybe"
)

// chainLink is a single non-head member of a fused chain: its processing
// is invoked directly by the previous link's emit, on the previous link's
// goroutine, with no channel in between.
type chainLink interface {
	// process runs this link's transform on one inbound record, calling
	// send for every record it emits (0 for a dropped Filter record or a
	// Sink, 1 for Map, 0..N for FlatMap).
	process(record any, send func(any) error) error

	// processEOS runs this link's end-of-stream behavior (a Sink invokes
	// its functor with the empty marker; every other kind is a no-op).
	processEOS() error
}

// chainable is implemented by every non-source recipe; it is the hook
// graph.go uses to fuse a recipe into a chain instead of running it as an
// independently-threaded replica.
type chainable interface {
	newChainLink(rc runtimeContext) chainLink
}

type mapLink[In, Out any, F interface {
	Mapper[In, Out]
	Cloner[F]
}] struct {
	name    string
	functor F
}

func (l *mapLink[In, Out, F]) process(record any, send func(any) error) error {
	in, ok := record.(In)
	assertThat(ok, "chain link %q received record of unexpected type %T", l.name, record)
	out, err := l.functor.Map(in)
	if err != nil {
		return fmt.Errorf("stage %q: %w", l.name, err)
	}
	return send(out)
}

func (l *mapLink[In, Out, F]) processEOS() error { return nil }

func (r *mapRecipe[In, Out, F]) newChainLink(rc runtimeContext) chainLink {
	return &mapLink[In, Out, F]{name: r.cfg.name, functor: r.prototype.Clone()}
}

type filterLink[In any, F interface {
	Filterer[In]
	Cloner[F]
}] struct {
	name    string
	functor F
}

func (l *filterLink[In, F]) process(record any, send func(any) error) error {
	in, ok := record.(In)
	assertThat(ok, "chain link %q received record of unexpected type %T", l.name, record)
	keep, err := l.functor.Filter(in)
	if err != nil {
		return fmt.Errorf("stage %q: %w", l.name, err)
	}
	if !keep {
		return nil
	}
	return send(in)
}

func (l *filterLink[In, F]) processEOS() error { return nil }

func (r *filterRecipe[In, F]) newChainLink(rc runtimeContext) chainLink {
	return &filterLink[In, F]{name: r.cfg.name, functor: r.prototype.Clone()}
}

type flatMapLink[In, Out any, F interface {
	FlatMapper[In, Out]
	Cloner[F]
}] struct {
	name    string
	functor F
}

func (l *flatMapLink[In, Out, F]) process(record any, send func(any) error) error {
	in, ok := record.(In)
	assertThat(ok, "chain link %q received record of unexpected type %T", l.name, record)
	ship := emitFunc[Out](func(v Out) error { return send(v) })
	if err := l.functor.FlatMap(in, ship); err != nil {
		return fmt.Errorf("stage %q: %w", l.name, err)
	}
	return nil
}

func (l *flatMapLink[In, Out, F]) processEOS() error { return nil }

func (r *flatMapRecipe[In, Out, F]) newChainLink(rc runtimeContext) chainLink {
	return &flatMapLink[In, Out, F]{name: r.cfg.name, functor: r.prototype.Clone()}
}

type sinkLink[In any, F interface {
	Sinker[In]
	Cloner[F]
}] struct {
	name    string
	functor F
	rc      runtimeContext
}

func (l *sinkLink[In, F]) process(record any, send func(any) error) error {
	in, ok := record.(In)
	assertThat(ok, "chain link %q received record of unexpected type %T", l.name, record)
	if err := l.functor.Sink(maybe.Just(in), l.rc); err != nil {
		return fmt.Errorf("stage %q: %w", l.name, err)
	}
	return nil
}

func (l *sinkLink[In, F]) processEOS() error {
	if err := l.functor.Sink(maybe.Nothing[In](), l.rc); err != nil {
		return fmt.Errorf("stage %q: %w", l.name, err)
	}
	return nil
}

func (r *sinkRecipe[In, F]) newChainLink(rc runtimeContext) chainLink {
	return &sinkLink[In, F]{name: r.cfg.name, functor: r.prototype.Clone(), rc: rc}
}

// composeChain fuses a sequence of chain links onto a real tail send/sendEOS
// pair (the chain's outgoing transport, or a no-op pair if the chain ends
// in a Sink). The returned send/sendEOS are what the chain's head replica
// calls instead of pushing onto a transport.
func composeChain(links []chainLink, tailSend func(any) error, tailSendEOS func() error) (send func(any) error, sendEOS func() error) {
	send, sendEOS = tailSend, tailSendEOS
	for i := len(links) - 1; i >= 0; i-- {
		link := links[i]
		nextSend := send
		send = func(record any) error { return link.process(record, nextSend) }
		nextEOS := sendEOS
		sendEOS = func() error {
			if err := link.processEOS(); err != nil {
				return err
			}
			return nextEOS()
		}
	}
	return send, sendEOS
}

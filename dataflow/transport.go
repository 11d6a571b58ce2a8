package dataflow

import "context"

// defaultChannelBuffer sizes every unchained edge's per-replica channel.
// Sized generously enough that the chaining contract (same parallelism on
// both sides of a fused chain) never deadlocks a producer against a slow
// consumer under ordinary batch sizes.
const defaultChannelBuffer = 64

// batch is the internal wrapper an envelope's data holds when a stage's
// output_batch_size > 0. It never escapes the transport layer: inbox.recv
// unpacks it transparently, so every kernel still observes individual
// records.
type batch struct {
	items []any
}

// transport is the set of per-replica channels backing one unchained edge.
// Multiple producer replicas (including, for a merge point, replicas of
// more than one upstream stage) may send on the same channel; only the
// single downstream replica that owns a channel ever receives from it.
type transport struct {
	chans []chan envelope
}

func newTransport(downstreamParallelism int) *transport {
	chans := make([]chan envelope, downstreamParallelism)
	for i := range chans {
		chans[i] = make(chan envelope, defaultChannelBuffer)
	}
	return &transport{chans: chans}
}

// send delivers env to lane i, blocking if the lane's channel is full. It
// tries a non-blocking send first purely as a fast path — grounded in the
// teacher's own pushResult, which does the same before falling back to a
// blocking path.
func (t *transport) send(ctx context.Context, i int, env envelope) error {
	select {
	case t.chans[i] <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case t.chans[i] <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pusher is owned by exactly one producer replica and adapts that
// replica's untyped send/sendEOS calls to a transport, applying routing
// and batching. Round-robin state and batch accumulators therefore never
// cross replica boundaries.
type pusher struct {
	ctx       context.Context
	transport *transport
	router    *router
	batchSize int
	pending   [][]any
}

func newPusher(ctx context.Context, t *transport, batchSize int, keyFn keyFunc) *pusher {
	p := &pusher{ctx: ctx, transport: t, router: newRouter(len(t.chans), keyFn), batchSize: batchSize}
	if batchSize > 0 {
		p.pending = make([][]any, len(t.chans))
	}
	return p
}

func (p *pusher) push(record any) error {
	i := p.router.route(record)
	if p.batchSize <= 0 {
		return p.transport.send(p.ctx, i, envelope{data: record})
	}
	p.pending[i] = append(p.pending[i], record)
	if len(p.pending[i]) >= p.batchSize {
		items := p.pending[i]
		p.pending[i] = nil
		return p.transport.send(p.ctx, i, envelope{data: batch{items: items}})
	}
	return nil
}

// flush emits any partially filled batch for every lane. Called on the
// owning replica's EOS, per spec ("a batch is flushed early on EOS").
func (p *pusher) flush() error {
	if p.batchSize <= 0 {
		return nil
	}
	for i, items := range p.pending {
		if len(items) == 0 {
			continue
		}
		if err := p.transport.send(p.ctx, i, envelope{data: batch{items: items}}); err != nil {
			return err
		}
		p.pending[i] = nil
	}
	return nil
}

// sendEOS flushes outstanding batches, then sends exactly one EOS envelope
// on every outgoing lane.
func (p *pusher) sendEOS() error {
	if err := p.flush(); err != nil {
		return err
	}
	for i := range p.transport.chans {
		if err := p.transport.send(p.ctx, i, envelope{eos: true}); err != nil {
			return err
		}
	}
	return nil
}

// inbox is a single consumer replica's view of its inbound transport. It
// counts EOS arrivals against the number of upstream producer replicas
// expected to send one (which, at a merge point, is the sum of every
// merged producer stage's parallelism) and transparently unpacks batches.
type inbox struct {
	ch       chan envelope
	expected int
	seen     int
	pending  []any
}

func newInbox(ch chan envelope, expectedUpstreamReplicas int) *inbox {
	return &inbox{ch: ch, expected: expectedUpstreamReplicas}
}

// recv returns the next individual record or EOS marker. done is true
// alongside an EOS envelope that was the last of the expected lanes, and
// alongside a non-nil err when ctx is done; a caller ignores done on
// non-EOS envelopes.
func (ib *inbox) recv(ctx context.Context) (env envelope, done bool, err error) {
	if len(ib.pending) > 0 {
		item := ib.pending[0]
		ib.pending = ib.pending[1:]
		return envelope{data: item}, false, nil
	}
	select {
	case <-ctx.Done():
		return envelope{}, true, ctx.Err()
	case e := <-ib.ch:
		if e.eos {
			ib.seen++
			return e, ib.seen >= ib.expected, nil
		}
		if b, ok := e.data.(batch); ok {
			assertThat(len(b.items) > 0, "empty batch delivered on transport")
			ib.pending = append(ib.pending, b.items[1:]...)
			return envelope{data: b.items[0]}, false, nil
		}
		return e, false, nil
	}
}

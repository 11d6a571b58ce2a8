package dataflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xlab/treeprint"
	"golang.org/x/sync/errgroup"
)

// nodeID identifies a stage node within a single PipeGraph.
type nodeID int

type edgeKind int

const (
	edgeUnchained edgeKind = iota
	edgeChained
)

// outEdge is one directed connection leaving a node.
type outEdge struct {
	to   nodeID
	kind edgeKind
	lane int // -1 unless this edge is one lane of a split
}

// node wraps a built stageRecipe with its place in the graph.
type node struct {
	id      nodeID
	recipe  stageRecipe
	out     []outEdge
	isSink  bool
	splitK  int
	splitFn func(record any) (int, error)
}

// Builder is satisfied by every kernel builder's Build() method. PipeGraph
// methods accept a Builder rather than a concrete *XxxBuilder so AddSource,
// Add, Chain, AddSink, and ChainSink share one signature across all five
// kernel kinds.
type Builder interface {
	Build() (stageRecipe, error)
}

// PipeGraph is the composition layer: stages are registered against it via
// pipe handles, and Run materializes the whole graph into OS threads and
// transports.
type PipeGraph struct {
	name       string
	mode       ExecutionMode
	timePolicy TimePolicy
	nodes      []*node
}

// NewPipeGraph constructs an empty graph. mode and timePolicy are validated
// immediately; every other error (invalid parallelism, chaining-contract
// violations, dangling pipes, cycles) surfaces from the builder/handle
// calls that would introduce them, or from Run, never later.
func NewPipeGraph(name string, mode ExecutionMode, timePolicy TimePolicy) (*PipeGraph, error) {
	if !mode.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutionMode, mode)
	}
	if !timePolicy.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimePolicy, timePolicy)
	}
	return &PipeGraph{name: name, mode: mode, timePolicy: timePolicy}, nil
}

func (g *PipeGraph) addNode(recipe stageRecipe) nodeID {
	id := nodeID(len(g.nodes))
	g.nodes = append(g.nodes, &node{id: id, out: nil})
	g.nodes[id].id = id
	g.nodes[id].recipe = recipe
	return id
}

// PipeHandle is a builder handle representing the tail of a
// partially-constructed pipe. A handle produced by Merge carries more than
// one tail; every other handle carries exactly one.
type PipeHandle struct {
	g     *PipeGraph
	tails []nodeID
	lane  int // -1 unless obtained from SplitHandle.Select
}

// SplitHandle is returned by Split; Select(i) yields the i-th lane as a
// fresh PipeHandle.
type SplitHandle struct {
	g    *PipeGraph
	from nodeID
	k    int
}

// AddSource registers a source stage, returning a pipe handle rooted at it.
func (g *PipeGraph) AddSource(b Builder) (*PipeHandle, error) {
	recipe, err := b.Build()
	if err != nil {
		return nil, err
	}
	id := g.addNode(recipe)
	return &PipeHandle{g: g, tails: []nodeID{id}, lane: -1}, nil
}

func checkChainingContract(up, down *stageConfig) error {
	if up.parallelism != down.parallelism {
		return fmt.Errorf("%w: %q (p=%d) -> %q (p=%d)", ErrChainingContractViolated, up.name, up.parallelism, down.name, down.parallelism)
	}
	if down.keyed && !up.keyed {
		return fmt.Errorf("%w: %q introduces a key extractor mid-chain", ErrChainingContractViolated, down.name)
	}
	return nil
}

// checkEdgeTypes compares an upstream stage's output type against a
// downstream stage's input type, so a type mismatch on any edge —
// chained or not — is caught at build time (spec.md §7: "mismatched
// types at merge/chain" is a graph validation error, surfaced before
// Run() starts any thread) rather than tripping kernel.go's internal
// assertThat at run time.
func checkEdgeTypes(up, down *stageConfig) error {
	if up.outType != nil && down.inType != nil && up.outType != down.inType {
		return fmt.Errorf("%w: %q (out=%s) -> %q (in=%s)", ErrEdgeTypeMismatch, up.name, up.outType, down.name, down.inType)
	}
	return nil
}

// Add appends an intermediate stage behind a queue (unchained edge).
func (h *PipeHandle) Add(b Builder) (*PipeHandle, error) {
	recipe, err := b.Build()
	if err != nil {
		return nil, err
	}
	down := recipe.config()
	for _, t := range h.tails {
		if err := checkEdgeTypes(h.g.nodes[t].recipe.config(), down); err != nil {
			return nil, err
		}
	}
	id := h.g.addNode(recipe)
	for _, t := range h.tails {
		h.g.nodes[t].out = append(h.g.nodes[t].out, outEdge{to: id, kind: edgeUnchained, lane: h.lane})
	}
	return &PipeHandle{g: h.g, tails: []nodeID{id}, lane: -1}, nil
}

// Chain appends an intermediate stage fused into the upstream replica's
// thread. Legal only when the upstream stage has exactly one tail (Merge
// results cannot be chained) and the chaining contract holds.
func (h *PipeHandle) Chain(b Builder) (*PipeHandle, error) {
	if len(h.tails) != 1 {
		return nil, ErrCannotChainMerge
	}
	recipe, err := b.Build()
	if err != nil {
		return nil, err
	}
	upstream := h.g.nodes[h.tails[0]].recipe.config()
	if err := checkEdgeTypes(upstream, recipe.config()); err != nil {
		return nil, err
	}
	if err := checkChainingContract(upstream, recipe.config()); err != nil {
		return nil, err
	}
	if _, ok := recipe.(chainable); !ok {
		return nil, fmt.Errorf("%w: %q cannot appear inside a chain", ErrChainingContractViolated, recipe.config().name)
	}
	id := h.g.addNode(recipe)
	h.g.nodes[h.tails[0]].out = append(h.g.nodes[h.tails[0]].out, outEdge{to: id, kind: edgeChained, lane: h.lane})
	return &PipeHandle{g: h.g, tails: []nodeID{id}, lane: -1}, nil
}

// AddSink terminates a pipe behind a queue.
func (h *PipeHandle) AddSink(b Builder) error {
	recipe, err := b.Build()
	if err != nil {
		return err
	}
	down := recipe.config()
	for _, t := range h.tails {
		if err := checkEdgeTypes(h.g.nodes[t].recipe.config(), down); err != nil {
			return err
		}
	}
	id := h.g.addNode(recipe)
	h.g.nodes[id].isSink = true
	for _, t := range h.tails {
		h.g.nodes[t].out = append(h.g.nodes[t].out, outEdge{to: id, kind: edgeUnchained, lane: h.lane})
	}
	return nil
}

// ChainSink terminates a pipe, fused into the upstream replica's thread.
func (h *PipeHandle) ChainSink(b Builder) error {
	if len(h.tails) != 1 {
		return ErrCannotChainMerge
	}
	recipe, err := b.Build()
	if err != nil {
		return err
	}
	upstream := h.g.nodes[h.tails[0]].recipe.config()
	if err := checkEdgeTypes(upstream, recipe.config()); err != nil {
		return err
	}
	if err := checkChainingContract(upstream, recipe.config()); err != nil {
		return err
	}
	if _, ok := recipe.(chainable); !ok {
		return fmt.Errorf("%w: %q cannot appear inside a chain", ErrChainingContractViolated, recipe.config().name)
	}
	id := h.g.addNode(recipe)
	h.g.nodes[id].isSink = true
	h.g.nodes[h.tails[0]].out = append(h.g.nodes[h.tails[0]].out, outEdge{to: id, kind: edgeChained, lane: h.lane})
	return nil
}

// Merge combines this pipe with one or more others into a single
// downstream pipe; element types must agree.
func (h *PipeHandle) Merge(others ...*PipeHandle) (*PipeHandle, error) {
	if len(others) == 0 {
		return nil, ErrEmptyMerge
	}
	tails := append([]nodeID{}, h.tails...)
	want := h.elemType()
	for _, o := range others {
		if got := o.elemType(); want != nil && got != nil && want != got {
			return nil, fmt.Errorf("%w: %s vs %s", ErrMergeTypeMismatch, want, got)
		}
		tails = append(tails, o.tails...)
	}
	return &PipeHandle{g: h.g, tails: tails, lane: -1}, nil
}

func (h *PipeHandle) elemType() any {
	return h.g.nodes[h.tails[0]].recipe.config().outType
}

// Split attaches a fan-out with k lanes to h's tail stage; discriminant
// selects the destination lane for every record. h must carry a single
// tail (the result of a Merge cannot be split directly — add an
// intermediate stage first).
func Split[T any](h *PipeHandle, k int, discriminant func(T) (int, error)) (*SplitHandle, error) {
	if len(h.tails) != 1 {
		return nil, ErrCannotChainMerge
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: split requires at least one lane", ErrInvalidParallelism)
	}
	id := h.tails[0]
	name := h.g.nodes[id].recipe.config().name
	h.g.nodes[id].splitK = k
	h.g.nodes[id].splitFn = func(record any) (int, error) {
		in, ok := record.(T)
		assertThat(ok, "split on stage %q received record of unexpected type %T", name, record)
		return discriminant(in)
	}
	return &SplitHandle{g: h.g, from: id, k: k}, nil
}

// Select returns the i-th lane of a split as a fresh pipe handle.
func (s *SplitHandle) Select(i int) (*PipeHandle, error) {
	if i < 0 || i >= s.k {
		return nil, fmt.Errorf("%w: lane %d, have %d lanes", ErrSplitIndexOutOfRange, i, s.k)
	}
	return &PipeHandle{g: s.g, tails: []nodeID{s.from}, lane: i}, nil
}

// --- Validation -------------------------------------------------------

func (g *PipeGraph) validate() error {
	if len(g.nodes) == 0 {
		return ErrMissingSink
	}
	hasSink := false
	for _, n := range g.nodes {
		if err := n.recipe.config().validate(); err != nil {
			return err
		}
		if n.isSink {
			hasSink = true
		}
	}
	if !hasSink {
		return ErrMissingSink
	}
	if err := g.checkAcyclic(); err != nil {
		return err
	}
	return g.checkReachability()
}

func (g *PipeGraph) checkAcyclic() error {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	var visit func(id nodeID) error
	visit = func(id nodeID) error {
		color[id] = gray
		for _, e := range g.nodes[id].out {
			switch color[e.to] {
			case gray:
				return fmt.Errorf("%w: via stage %q", ErrCycle, g.nodes[id].recipe.config().name)
			case white:
				if err := visit(e.to); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, n := range g.nodes {
		if color[n.id] == white {
			if err := visit(n.id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *PipeGraph) checkReachability() error {
	reachableFromSource := make([]bool, len(g.nodes))
	var sources []nodeID
	for _, n := range g.nodes {
		if n.recipe.config().kind == kindSource {
			sources = append(sources, n.id)
		}
	}
	var fwd func(id nodeID)
	fwd = func(id nodeID) {
		if reachableFromSource[id] {
			return
		}
		reachableFromSource[id] = true
		for _, e := range g.nodes[id].out {
			fwd(e.to)
		}
	}
	for _, s := range sources {
		fwd(s)
	}

	reverse := make(map[nodeID][]nodeID)
	for _, n := range g.nodes {
		for _, e := range n.out {
			reverse[e.to] = append(reverse[e.to], n.id)
		}
	}
	canReachSink := make([]bool, len(g.nodes))
	var back func(id nodeID)
	back = func(id nodeID) {
		if canReachSink[id] {
			return
		}
		canReachSink[id] = true
		for _, p := range reverse[id] {
			back(p)
		}
	}
	for _, n := range g.nodes {
		if n.isSink {
			back(n.id)
		}
	}

	for _, n := range g.nodes {
		if !reachableFromSource[n.id] {
			return fmt.Errorf("%w: stage %q", ErrUnreachableStage, n.recipe.config().name)
		}
		if !n.isSink && !canReachSink[n.id] {
			return fmt.Errorf("%w: stage %q", ErrDanglingPipe, n.recipe.config().name)
		}
	}
	return nil
}

// --- Chain-group detection --------------------------------------------

type chainGroup struct {
	headID    nodeID
	memberIDs []nodeID
}

// incomingEdge records one producer feeding a node, keyed by the node it
// feeds (see PipeGraph.incoming).
type incomingEdge struct {
	from nodeID
	kind edgeKind
}

func (g *PipeGraph) incoming() map[nodeID][]incomingEdge {
	m := make(map[nodeID][]incomingEdge)
	for _, n := range g.nodes {
		for _, e := range n.out {
			m[e.to] = append(m[e.to], incomingEdge{n.id, e.kind})
		}
	}
	return m
}

// isChainLink reports whether node id is fused into its sole producer: it
// has exactly one incoming edge, that edge is chained, and the producer
// has no other outgoing edge to fuse into instead.
func isChainLink(g *PipeGraph, incoming map[nodeID][]incomingEdge, id nodeID) bool {
	in := incoming[id]
	if len(in) != 1 || in[0].kind != edgeChained {
		return false
	}
	return len(g.nodes[in[0].from].out) == 1
}

func (g *PipeGraph) chainGroups() map[nodeID]*chainGroup {
	incoming := g.incoming()
	groups := make(map[nodeID]*chainGroup)
	for _, n := range g.nodes {
		if isChainLink(g, incoming, n.id) {
			continue
		}
		grp := &chainGroup{headID: n.id}
		cur := n
		for len(cur.out) == 1 && cur.out[0].kind == edgeChained && isChainLink(g, incoming, cur.out[0].to) {
			nxt := cur.out[0].to
			grp.memberIDs = append(grp.memberIDs, nxt)
			cur = g.nodes[nxt]
		}
		groups[n.id] = grp
	}
	return groups
}

// --- Egress: the routing/transport fan-out leaving a chain's tail ------

// egress is built fresh for every replica (round-robin counters and batch
// accumulators are per-replica state).
type egress struct {
	pushers []*pusher
	lanes   []int // parallel to pushers when splitFn != nil: pushers[i] serves lane lanes[i]
	splitFn func(record any) (int, error)
}

func (e *egress) push(record any) error {
	if e.splitFn != nil {
		lane, err := e.splitFn(record)
		if err != nil {
			return err
		}
		for i, l := range e.lanes {
			if l == lane {
				return e.pushers[i].push(record)
			}
		}
		return fmt.Errorf("%w: lane %d has no attached pipe", ErrSplitIndexOutOfRange, lane)
	}
	if len(e.pushers) == 0 {
		return nil // sink: never called
	}
	return e.pushers[0].push(record)
}

func (e *egress) sendEOS() error {
	for _, p := range e.pushers {
		if err := p.sendEOS(); err != nil {
			return err
		}
	}
	return nil
}

func (g *PipeGraph) buildEgress(ctx context.Context, tail *node, transports map[nodeID]*transport) *egress {
	e := &egress{}
	if tail.splitK > 0 {
		e.splitFn = tail.splitFn
	}
	for _, edge := range tail.out {
		target := g.nodes[edge.to]
		p := newPusher(ctx, transports[edge.to], tail.recipe.config().outputBatchSize, target.recipe.config().keyFn)
		e.pushers = append(e.pushers, p)
		e.lanes = append(e.lanes, edge.lane)
	}
	return e
}

func (g *PipeGraph) expectedEOS(target nodeID) int {
	n := 0
	for _, p := range g.nodes {
		for _, e := range p.out {
			if e.to == target {
				n += p.recipe.config().parallelism
			}
		}
	}
	return n
}

// Run materializes the graph into replica goroutines and blocks until
// every source has returned and every EOS marker has drained. It returns
// the first error reported by graph validation or by any replica.
func (g *PipeGraph) Run(ctx context.Context) error {
	if err := g.validate(); err != nil {
		return err
	}
	runID := uuid.New()
	groups := g.chainGroups()
	incoming := g.incoming()

	transports := make(map[nodeID]*transport)
	for _, n := range g.nodes {
		if isChainLink(g, incoming, n.id) {
			continue
		}
		if n.recipe.config().kind == kindSource {
			continue
		}
		transports[n.id] = newTransport(n.recipe.config().parallelism)
	}

	eg, runCtx := errgroup.WithContext(ctx)

	for _, n := range g.nodes {
		if isChainLink(g, incoming, n.id) {
			continue
		}
		head := n
		grp := groups[head.id]
		cfg := head.recipe.config()
		tailID := head.id
		if len(grp.memberIDs) > 0 {
			tailID = grp.memberIDs[len(grp.memberIDs)-1]
		}
		tail := g.nodes[tailID]

		var inTransport *transport
		if cfg.kind != kindSource {
			inTransport = transports[head.id]
		}
		expected := g.expectedEOS(head.id)

		for replica := 0; replica < cfg.parallelism; replica++ {
			replica := replica
			headRC := runtimeContext{parallelism: cfg.parallelism, replicaIndex: replica, stageName: cfg.name, runID: runID}

			var links []chainLink
			for _, mid := range grp.memberIDs {
				mCfg := g.nodes[mid].recipe.config()
				mRC := runtimeContext{parallelism: cfg.parallelism, replicaIndex: replica, stageName: mCfg.name, runID: runID}
				link := g.nodes[mid].recipe.(chainable).newChainLink(mRC)
				links = append(links, link)
			}

			replicaFn := head.recipe.newReplica(headRC)

			eg.Go(func() error {
				egr := g.buildEgress(runCtx, tail, transports)
				send, sendEOS := composeChain(links, egr.push, egr.sendEOS)
				var in *inbox
				if inTransport != nil {
					in = newInbox(inTransport.chans[replica], expected)
				}
				tracer().Debugf("run=%s stage=%s replica=%d starting", runID, cfg.name, replica)
				err := replicaFn(runCtx, in, send, sendEOS)
				if err != nil {
					tracer().Errorf("run=%s stage=%s replica=%d exited with error: %v", runID, cfg.name, replica, err)
				} else {
					tracer().Debugf("run=%s stage=%s replica=%d terminated", runID, cfg.name, replica)
				}
				return err
			})
		}
	}

	return eg.Wait()
}

// Sprint renders the compiled graph as an indented tree, for debugging.
func (g *PipeGraph) Sprint() string {
	tree := treeprint.NewWithRoot(g.name)
	incoming := g.incoming()
	groups := g.chainGroups()
	for _, n := range g.nodes {
		if isChainLink(g, incoming, n.id) {
			continue
		}
		cfg := n.recipe.config()
		label := fmt.Sprintf("%s [%s, p=%d]", cfg.name, cfg.kind, cfg.parallelism)
		branch := tree.AddBranch(label)
		for _, mid := range groups[n.id].memberIDs {
			mCfg := g.nodes[mid].recipe.config()
			branch.AddNode(fmt.Sprintf("chained: %s [%s]", mCfg.name, mCfg.kind))
		}
	}
	return tree.String()
}

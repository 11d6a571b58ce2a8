/*
Package dataflow implements a typed, multi-operator, parallel streaming
runtime. User-supplied functors (sources, maps, flat-maps, filters,
sinks) are scheduled across OS threads by a PipeGraph; records travel
between operator replicas over bounded, optionally batched, optionally
keyed transports, or — when two stages are chained — by direct function
call with no transport at all.

Composition

Pipelines are assembled imperatively:

	g, _ := dataflow.NewPipeGraph("wordcount", dataflow.ExecutionDefault, dataflow.IngressTime)
	src, _ := g.AddSource(sourceRecipe)
	split, _ := src.Add(splitWordsRecipe)
	counts, _ := split.Add(countRecipe)
	counts.AddSink(sinkRecipe)
	err := g.Run(ctx)

Graph validation (cycles, dangling pipes, chaining-contract violations,
missing sinks) happens before any replica thread starts; user-functor
errors surface as the return value of Run.
*/
package dataflow

import (
	"fmt"

	"github.com/npillmayer/schuko/tracing"
)

// tracer traces with key "windflow.dataflow".
func tracer() tracing.Trace {
	return tracing.Select("windflow.dataflow")
}

// assertThat panics if an internal invariant is violated. It is never used
// to validate user input — those go through the Err* sentinel values.
func assertThat(that bool, msg string, msgargs ...interface{}) {
	if !that {
		msg = fmt.Sprintf("windflow.dataflow: "+msg, msgargs...)
		panic(msg)
	}
}

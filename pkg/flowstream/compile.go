package flowstream

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Compile validates the graph and creates an executable JobGraph.
// Multiple problems are joined together.
//
// Validation checks:
//  1. At least one source exists
//  2. Edges reference existing vertices and are not duplicated
//  3. Sources have no inputs and sinks no outputs
//  4. Every operator and sink has at least one input
//  5. The graph is acyclic
//
// Operators whose output goes nowhere are logged as warnings.
func (g *Graph[T]) Compile() (*JobGraph[T], error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []error

	inputs := make(map[string][]string, len(g.vertices))
	outputs := make(map[string][]string, len(g.vertices))
	seen := make(map[[2]string]bool, len(g.edges))

	var sources []string
	for _, id := range g.order {
		if g.vertices[id].kind == vertexSource {
			sources = append(sources, id)
		}
	}
	if len(sources) == 0 {
		errs = append(errs, ErrNoSources)
	}

	for _, e := range g.edges {
		from, to := e[0], e[1]
		fv, fromOK := g.vertices[from]
		tv, toOK := g.vertices[to]
		if !fromOK {
			errs = append(errs, fmt.Errorf("%w: edge source '%s' does not exist", ErrVertexNotFound, from))
		}
		if !toOK {
			errs = append(errs, fmt.Errorf("%w: edge target '%s' does not exist", ErrVertexNotFound, to))
		}
		if !fromOK || !toOK {
			continue
		}
		if seen[e] {
			errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrDuplicateEdge, from, to))
			continue
		}
		seen[e] = true

		if tv.kind == vertexSource {
			errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrSourceHasInput, from, to))
		}
		if fv.kind == vertexSink {
			errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrSinkHasOutput, from, to))
		}
		outputs[from] = append(outputs[from], to)
		inputs[to] = append(inputs[to], from)
	}

	for _, id := range g.order {
		v := g.vertices[id]
		if v.kind != vertexSource && len(inputs[id]) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s %s", ErrNoInput, v.kind, id))
		}
		if v.kind != vertexSink && len(outputs[id]) == 0 {
			slog.Warn("vertex output is dropped", "vertex_id", id, "kind", v.kind.String())
		}
	}

	order, err := topologicalOrder(g.order, outputs, inputs)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	jg := &JobGraph[T]{
		vertices: make(map[string]*vertex[T], len(g.vertices)),
		order:    order,
		sources:  sources,
		inputs:   inputs,
		outputs:  outputs,
	}
	for id, v := range g.vertices {
		jg.vertices[id] = v
	}
	return jg, nil
}

// topologicalOrder runs Kahn's algorithm, keeping declaration order among
// ready vertices. Vertices left over are on a cycle.
func topologicalOrder(declared []string, outputs, inputs map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(declared))
	for _, id := range declared {
		indegree[id] = len(inputs[id])
	}

	var ready, order []string
	for _, id := range declared {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range outputs[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) < len(declared) {
		var cyclic []string
		for _, id := range declared {
			if indegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCycle, cyclic)
	}
	return order, nil
}

// JobGraph is an immutable, validated job graph.
// It can be run by any number of jobs.
type JobGraph[T any] struct {
	vertices map[string]*vertex[T]
	order    []string
	sources  []string
	inputs   map[string][]string
	outputs  map[string][]string
}

// Vertices returns every vertex id in topological order.
func (jg *JobGraph[T]) Vertices() []string {
	return slices.Clone(jg.order)
}

// Sources returns the source vertex ids.
func (jg *JobGraph[T]) Sources() []string {
	return slices.Clone(jg.sources)
}

// Inputs returns the upstream vertices of id. The position of an upstream
// vertex is the input channel index of its records at id.
func (jg *JobGraph[T]) Inputs(id string) []string {
	return slices.Clone(jg.inputs[id])
}

// Outputs returns the downstream vertices of id.
func (jg *JobGraph[T]) Outputs(id string) []string {
	return slices.Clone(jg.outputs[id])
}

// IsSink reports whether id is a sink vertex.
func (jg *JobGraph[T]) IsSink(id string) bool {
	v, ok := jg.vertices[id]
	return ok && v.kind == vertexSink
}

package flowstream

import (
	"fmt"
	"strings"
	"sync"
)

type vertexKind int

const (
	vertexSource vertexKind = iota + 1
	vertexOperator
	vertexSink
)

func (k vertexKind) String() string {
	switch k {
	case vertexSource:
		return "source"
	case vertexOperator:
		return "operator"
	case vertexSink:
		return "sink"
	default:
		return "unknown"
	}
}

type vertex[T any] struct {
	id       string
	kind     vertexKind
	source   SourceFactory[T]
	operator OperatorFactory[T]
}

// Graph is a mutable builder for job graphs.
// Add vertices and connect them, then call Compile to validate the graph
// and create an immutable JobGraph.
//
// Graph is NOT thread-safe during building.
//
// Example:
//
//	g := flowstream.NewGraph[Event]().
//	    AddSource("events", eventSource).
//	    AddOperator("enrich", enrich).
//	    AddSink("warehouse", warehouseSink).
//	    Connect("events", "enrich").
//	    Connect("enrich", "warehouse")
type Graph[T any] struct {
	mu       sync.RWMutex
	vertices map[string]*vertex[T]
	order    []string
	edges    [][2]string
}

// NewGraph creates a graph builder for record type T.
func NewGraph[T any]() *Graph[T] {
	return &Graph[T]{vertices: make(map[string]*vertex[T])}
}

// AddSource adds a source vertex.
//
// Panics if id is empty, contains whitespace or is already used, or if
// factory is nil.
func (g *Graph[T]) AddSource(id string, factory SourceFactory[T]) *Graph[T] {
	if factory == nil {
		panic("flowstream: source factory cannot be nil")
	}
	return g.add(&vertex[T]{id: id, kind: vertexSource, source: factory})
}

// AddOperator adds an operator vertex. Panics like AddSource.
func (g *Graph[T]) AddOperator(id string, factory OperatorFactory[T]) *Graph[T] {
	if factory == nil {
		panic("flowstream: operator factory cannot be nil")
	}
	return g.add(&vertex[T]{id: id, kind: vertexOperator, operator: factory})
}

// AddSink adds a sink vertex: an operator whose output is discarded and
// that may have no outgoing edges. Panics like AddSource.
func (g *Graph[T]) AddSink(id string, factory OperatorFactory[T]) *Graph[T] {
	if factory == nil {
		panic("flowstream: sink factory cannot be nil")
	}
	return g.add(&vertex[T]{id: id, kind: vertexSink, operator: factory})
}

func (g *Graph[T]) add(v *vertex[T]) *Graph[T] {
	if v.id == "" {
		panic("flowstream: vertex ID cannot be empty")
	}
	if strings.ContainsAny(v.id, " \t\n\r/") {
		panic("flowstream: vertex ID cannot contain whitespace or '/'")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.vertices[v.id]; exists {
		panic(fmt.Sprintf("flowstream: duplicate vertex ID: %s", v.id))
	}
	g.vertices[v.id] = v
	g.order = append(g.order, v.id)
	return g
}

// Connect adds an edge: every record emitted by from is delivered to to.
// Edge validation happens at Compile time.
func (g *Graph[T]) Connect(from, to string) *Graph[T] {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges = append(g.edges, [2]string{from, to})
	return g
}

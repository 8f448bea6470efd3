// Package digraph provides a directed graph over comparable vertex values with
// constant-time edge insertion, removal and lookup.
//
// The graph is not safe for concurrent mutation. Concurrent readers are fine
// as long as nobody writes.
//
// Errors:
//
//	ErrVertexNotFound - an edge operation referenced a vertex not in the graph.
package digraph

import (
	"errors"
	"fmt"
)

// ErrVertexNotFound indicates an edge endpoint is not a vertex of the graph.
var ErrVertexNotFound = errors.New("digraph: vertex not found")

// Edge is an ordered (From, To) pair.
type Edge[V comparable] struct {
	From V
	To   V
}

// Graph is a directed graph with set semantics: inserting an existing edge is
// a no-op.
type Graph[V comparable] struct {
	vertices map[V]struct{}
	outgoing map[V]map[V]struct{}
	incoming map[V]map[V]struct{}
}

func New[V comparable]() *Graph[V] {
	return &Graph[V]{
		vertices: make(map[V]struct{}),
		outgoing: make(map[V]map[V]struct{}),
		incoming: make(map[V]map[V]struct{}),
	}
}

func NewWithVertices[V comparable](vertices ...V) *Graph[V] {
	g := New[V]()
	for _, v := range vertices {
		g.vertices[v] = struct{}{}
	}
	return g
}

func (g *Graph[V]) InsertVertex(v V) {
	g.vertices[v] = struct{}{}
}

// RemoveVertex deletes v together with every incident edge.
func (g *Graph[V]) RemoveVertex(v V) {
	for dst := range g.outgoing[v] {
		delete(g.incoming[dst], v)
	}
	for src := range g.incoming[v] {
		delete(g.outgoing[src], v)
	}
	delete(g.outgoing, v)
	delete(g.incoming, v)
	delete(g.vertices, v)
}

func (g *Graph[V]) HasVertex(v V) bool {
	_, ok := g.vertices[v]
	return ok
}

func (g *Graph[V]) VertexCount() int {
	return len(g.vertices)
}

// InsertEdge adds from->to. Both endpoints must already be vertices.
func (g *Graph[V]) InsertEdge(from, to V) error {
	if !g.HasVertex(from) {
		return fmt.Errorf("%w: %v", ErrVertexNotFound, from)
	}
	if !g.HasVertex(to) {
		return fmt.Errorf("%w: %v", ErrVertexNotFound, to)
	}
	out, ok := g.outgoing[from]
	if !ok {
		out = make(map[V]struct{})
		g.outgoing[from] = out
	}
	out[to] = struct{}{}
	in, ok := g.incoming[to]
	if !ok {
		in = make(map[V]struct{})
		g.incoming[to] = in
	}
	in[from] = struct{}{}
	return nil
}

func (g *Graph[V]) RemoveEdge(from, to V) {
	delete(g.outgoing[from], to)
	delete(g.incoming[to], from)
}

func (g *Graph[V]) HasEdge(from, to V) bool {
	_, ok := g.outgoing[from][to]
	return ok
}

// Successors returns the live set of vertices reachable by one outgoing edge.
// The returned map must not be modified.
func (g *Graph[V]) Successors(v V) map[V]struct{} {
	return g.outgoing[v]
}

// Predecessors returns the live set of vertices with an edge into v. The
// returned map must not be modified.
func (g *Graph[V]) Predecessors(v V) map[V]struct{} {
	return g.incoming[v]
}

func (g *Graph[V]) Edges() []Edge[V] {
	var edges []Edge[V]
	for from, dsts := range g.outgoing {
		for to := range dsts {
			edges = append(edges, Edge[V]{From: from, To: to})
		}
	}
	return edges
}

// Reachable returns every vertex reachable from any of the starting vertices
// by following outgoing edges, including the starting vertices themselves.
func (g *Graph[V]) Reachable(from ...V) map[V]struct{} {
	seen := make(map[V]struct{}, len(from))
	queue := make([]V, 0, len(from))
	for _, v := range from {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		queue = append(queue, v)
	}
	for len(queue) > 0 {
		item := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for next := range g.outgoing[item] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return seen
}

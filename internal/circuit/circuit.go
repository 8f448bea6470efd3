// Package circuit implements gated edge circuits: directed graphs whose edges
// are stored under an owner node and only take part in propagation while that
// owner is active.
package circuit

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
)

var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrInvalidEndpoint = errors.New("invalid edge endpoint")
	ErrEdgeExists      = errors.New("edge already owned by node")
	ErrEdgeNotFound    = errors.New("edge not owned by node")
	ErrUnknownKind     = errors.New("unknown node kind")
)

type Kind uint8

const (
	Input Kind = iota
	Hidden
	Output
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "input"
	case Hidden:
		return "hidden"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "input":
		return Input, nil
	case "hidden":
		return Hidden, nil
	case "output":
		return Output, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k > Output {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// KindSet is a small set of node kinds used by filters.
type KindSet uint8

func Kinds(kinds ...Kind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

func (s KindSet) Has(k Kind) bool {
	return s&(1<<k) != 0
}

// Edge is a directed (From, To) pair. Its owner is tracked separately and
// need not be either endpoint.
type Edge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%d->%d", e.From, e.To)
}

func compareEdges(a, b Edge) int {
	if c := cmp.Compare(a.From, b.From); c != 0 {
		return c
	}
	return cmp.Compare(a.To, b.To)
}

// edgeSet is an owner's edge set shared between clones until one of them
// writes to it.
type edgeSet struct {
	refs  atomic.Int32
	edges map[Edge]struct{}
}

func newEdgeSet(edges map[Edge]struct{}) *edgeSet {
	s := &edgeSet{edges: edges}
	s.refs.Store(1)
	return s
}

type node struct {
	kind  Kind
	edges *edgeSet
}

// Circuit stores nodes in an arena indexed by id. Ids are assigned in order
// and never reused, so the arena length is the next id.
//
// A Circuit may be read from many goroutines at once. Writes (AddNode,
// Mutate) must not overlap with any other call on the same Circuit.
type Circuit struct {
	nodes []node
}

func New() *Circuit {
	return &Circuit{}
}

// Clone returns a structural copy. Edge sets are shared and copied lazily on
// the first write from either side.
func (c *Circuit) Clone() *Circuit {
	nodes := make([]node, len(c.nodes))
	copy(nodes, c.nodes)
	for _, n := range nodes {
		n.edges.refs.Add(1)
	}
	return &Circuit{nodes: nodes}
}

// AddNode appends a node of the given kind and returns its id.
func (c *Circuit) AddNode(kind Kind) int {
	id := len(c.nodes)
	c.nodes = append(c.nodes, node{kind: kind, edges: newEdgeSet(make(map[Edge]struct{}))})
	return id
}

// Len is the number of nodes, which is also the next id to be assigned.
func (c *Circuit) Len() int {
	return len(c.nodes)
}

// MaxID returns the largest assigned id, or -1 for an empty circuit.
func (c *Circuit) MaxID() int {
	return len(c.nodes) - 1
}

func (c *Circuit) Has(id int) bool {
	return id >= 0 && id < len(c.nodes)
}

// Node is a snapshot of one node and the edges it owns, sorted.
type Node struct {
	ID    int
	Kind  Kind
	Edges []Edge
}

func (c *Circuit) Node(id int) (Node, error) {
	if !c.Has(id) {
		return Node{}, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return Node{ID: id, Kind: c.nodes[id].kind, Edges: c.OwnedEdges(id)}, nil
}

func (c *Circuit) Kind(id int) (Kind, error) {
	if !c.Has(id) {
		return 0, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return c.nodes[id].kind, nil
}

// IDs returns the sorted ids of every node whose kind is in kinds. With no
// kinds it returns every id.
func (c *Circuit) IDs(kinds ...Kind) []int {
	filter := Kinds(kinds...)
	ids := make([]int, 0, len(c.nodes))
	for id, n := range c.nodes {
		if len(kinds) == 0 || filter.Has(n.kind) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Circuit) InputIDs() []int  { return c.IDs(Input) }
func (c *Circuit) HiddenIDs() []int { return c.IDs(Hidden) }
func (c *Circuit) OutputIDs() []int { return c.IDs(Output) }

// OwnedEdges returns the edges stored under owner in (From, To) order.
func (c *Circuit) OwnedEdges(owner int) []Edge {
	if !c.Has(owner) {
		return nil
	}
	edges := make([]Edge, 0, len(c.nodes[owner].edges.edges))
	for e := range c.nodes[owner].edges.edges {
		edges = append(edges, e)
	}
	slices.SortFunc(edges, compareEdges)
	return edges
}

func (c *Circuit) HasEdge(owner int, e Edge) bool {
	if !c.Has(owner) {
		return false
	}
	_, ok := c.nodes[owner].edges.edges[e]
	return ok
}

// EdgeCount is the number of (owner, edge) pairs.
func (c *Circuit) EdgeCount() int {
	total := 0
	for _, n := range c.nodes {
		total += len(n.edges.edges)
	}
	return total
}

// Owners returns every node that stores e, in id order.
func (c *Circuit) Owners(e Edge) []int {
	var owners []int
	for id, n := range c.nodes {
		if _, ok := n.edges.edges[e]; ok {
			owners = append(owners, id)
		}
	}
	return owners
}

// writableEdges returns owner's edge map, copying it first if another clone
// still shares it.
func (c *Circuit) writableEdges(owner int) map[Edge]struct{} {
	set := c.nodes[owner].edges
	if set.refs.Load() == 1 {
		return set.edges
	}
	copied := make(map[Edge]struct{}, len(set.edges)+1)
	for e := range set.edges {
		copied[e] = struct{}{}
	}
	c.nodes[owner].edges = newEdgeSet(copied)
	set.refs.Add(-1)
	return copied
}

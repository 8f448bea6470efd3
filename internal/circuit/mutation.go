package circuit

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrConfigurationExhausted is returned when a randomized edit finds no
// candidate at all, which means the circuit has too few nodes or edges for the
// requested operation.
var ErrConfigurationExhausted = errors.New("no edge can be added or deleted")

type Op uint8

const (
	AddEdge Op = iota + 1
	RemoveEdge
)

func (o Op) String() string {
	switch o {
	case AddEdge:
		return "add_edge"
	case RemoveEdge:
		return "remove_edge"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

func (o Op) MarshalText() ([]byte, error) {
	if o != AddEdge && o != RemoveEdge {
		return nil, fmt.Errorf("unknown mutation op %d", uint8(o))
	}
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(text []byte) error {
	switch string(text) {
	case "add_edge":
		*o = AddEdge
	case "remove_edge":
		*o = RemoveEdge
	default:
		return fmt.Errorf("unknown mutation op %q", string(text))
	}
	return nil
}

// Mutation is a single reversible edit to one owner's edge set.
type Mutation struct {
	Op    Op   `json:"op"`
	Owner int  `json:"owner"`
	Edge  Edge `json:"edge"`
}

func (m Mutation) Inverse() Mutation {
	inv := m
	if m.Op == AddEdge {
		inv.Op = RemoveEdge
	} else {
		inv.Op = AddEdge
	}
	return inv
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s(owner=%d, %s)", m.Op, m.Owner, m.Edge)
}

// Mutate applies m. Adding an edge the owner already stores, or removing one
// it does not, is reported as an error so dead mutations surface early.
func (c *Circuit) Mutate(m Mutation) error {
	if !c.Has(m.Owner) {
		return fmt.Errorf("%w: owner %d", ErrNodeNotFound, m.Owner)
	}
	if !c.Has(m.Edge.From) || !c.Has(m.Edge.To) {
		return fmt.Errorf("%w: %s", ErrInvalidEndpoint, m.Edge)
	}

	switch m.Op {
	case AddEdge:
		if c.HasEdge(m.Owner, m.Edge) {
			return fmt.Errorf("%w: owner=%d edge=%s", ErrEdgeExists, m.Owner, m.Edge)
		}
		c.writableEdges(m.Owner)[m.Edge] = struct{}{}
	case RemoveEdge:
		if !c.HasEdge(m.Owner, m.Edge) {
			return fmt.Errorf("%w: owner=%d edge=%s", ErrEdgeNotFound, m.Owner, m.Edge)
		}
		delete(c.writableEdges(m.Owner), m.Edge)
	default:
		return fmt.Errorf("unknown mutation op %d", uint8(m.Op))
	}
	return nil
}

// MutateAll applies mutations in order and stops at the first failure.
func (c *Circuit) MutateAll(mutations []Mutation) error {
	for i, m := range mutations {
		if err := c.Mutate(m); err != nil {
			return fmt.Errorf("mutation %d: %w", i, err)
		}
	}
	return nil
}

// AdditionFilter restricts RandomAddition. Zero kind sets select the
// defaults: owners and sources among input/hidden nodes, destinations among
// hidden/output nodes.
type AdditionFilter struct {
	OwnerKinds  KindSet
	SourceKinds KindSet
	DestKinds   KindSet
	// Allow, when set, must accept the (owner, edge) pair.
	Allow func(owner int, e Edge) bool
}

func (f AdditionFilter) withDefaults() AdditionFilter {
	if f.OwnerKinds == 0 {
		f.OwnerKinds = Kinds(Input, Hidden)
	}
	if f.SourceKinds == 0 {
		f.SourceKinds = Kinds(Input, Hidden)
	}
	if f.DestKinds == 0 {
		f.DestKinds = Kinds(Hidden, Output)
	}
	return f
}

func (c *Circuit) shuffledIDs(rng *rand.Rand, kinds KindSet) []int {
	ids := make([]int, 0, len(c.nodes))
	for id, n := range c.nodes {
		if kinds.Has(n.kind) {
			ids = append(ids, id)
		}
	}
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids
}

// RandomAddition scans owners, sources and destinations in independently
// shuffled orders and returns the first (owner, edge) pair that passes the
// filter and is not already stored. The owner is never an endpoint and no edge
// is a self loop. ok is false when no such pair exists.
func (c *Circuit) RandomAddition(rng *rand.Rand, filter AdditionFilter) (owner int, edge Edge, ok bool) {
	filter = filter.withDefaults()
	sources := c.shuffledIDs(rng, filter.SourceKinds)
	dests := c.shuffledIDs(rng, filter.DestKinds)

	for _, v := range c.shuffledIDs(rng, filter.OwnerKinds) {
		for _, src := range sources {
			if src == v {
				continue
			}
			for _, dst := range dests {
				if dst == v || dst == src {
					continue
				}
				e := Edge{From: src, To: dst}
				if filter.Allow != nil && !filter.Allow(v, e) {
					continue
				}
				if !c.HasEdge(v, e) {
					return v, e, true
				}
			}
		}
	}
	return 0, Edge{}, false
}

// RandomDeletion picks an existing (owner, edge) pair uniformly at random.
func (c *Circuit) RandomDeletion(rng *rand.Rand) (owner int, edge Edge, ok bool) {
	total := c.EdgeCount()
	if total == 0 {
		return 0, Edge{}, false
	}
	pick := rng.Intn(total)
	for id, n := range c.nodes {
		size := len(n.edges.edges)
		if pick >= size {
			pick -= size
			continue
		}
		edges := c.OwnedEdges(id)
		return id, edges[pick], true
	}
	return 0, Edge{}, false
}

// RandomMutation attempts an addition with probability 1-deleteProb and a
// deletion otherwise, falling back to the other kind when the first finds no
// candidate.
func (c *Circuit) RandomMutation(rng *rand.Rand, deleteProb float64) (Mutation, error) {
	if rng.Float64() >= deleteProb {
		if v, e, ok := c.RandomAddition(rng, AdditionFilter{}); ok {
			return Mutation{Op: AddEdge, Owner: v, Edge: e}, nil
		}
	}
	if v, e, ok := c.RandomDeletion(rng); ok {
		return Mutation{Op: RemoveEdge, Owner: v, Edge: e}, nil
	}
	if v, e, ok := c.RandomAddition(rng, AdditionFilter{}); ok {
		return Mutation{Op: AddEdge, Owner: v, Edge: e}, nil
	}
	return Mutation{}, fmt.Errorf("%w: nodes=%d edges=%d", ErrConfigurationExhausted, c.Len(), c.EdgeCount())
}


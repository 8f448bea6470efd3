package circuit

import (
	"fmt"
	"maps"
	"slices"

	"edgebrain/internal/bitset"
	"edgebrain/internal/digraph"
)

// Result is the converged state of one circuit evaluation.
type Result struct {
	// Outputs maps every output node id to the number of distinct live edges
	// entering it from the active set.
	Outputs map[int]int
	// Active has one bit per node id, set for nodes in the fixed point.
	Active *bitset.BitSet
}

// Tally returns the count for an output node, zero when absent.
func (r Result) Tally(outputID int) int {
	return r.Outputs[outputID]
}

func (c *Circuit) checkInputs(inputs []int) error {
	for _, id := range inputs {
		if !c.Has(id) {
			return fmt.Errorf("%w: input %d", ErrNodeNotFound, id)
		}
	}
	return nil
}

// Run computes the least fixed point of the gated propagation rule starting
// from inputs.
//
// Edges are processed from a work queue filled with the edges of each node as
// it activates. The live subgraph only ever grows, so reachability is
// expanded from each newly activated destination instead of being
// recomputed.
func (c *Circuit) Run(inputs []int) (Result, error) {
	if err := c.checkInputs(inputs); err != nil {
		return Result{}, err
	}

	on := make([]bool, len(c.nodes))
	var queue []Edge
	for _, id := range inputs {
		if on[id] {
			continue
		}
		on[id] = true
		for e := range c.nodes[id].edges.edges {
			queue = append(queue, e)
		}
	}

	live := digraph.New[int]()
	for id := range c.nodes {
		live.InsertVertex(id)
	}

	var frontier []int
	for len(queue) > 0 {
		e := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		fromOn, toOn := on[e.From], on[e.To]
		if c.nodes[e.To].kind == Output || (!fromOn && !toOn) {
			// Output in-edges always count once their source is active;
			// edges between two inactive nodes may matter later.
			_ = live.InsertEdge(e.From, e.To)
		}
		if !fromOn || toOn {
			continue
		}

		on[e.To] = true
		frontier = append(frontier[:0], e.To)
		for len(frontier) > 0 {
			v := frontier[len(frontier)-1]
			frontier = frontier[:len(frontier)-1]
			for owned := range c.nodes[v].edges.edges {
				queue = append(queue, owned)
			}
			for next := range live.Successors(v) {
				if !on[next] {
					on[next] = true
					frontier = append(frontier, next)
				}
			}
		}
	}

	return c.result(live, on), nil
}

// RunNaive computes the same fixed point as Run by rebuilding the live
// subgraph from every active owner and recomputing reachability until the
// active set stops growing. It is the reference Run is checked against.
func (c *Circuit) RunNaive(inputs []int) (Result, error) {
	if err := c.checkInputs(inputs); err != nil {
		return Result{}, err
	}

	active := make(map[int]struct{}, len(inputs))
	for _, id := range inputs {
		active[id] = struct{}{}
	}

	var live *digraph.Graph[int]
	for {
		live = digraph.New[int]()
		for id := range c.nodes {
			live.InsertVertex(id)
		}
		for owner := range active {
			for e := range c.nodes[owner].edges.edges {
				_ = live.InsertEdge(e.From, e.To)
			}
		}
		next := live.Reachable(slices.Collect(maps.Keys(active))...)
		if len(next) == len(active) {
			break
		}
		active = next
	}

	on := make([]bool, len(c.nodes))
	for id := range active {
		on[id] = true
	}
	return c.result(live, on), nil
}

func (c *Circuit) result(live *digraph.Graph[int], on []bool) Result {
	outputs := make(map[int]int)
	for id, n := range c.nodes {
		if n.kind != Output {
			continue
		}
		count := 0
		for src := range live.Predecessors(id) {
			if on[src] {
				count++
			}
		}
		outputs[id] = count
	}
	return Result{Outputs: outputs, Active: bitset.FromBools(on)}
}

package circuit

import (
	"errors"
	"fmt"
	"math/rand"

	"edgebrain/internal/workpool"
)

var (
	ErrEmptyBatch        = errors.New("empty batch")
	ErrNoHiddenNodes     = errors.New("circuit has no hidden nodes")
	ErrInvalidGroupCount = errors.New("hidden group count must be >= 1")
	// ErrTargetUnreachable means additions ran out before the target fraction
	// was met.
	ErrTargetUnreachable = fmt.Errorf("%w: reachable hidden fraction target not met", ErrConfigurationExhausted)
)

// ReachableHiddenFraction returns the mean, over the batch, of the fraction of
// hidden nodes active after running each example.
func (c *Circuit) ReachableHiddenFraction(batch [][]int, workers int) (float64, error) {
	if len(batch) == 0 {
		return 0, ErrEmptyBatch
	}
	hidden := c.HiddenIDs()
	if len(hidden) == 0 {
		return 0, ErrNoHiddenNodes
	}

	counts := make([]int, len(batch))
	err := workpool.Chunks(len(batch), workers, func(_, start, end int) error {
		for i := start; i < end; i++ {
			res, err := c.Run(batch[i])
			if err != nil {
				return fmt.Errorf("example %d: %w", i, err)
			}
			n := 0
			for _, id := range hidden {
				if res.Active.Test(id) {
					n++
				}
			}
			counts[i] = n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return float64(total) / (float64(len(batch)) * float64(len(hidden))), nil
}

// InitConfig parameterizes RandomlyInitialized.
type InitConfig struct {
	// TargetFraction is the mean reachable hidden fraction to reach.
	TargetFraction float64
	// HiddenGroups partitions hidden nodes round-robin by sorted id; additions
	// never connect two hidden nodes from different groups. Zero means one
	// group.
	HiddenGroups int
	Workers      int
}

// RandomlyInitialized adds random hidden-destined edges until the reachable
// hidden fraction over batch meets cfg.TargetFraction, then trims the recorded
// addition sequence to the shortest prefix that still meets it.
//
// The returned circuit is a modified clone; c is left unchanged. The int is the
// number of additions applied.
func (c *Circuit) RandomlyInitialized(rng *rand.Rand, batch [][]int, cfg InitConfig) (*Circuit, int, error) {
	applied, err := c.probeAdditions(rng, batch, cfg)
	if err != nil {
		return nil, 0, err
	}
	return c.minimalPrefix(batch, applied, cfg)
}

func (c *Circuit) meetsTarget(batch [][]int, cfg InitConfig) (bool, error) {
	frac, err := c.ReachableHiddenFraction(batch, cfg.Workers)
	if err != nil {
		return false, err
	}
	return frac >= cfg.TargetFraction, nil
}

// probeAdditions doubles the number of random additions until the target is
// met and returns every addition in the order it was applied.
func (c *Circuit) probeAdditions(rng *rand.Rand, batch [][]int, cfg InitConfig) ([]Mutation, error) {
	groups := cfg.HiddenGroups
	if groups == 0 {
		groups = 1
	}
	if groups < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidGroupCount, groups)
	}

	group := make(map[int]int)
	for i, id := range c.HiddenIDs() {
		group[id] = i % groups
	}
	filter := AdditionFilter{
		DestKinds: Kinds(Hidden),
		Allow: func(_ int, e Edge) bool {
			g1, ok1 := group[e.From]
			g2, ok2 := group[e.To]
			return !ok1 || !ok2 || g1 == g2
		},
	}

	var applied []Mutation
	end := c.Clone()
	exhausted := false
	for {
		ok, err := end.meetsTarget(batch, cfg)
		if err != nil {
			return nil, err
		}
		if ok {
			return applied, nil
		}
		if exhausted {
			return nil, fmt.Errorf("%w: target=%.4f after %d additions", ErrTargetUnreachable, cfg.TargetFraction, len(applied))
		}
		for range max(1, len(applied)) {
			v, e, found := end.RandomAddition(rng, filter)
			if !found {
				exhausted = true
				break
			}
			m := Mutation{Op: AddEdge, Owner: v, Edge: e}
			if err := end.Mutate(m); err != nil {
				return nil, err
			}
			applied = append(applied, m)
		}
	}
}

// minimalPrefix binary searches the shortest prefix of applied that meets the
// target. Only additions are applied, so the fraction is non-decreasing in
// prefix length.
func (c *Circuit) minimalPrefix(batch [][]int, applied []Mutation, cfg InitConfig) (*Circuit, int, error) {
	if len(applied) == 0 {
		return c.Clone(), 0, nil
	}

	// Invariant: prefix lo misses the target and prefix hi meets it.
	start := c.Clone()
	lo, hi := 0, len(applied)
	for lo+1 < hi {
		mid := (lo + hi) / 2
		candidate := start.Clone()
		if err := candidate.MutateAll(applied[lo:mid]); err != nil {
			return nil, 0, err
		}
		ok, err := candidate.meetsTarget(batch, cfg)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid
			start = candidate
		}
	}
	if err := start.Mutate(applied[lo]); err != nil {
		return nil, 0, err
	}
	return start, hi, nil
}

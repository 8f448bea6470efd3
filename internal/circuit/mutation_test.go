package circuit

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func layeredCircuit(inputs, hidden, outputs int) *Circuit {
	c := New()
	for range inputs {
		c.AddNode(Input)
	}
	for range hidden {
		c.AddNode(Hidden)
	}
	for range outputs {
		c.AddNode(Output)
	}
	return c
}

func TestRandomAdditionRespectsFilters(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := layeredCircuit(4, 6, 2)
	for i := 0; i < 300; i++ {
		owner, e, ok := c.RandomAddition(rng, AdditionFilter{})
		require.True(t, ok)
		assert.NotEqual(t, e.From, e.To)
		assert.NotEqual(t, owner, e.From)
		assert.NotEqual(t, owner, e.To)
		ownerKind, _ := c.Kind(owner)
		fromKind, _ := c.Kind(e.From)
		toKind, _ := c.Kind(e.To)
		assert.True(t, Kinds(Input, Hidden).Has(ownerKind))
		assert.True(t, Kinds(Input, Hidden).Has(fromKind))
		assert.True(t, Kinds(Hidden, Output).Has(toKind))
		assert.False(t, c.HasEdge(owner, e))
		require.NoError(t, c.Mutate(Mutation{Op: AddEdge, Owner: owner, Edge: e}))
	}
}

func TestRandomAdditionAllowFilter(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	c := layeredCircuit(3, 5, 1)
	for i := 0; i < 50; i++ {
		owner, e, ok := c.RandomAddition(rng, AdditionFilter{
			DestKinds: Kinds(Hidden),
			Allow:     func(_ int, e Edge) bool { return e.To%2 == 0 },
		})
		require.True(t, ok)
		assert.Zero(t, e.To%2)
		require.NoError(t, c.Mutate(Mutation{Op: AddEdge, Owner: owner, Edge: e}))
	}
}

func TestRandomAdditionExhausts(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	c := layeredCircuit(1, 0, 1)
	_, _, ok := c.RandomAddition(rng, AdditionFilter{})
	assert.False(t, ok)

	// Three nodes allow exactly one owner/source/dest arrangement per owner.
	c = layeredCircuit(2, 0, 1)
	count := 0
	for {
		owner, e, ok := c.RandomAddition(rng, AdditionFilter{})
		if !ok {
			break
		}
		require.NoError(t, c.Mutate(Mutation{Op: AddEdge, Owner: owner, Edge: e}))
		count++
	}
	assert.Equal(t, 2, count)
}

func TestRandomDeletionPicksExistingEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	c := layeredCircuit(3, 3, 2)
	_, _, ok := c.RandomDeletion(rng)
	assert.False(t, ok)

	for i := 0; i < 20; i++ {
		owner, e, ok := c.RandomAddition(rng, AdditionFilter{})
		require.True(t, ok)
		require.NoError(t, c.Mutate(Mutation{Op: AddEdge, Owner: owner, Edge: e}))
	}
	seen := map[Mutation]bool{}
	for i := 0; i < 500; i++ {
		owner, e, ok := c.RandomDeletion(rng)
		require.True(t, ok)
		require.True(t, c.HasEdge(owner, e))
		seen[Mutation{Op: RemoveEdge, Owner: owner, Edge: e}] = true
	}
	assert.Len(t, seen, 20)
}

func TestRandomMutation(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	c := layeredCircuit(3, 4, 2)
	adds, removes := 0, 0
	for i := 0; i < 400; i++ {
		m, err := c.RandomMutation(rng, 0.25)
		require.NoError(t, err)
		require.NoError(t, c.Mutate(m))
		if m.Op == AddEdge {
			adds++
		} else {
			removes++
		}
	}
	assert.Greater(t, adds, removes)
	assert.Positive(t, removes)
}

func TestRandomMutationExhausted(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	c := layeredCircuit(1, 0, 1)
	_, err := c.RandomMutation(rng, 0.5)
	assert.True(t, errors.Is(err, ErrConfigurationExhausted))
}

func TestOpTextRoundTrip(t *testing.T) {
	for _, op := range []Op{AddEdge, RemoveEdge} {
		text, err := op.MarshalText()
		require.NoError(t, err)
		var parsed Op
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, op, parsed)
	}
	_, err := Op(0).MarshalText()
	assert.Error(t, err)
}

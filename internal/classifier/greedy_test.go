package classifier

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgebrain/internal/circuit"
)

// gatedOnFirstFeature wires the first hidden node to fire exactly when
// feature 0 is true, and labels each example by feature 0.
func gatedOnFirstFeature(t *testing.T) (*Classifier, [][]bool, []int) {
	t.Helper()
	m, err := New(4, 2, 3, 1)
	require.NoError(t, err)
	on := m.Inputs[0].On
	h := m.Circuit.HiddenIDs()[0]
	require.NoError(t, m.Circuit.Mutate(circuit.Mutation{Op: circuit.AddEdge, Owner: on, Edge: circuit.Edge{From: on, To: h}}))

	batch := allFeatureVectors(4)
	labels := make([]int, len(batch))
	for i, f := range batch {
		if f[0] {
			labels[i] = 1
		}
	}
	return m, batch, labels
}

func TestGreedilyMutatedFindsGatedEdge(t *testing.T) {
	for _, opts := range []SearchOptions{{}, {ExactReRank: true}, {Rule: Confidence(1)}} {
		m, batch, labels := gatedOnFirstFeature(t)
		h := m.Circuit.HiddenIDs()[0]

		res, err := m.GreedilyMutated(batch, labels, opts)
		require.NoError(t, err)
		require.Equal(t, []circuit.Mutation{{
			Op:    circuit.AddEdge,
			Owner: h,
			Edge:  circuit.Edge{From: h, To: m.Outputs[1]},
		}}, res.Mutations, "rule=%s exact=%v", opts.Rule, opts.ExactReRank)

		want := (math.Log(2) + math.Log(1+math.Exp(-1))) / 2
		assert.InDelta(t, want, res.Loss, 1e-12)
		metrics, err := res.Classifier.Evaluate(batch, labels)
		require.NoError(t, err)
		assert.InDelta(t, res.Loss, metrics.Loss, 1e-12)
		assert.InDelta(t, 0.75, metrics.Accuracy, 1e-12)

		assert.Equal(t, 1, m.Circuit.EdgeCount(), "input classifier must not change")
	}
}

func TestGreedilyMutatedRespectsCoOwnedEdges(t *testing.T) {
	m, batch, labels := gatedOnFirstFeature(t)
	on := m.Inputs[0].On
	h := m.Circuit.HiddenIDs()[0]
	// on is active whenever h is, so h's own copy of this edge never adds to
	// the tally.
	require.NoError(t, m.Circuit.Mutate(circuit.Mutation{Op: circuit.AddEdge, Owner: on, Edge: circuit.Edge{From: h, To: m.Outputs[1]}}))

	before, err := m.BatchLoss(batch, labels)
	require.NoError(t, err)
	res, err := m.GreedilyMutated(batch, labels, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Mutations)
	assert.InDelta(t, before, res.Loss, 1e-12)
}

func TestGreedilyMutatedRemovesHarmfulEdge(t *testing.T) {
	m, batch, labels := gatedOnFirstFeature(t)
	h := m.Circuit.HiddenIDs()[0]
	wrong := circuit.Mutation{Op: circuit.AddEdge, Owner: h, Edge: circuit.Edge{From: h, To: m.Outputs[0]}}
	require.NoError(t, m.Circuit.Mutate(wrong))

	res, err := m.GreedilyMutated(batch, labels, SearchOptions{})
	require.NoError(t, err)
	// Removing the wrong edge and adding the right one score the same, so
	// either may be taken first.
	assert.Contains(t, res.Mutations, wrong.Inverse())
	assert.Contains(t, res.Mutations, circuit.Mutation{Op: circuit.AddEdge, Owner: h, Edge: circuit.Edge{From: h, To: m.Outputs[1]}})
	assert.False(t, res.Classifier.Circuit.HasEdge(h, wrong.Edge))
}

func TestGreedilyMutatedImprovesRandomCircuits(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	for trial := 0; trial < 40; trial++ {
		m, err := New(5, 3, 12, 0.5+rng.Float64())
		require.NoError(t, err)
		m.Workers = 1 + trial%4
		_, err = m.Mutate(rng, 30+rng.Intn(60), 0.2)
		require.NoError(t, err)

		batch := randomBatch(rng, 60, 5)
		labels := make([]int, len(batch))
		for i, f := range batch {
			switch {
			case f[0] && f[1]:
				labels[i] = 2
			case f[0] || f[2]:
				labels[i] = 1
			}
		}

		before, err := m.BatchLoss(batch, labels)
		require.NoError(t, err)
		opts := SearchOptions{ExactReRank: trial%2 == 1}
		res, err := m.GreedilyMutated(batch, labels, opts)
		require.NoError(t, err)

		assert.LessOrEqual(t, res.Loss, before+1e-12, "trial %d", trial)
		after, err := res.Classifier.BatchLoss(batch, labels)
		require.NoError(t, err)
		require.InDelta(t, after, res.Loss, 1e-9, "trial %d", trial)

		hidden := map[int]bool{}
		for _, id := range m.Circuit.HiddenIDs() {
			hidden[id] = true
		}
		replay := m.Circuit.Clone()
		for _, mut := range res.Mutations {
			assert.True(t, hidden[mut.Owner])
			assert.Equal(t, mut.Owner, mut.Edge.From)
			kind, err := m.Circuit.Kind(mut.Edge.To)
			require.NoError(t, err)
			assert.Equal(t, circuit.Output, kind)
			require.NoError(t, replay.Mutate(mut))
		}
		assert.Equal(t, replay.EdgeCount(), res.Classifier.Circuit.EdgeCount())
	}
}

func TestExactReRankReachesLocalOptimum(t *testing.T) {
	rng := rand.New(rand.NewSource(33))
	m, err := New(6, 2, 16, 1)
	require.NoError(t, err)
	_, err = m.Mutate(rng, 80, 0.1)
	require.NoError(t, err)
	batch := randomBatch(rng, 80, 6)
	labels := make([]int, len(batch))
	for i, f := range batch {
		if f[1] != f[3] {
			labels[i] = 1
		}
	}

	first, err := m.GreedilyMutated(batch, labels, SearchOptions{ExactReRank: true})
	require.NoError(t, err)
	second, err := first.Classifier.GreedilyMutated(batch, labels, SearchOptions{ExactReRank: true})
	require.NoError(t, err)
	assert.Empty(t, second.Mutations)
	assert.InDelta(t, first.Loss, second.Loss, 1e-12)
}

func TestConfidenceZeroMatchesMean(t *testing.T) {
	rng := rand.New(rand.NewSource(44))
	m, err := New(5, 2, 10, 1)
	require.NoError(t, err)
	_, err = m.Mutate(rng, 50, 0.1)
	require.NoError(t, err)
	batch := randomBatch(rng, 40, 5)
	labels := make([]int, len(batch))
	for i, f := range batch {
		if f[0] {
			labels[i] = 1
		}
	}

	mean, err := m.GreedilyMutated(batch, labels, SearchOptions{Rule: Mean()})
	require.NoError(t, err)
	conf, err := m.GreedilyMutated(batch, labels, SearchOptions{Rule: Confidence(0)})
	require.NoError(t, err)
	assert.Equal(t, mean.Mutations, conf.Mutations)
	assert.Equal(t, mean.Loss, conf.Loss)
}

func TestSelectionRuleAccepts(t *testing.T) {
	assert.True(t, Mean().accepts(0.1, 5, 10))
	assert.False(t, Mean().accepts(0, 0, 10))
	assert.False(t, Mean().accepts(-1, 1, 10))
	assert.False(t, Mean().accepts(math.NaN(), 0, 10))

	// Ten equal improvements have no spread, so any z passes.
	assert.True(t, Confidence(100).accepts(1, 0.1, 10))
	// One large improvement among ten examples is noisy.
	assert.False(t, Confidence(2).accepts(1, 1, 10))
	assert.True(t, Confidence(0.5).accepts(1, 1, 10))
	assert.Equal(t, "confidence(2)", Confidence(2).String())
	assert.Equal(t, "mean", Mean().String())
}

func TestGreedilyMutatedRejectsOutputOwners(t *testing.T) {
	m, batch, labels := gatedOnFirstFeature(t)
	out := m.Outputs[0]
	h := m.Circuit.HiddenIDs()[1]
	require.NoError(t, m.Circuit.Mutate(circuit.Mutation{Op: circuit.AddEdge, Owner: out, Edge: circuit.Edge{From: m.Inputs[1].On, To: h}}))

	_, err := m.GreedilyMutated(batch, labels, SearchOptions{})
	assert.ErrorIs(t, err, ErrOutputNotSink)
	assert.ErrorIs(t, err, ErrPrecondition)

	_, err = m.GreedilyMutated(nil, nil, SearchOptions{})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

package classifier

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgebrain/internal/circuit"
)

func allFeatureVectors(width int) [][]bool {
	out := make([][]bool, 1<<width)
	for v := range out {
		row := make([]bool, width)
		for i := range row {
			row[i] = v&(1<<i) != 0
		}
		out[v] = row
	}
	return out
}

func randomBatch(rng *rand.Rand, n, width int) [][]bool {
	batch := make([][]bool, n)
	for i := range batch {
		row := make([]bool, width)
		for j := range row {
			row[j] = rng.Intn(2) == 1
		}
		batch[i] = row
	}
	return batch
}

func TestLogProbs(t *testing.T) {
	p, err := NewPrediction([]int{0, 3, 2}, 1.0)
	require.NoError(t, err)
	want := []float64{-3.349, -0.349, -1.349}
	got := p.LogProbs()
	require.Len(t, got, 3)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-3)
		assert.InDelta(t, got[i], p.LogProb(i), 1e-12)
	}

	changed := []float64{-5.055, -0.055, -3.055}
	for i, w := range changed {
		assert.InDelta(t, w, p.LogProbWithChange(i, 2, 1), 1e-3)
	}
	assert.Equal(t, []int{0, 3, 2}, p.Counts, "counts must not change")
}

func TestLogProbsEdgeWeight(t *testing.T) {
	sharp := Prediction{Counts: []int{0, 3, 2}, EdgeWeight: 4}
	flat := Prediction{Counts: []int{0, 3, 2}, EdgeWeight: 0}
	assert.Greater(t, sharp.LogProb(1), Prediction{Counts: []int{0, 3, 2}, EdgeWeight: 1}.LogProb(1))
	for _, lp := range flat.LogProbs() {
		assert.InDelta(t, -math.Log(3), lp, 1e-12)
	}

	large := Prediction{Counts: []int{100000, 0}, EdgeWeight: 10}
	for _, lp := range large.LogProbs() {
		assert.False(t, math.IsNaN(lp))
	}
}

func TestNewPredictionRejectsEmptyCounts(t *testing.T) {
	_, err := NewPrediction(nil, 1)
	assert.ErrorIs(t, err, ErrEmptyCounts)
	assert.Nil(t, Prediction{}.LogProbs())
}

func TestNewPreconditions(t *testing.T) {
	_, err := New(3, 0, 4, 1)
	assert.ErrorIs(t, err, ErrPrecondition)
	_, err = New(-1, 2, 4, 1)
	assert.ErrorIs(t, err, ErrPrecondition)
	_, err = New(1, 2, 4, math.NaN())
	assert.ErrorIs(t, err, ErrPrecondition)

	m, err := New(3, 2, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Features())
	assert.Equal(t, 2, m.Labels())
	assert.Len(t, m.Circuit.InputIDs(), 6)
	assert.Len(t, m.Circuit.HiddenIDs(), 4)
	assert.Equal(t, []int{6, 7}, m.Outputs)
}

func TestEncode(t *testing.T) {
	m, err := New(3, 2, 0, 1)
	require.NoError(t, err)
	ids, err := m.Encode([]bool{true, false, true})
	require.NoError(t, err)
	assert.Equal(t, []int{m.Inputs[0].On, m.Inputs[1].Off, m.Inputs[2].On}, ids)

	_, err = m.Encode([]bool{true})
	assert.ErrorIs(t, err, ErrFeatureWidth)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestXORClassifier(t *testing.T) {
	m, err := New(2, 1, 0, 1)
	require.NoError(t, err)
	a, b, out := m.Inputs[0], m.Inputs[1], m.Outputs[0]
	require.NoError(t, m.Circuit.Mutate(circuit.Mutation{Op: circuit.AddEdge, Owner: a.Off, Edge: circuit.Edge{From: b.On, To: out}}))
	require.NoError(t, m.Circuit.Mutate(circuit.Mutation{Op: circuit.AddEdge, Owner: b.Off, Edge: circuit.Edge{From: a.On, To: out}}))

	for _, features := range allFeatureVectors(2) {
		p, err := m.Predict(features)
		require.NoError(t, err)
		want := 0
		if features[0] != features[1] {
			want = 1
		}
		assert.Equal(t, []int{want}, p.Counts, "features=%v", features)
	}
}

func TestEvaluateSplitsTies(t *testing.T) {
	m, err := New(2, 3, 0, 1)
	require.NoError(t, err)
	batch := allFeatureVectors(2)
	labels := []int{0, 1, 2, 0}
	metrics, err := m.Evaluate(batch, labels)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, metrics.Accuracy, 1e-12)
	assert.InDelta(t, math.Log(3), metrics.Loss, 1e-12)

	loss, err := m.BatchLoss(batch, labels)
	require.NoError(t, err)
	assert.Equal(t, metrics.Loss, loss)
}

func TestEvaluateLabelErrors(t *testing.T) {
	m, err := New(2, 2, 0, 1)
	require.NoError(t, err)
	batch := allFeatureVectors(2)

	_, err = m.Evaluate(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
	_, err = m.Evaluate(batch, []int{0, 1})
	assert.ErrorIs(t, err, ErrPrecondition)
	_, err = m.Evaluate(batch, []int{0, 1, 2, 0})
	assert.ErrorIs(t, err, ErrLabel)
	_, err = m.Evaluate([][]bool{{true}}, []int{0})
	assert.ErrorIs(t, err, ErrFeatureWidth)
}

func TestRandomlyInitialize(t *testing.T) {
	m, err := New(6, 2, 20, 1)
	require.NoError(t, err)
	batch := randomBatch(rand.New(rand.NewSource(1)), 30, 6)
	count, err := m.RandomlyInitialize(rand.New(rand.NewSource(2)), batch, 0.4, 2)
	require.NoError(t, err)
	assert.Positive(t, count)
	assert.Equal(t, count, m.Circuit.EdgeCount())

	encoded := make([][]int, len(batch))
	for i, f := range batch {
		encoded[i], err = m.Encode(f)
		require.NoError(t, err)
	}
	frac, err := m.Circuit.ReachableHiddenFraction(encoded, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, frac, 0.4)

	_, err = m.RandomlyInitialize(rand.New(rand.NewSource(2)), [][]bool{{true}}, 0.4, 1)
	assert.ErrorIs(t, err, ErrFeatureWidth)
}

func TestMutate(t *testing.T) {
	m, err := New(3, 2, 5, 1)
	require.NoError(t, err)
	applied, err := m.Mutate(rand.New(rand.NewSource(3)), 25, 0.2)
	require.NoError(t, err)
	assert.Len(t, applied, 25)

	replay, err := New(3, 2, 5, 1)
	require.NoError(t, err)
	require.NoError(t, replay.Circuit.MutateAll(applied))
	assert.Equal(t, m.ToRecord(), replay.ToRecord())
}

func TestCloneIsIndependent(t *testing.T) {
	m, err := New(2, 2, 3, 1)
	require.NoError(t, err)
	clone := m.Clone()
	_, err = clone.Mutate(rand.New(rand.NewSource(4)), 5, 0)
	require.NoError(t, err)
	clone.Outputs[0] = 99
	assert.Zero(t, m.Circuit.EdgeCount())
	assert.NotEqual(t, 99, m.Outputs[0])
}

func TestEquivalentHiddenNodes(t *testing.T) {
	m, err := New(1, 1, 3, 1)
	require.NoError(t, err)
	hidden := m.Circuit.HiddenIDs()
	on := m.Inputs[0].On
	for _, h := range hidden[:2] {
		require.NoError(t, m.Circuit.Mutate(circuit.Mutation{Op: circuit.AddEdge, Owner: on, Edge: circuit.Edge{From: on, To: h}}))
	}

	groups, err := m.EquivalentHiddenNodes([][]bool{{true}, {false}, {true}})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{hidden[0], hidden[1]}, {hidden[2]}}, groups)

	_, err = m.EquivalentHiddenNodes(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestEquivalentHiddenNodesPartition(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m, err := New(5, 2, 40, 1)
	require.NoError(t, err)
	_, err = m.Mutate(rng, 150, 0.1)
	require.NoError(t, err)
	batch := randomBatch(rng, 50, 5)

	groups, err := m.EquivalentHiddenNodes(batch)
	require.NoError(t, err)
	results, err := m.RunBatch(batch)
	require.NoError(t, err)

	seen := map[int]bool{}
	for _, g := range groups {
		require.NotEmpty(t, g)
		for _, id := range g {
			require.False(t, seen[id])
			seen[id] = true
			for _, res := range results {
				assert.Equal(t, res.Active.Test(g[0]), res.Active.Test(id))
			}
		}
	}
	assert.Len(t, seen, 40)
}

func TestRecordRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	m, err := New(4, 3, 10, 0.5)
	require.NoError(t, err)
	_, err = m.Mutate(rng, 60, 0.2)
	require.NoError(t, err)

	rec := m.ToRecord()
	restored, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, rec, restored.ToRecord())

	batch := randomBatch(rng, 20, 4)
	want, err := m.Predictions(batch)
	require.NoError(t, err)
	got, err := restored.Predictions(batch)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFromRecordRejectsInvalid(t *testing.T) {
	m, err := New(1, 1, 1, 1)
	require.NoError(t, err)

	rec := m.ToRecord()
	rec.Nodes = rec.Nodes[1:]
	_, err = FromRecord(rec)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	rec = m.ToRecord()
	rec.Outputs = []int{m.Inputs[0].Off}
	_, err = FromRecord(rec)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	rec = m.ToRecord()
	rec.Outputs = nil
	_, err = FromRecord(rec)
	assert.ErrorIs(t, err, ErrPrecondition)

	rec = m.ToRecord()
	rec.Nodes[0].Kind = "bias"
	_, err = FromRecord(rec)
	assert.ErrorIs(t, err, circuit.ErrUnknownKind)
}

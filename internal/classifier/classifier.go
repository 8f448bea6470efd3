// Package classifier wraps a gated circuit with paired on/off input nodes and
// one output node per label. It turns output tallies into softmax predictions
// and improves the circuit with a greedy search over hidden-to-output edges.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"edgebrain/internal/circuit"
	"edgebrain/internal/workpool"
)

var (
	// ErrPrecondition marks caller errors that are never retried.
	ErrPrecondition = errors.New("precondition violation")
	ErrFeatureWidth = fmt.Errorf("%w: feature width mismatch", ErrPrecondition)
	ErrEmptyBatch   = fmt.Errorf("%w: empty batch", ErrPrecondition)
	ErrLabel        = fmt.Errorf("%w: invalid label", ErrPrecondition)
	// ErrEmptyCounts guards the softmax against an empty count vector.
	ErrEmptyCounts = errors.New("prediction has no counts")
)

// InputPair holds the node ids activated when a feature is false (Off) or
// true (On).
type InputPair struct {
	Off int
	On  int
}

type Classifier struct {
	Circuit    *circuit.Circuit
	Inputs     []InputPair
	Outputs    []int
	EdgeWeight float64
	// Workers bounds the batch fan-out. Zero uses GOMAXPROCS.
	Workers int
}

// New builds a classifier over an empty circuit. Ids are assigned as input
// pairs first, then outputs, then hidden nodes.
func New(inputCount, labelCount, hiddenCount int, edgeWeight float64) (*Classifier, error) {
	if inputCount < 0 || hiddenCount < 0 {
		return nil, fmt.Errorf("%w: negative node count", ErrPrecondition)
	}
	if labelCount <= 0 {
		return nil, fmt.Errorf("%w: classifier needs at least one label", ErrPrecondition)
	}
	if math.IsNaN(edgeWeight) || math.IsInf(edgeWeight, 0) {
		return nil, fmt.Errorf("%w: edge weight %v", ErrPrecondition, edgeWeight)
	}

	c := circuit.New()
	inputs := make([]InputPair, inputCount)
	for i := range inputs {
		inputs[i] = InputPair{Off: c.AddNode(circuit.Input), On: c.AddNode(circuit.Input)}
	}
	outputs := make([]int, labelCount)
	for i := range outputs {
		outputs[i] = c.AddNode(circuit.Output)
	}
	for range hiddenCount {
		c.AddNode(circuit.Hidden)
	}
	return &Classifier{Circuit: c, Inputs: inputs, Outputs: outputs, EdgeWeight: edgeWeight}, nil
}

// Clone returns a classifier sharing nothing mutable with m.
func (m *Classifier) Clone() *Classifier {
	clone := *m
	clone.Circuit = m.Circuit.Clone()
	clone.Inputs = append([]InputPair(nil), m.Inputs...)
	clone.Outputs = append([]int(nil), m.Outputs...)
	return &clone
}

func (m *Classifier) Features() int { return len(m.Inputs) }
func (m *Classifier) Labels() int   { return len(m.Outputs) }

// Encode maps each feature to exactly one node of its input pair.
func (m *Classifier) Encode(features []bool) ([]int, error) {
	if len(features) != len(m.Inputs) {
		return nil, fmt.Errorf("%w: got %d features, want %d", ErrFeatureWidth, len(features), len(m.Inputs))
	}
	ids := make([]int, len(features))
	for i, f := range features {
		if f {
			ids[i] = m.Inputs[i].On
		} else {
			ids[i] = m.Inputs[i].Off
		}
	}
	return ids, nil
}

func (m *Classifier) Run(features []bool) (circuit.Result, error) {
	ids, err := m.Encode(features)
	if err != nil {
		return circuit.Result{}, err
	}
	return m.Circuit.Run(ids)
}

// RunBatch evaluates every example, one result slot per example.
func (m *Classifier) RunBatch(batch [][]bool) ([]circuit.Result, error) {
	results := make([]circuit.Result, len(batch))
	err := workpool.Chunks(len(batch), m.Workers, func(_, start, end int) error {
		for i := start; i < end; i++ {
			res, err := m.Run(batch[i])
			if err != nil {
				return fmt.Errorf("example %d: %w", i, err)
			}
			results[i] = res
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (m *Classifier) prediction(res circuit.Result) Prediction {
	counts := make([]int, len(m.Outputs))
	for i, id := range m.Outputs {
		counts[i] = res.Tally(id)
	}
	return Prediction{Counts: counts, EdgeWeight: m.EdgeWeight}
}

func (m *Classifier) Predict(features []bool) (Prediction, error) {
	res, err := m.Run(features)
	if err != nil {
		return Prediction{}, err
	}
	return m.prediction(res), nil
}

func (m *Classifier) Predictions(batch [][]bool) ([]Prediction, error) {
	results, err := m.RunBatch(batch)
	if err != nil {
		return nil, err
	}
	preds := make([]Prediction, len(results))
	for i, res := range results {
		preds[i] = m.prediction(res)
	}
	return preds, nil
}

func (m *Classifier) checkLabels(batch [][]bool, labels []int) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	if len(labels) != len(batch) {
		return fmt.Errorf("%w: %d labels for %d examples", ErrPrecondition, len(labels), len(batch))
	}
	for i, l := range labels {
		if l < 0 || l >= len(m.Outputs) {
			return fmt.Errorf("%w: example %d has label %d of %d", ErrLabel, i, l, len(m.Outputs))
		}
	}
	return nil
}

// BatchLoss is the mean negative log-probability of the true labels.
func (m *Classifier) BatchLoss(batch [][]bool, labels []int) (float64, error) {
	metrics, err := m.Evaluate(batch, labels)
	if err != nil {
		return 0, err
	}
	return metrics.Loss, nil
}

// Metrics summarizes a classifier on one batch.
type Metrics struct {
	Loss float64
	// Accuracy credits 1/k for an example whose true label ties with k-1
	// others at the maximum log-probability.
	Accuracy float64
}

func (m *Classifier) Evaluate(batch [][]bool, labels []int) (Metrics, error) {
	if err := m.checkLabels(batch, labels); err != nil {
		return Metrics{}, err
	}
	preds, err := m.Predictions(batch)
	if err != nil {
		return Metrics{}, err
	}

	var lossSum, accSum float64
	for i, p := range preds {
		logProbs := p.LogProbs()
		best := math.Inf(-1)
		for _, lp := range logProbs {
			best = max(best, lp)
		}
		if logProbs[labels[i]] == best {
			ties := 0
			for _, lp := range logProbs {
				if lp == best {
					ties++
				}
			}
			accSum += 1 / float64(ties)
		}
		lossSum -= logProbs[labels[i]]
	}
	n := float64(len(preds))
	return Metrics{Loss: lossSum / n, Accuracy: accSum / n}, nil
}

// RandomlyInitialize replaces the circuit with a random topology whose mean
// reachable hidden fraction over batch meets target. It returns the number of
// edges added.
func (m *Classifier) RandomlyInitialize(rng *rand.Rand, batch [][]bool, target float64, groups int) (int, error) {
	encoded := make([][]int, len(batch))
	for i, features := range batch {
		ids, err := m.Encode(features)
		if err != nil {
			return 0, fmt.Errorf("example %d: %w", i, err)
		}
		encoded[i] = ids
	}
	next, count, err := m.Circuit.RandomlyInitialized(rng, encoded, circuit.InitConfig{
		TargetFraction: target,
		HiddenGroups:   groups,
		Workers:        m.Workers,
	})
	if err != nil {
		return 0, err
	}
	m.Circuit = next
	return count, nil
}

// Mutate applies n random edits to the circuit, each a deletion with
// probability deleteProb.
func (m *Classifier) Mutate(rng *rand.Rand, n int, deleteProb float64) ([]circuit.Mutation, error) {
	applied := make([]circuit.Mutation, 0, n)
	for range n {
		mut, err := m.Circuit.RandomMutation(rng, deleteProb)
		if err != nil {
			return applied, err
		}
		if err := m.Circuit.Mutate(mut); err != nil {
			return applied, err
		}
		applied = append(applied, mut)
	}
	return applied, nil
}

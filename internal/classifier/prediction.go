package classifier

import (
	"fmt"
	"math"
)

// Prediction holds one output tally per label. Tallies become logits after
// scaling by EdgeWeight.
type Prediction struct {
	Counts     []int
	EdgeWeight float64
}

func NewPrediction(counts []int, edgeWeight float64) (Prediction, error) {
	if len(counts) == 0 {
		return Prediction{}, ErrEmptyCounts
	}
	return Prediction{Counts: counts, EdgeWeight: edgeWeight}, nil
}

// LogProbs returns the log-softmax of the scaled counts. It returns nil for an
// empty prediction.
func (p Prediction) LogProbs() []float64 {
	if len(p.Counts) == 0 {
		return nil
	}
	norm := p.normalizer(-1, 0)
	out := make([]float64, len(p.Counts))
	for i, c := range p.Counts {
		out[i] = p.EdgeWeight*float64(c) - norm
	}
	return out
}

func (p Prediction) LogProb(label int) float64 {
	return p.LogProbWithChange(label, 0, label)
}

// LogProbWithChange is LogProb(label) evaluated as if toLabel's count were
// shifted by delta.
func (p Prediction) LogProbWithChange(label, delta, toLabel int) float64 {
	if label < 0 || label >= len(p.Counts) {
		return math.Inf(-1)
	}
	c := p.Counts[label]
	if label == toLabel {
		c += delta
	}
	return p.EdgeWeight*float64(c) - p.normalizer(toLabel, delta)
}

func (p Prediction) String() string {
	return fmt.Sprintf("Prediction(counts=%v, edge_weight=%g)", p.Counts, p.EdgeWeight)
}

// normalizer is logsumexp of the logits with toLabel's count shifted by delta.
func (p Prediction) normalizer(toLabel, delta int) float64 {
	logit := func(i int) float64 {
		c := p.Counts[i]
		if i == toLabel {
			c += delta
		}
		return p.EdgeWeight * float64(c)
	}
	maxLogit := math.Inf(-1)
	for i := range p.Counts {
		maxLogit = max(maxLogit, logit(i))
	}
	sum := 0.0
	for i := range p.Counts {
		sum += math.Exp(logit(i) - maxLogit)
	}
	return maxLogit + math.Log(sum)
}

// Package probe fits a softmax regression over hidden-node activations. It is
// a diagnostic: it reads active sets and never touches the circuit.
package probe

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"edgebrain/internal/bitset"
)

var (
	ErrEmptyData = errors.New("probe: no examples")
	ErrShape     = errors.New("probe: shape mismatch")
)

type Config struct {
	BatchSize int
	LR        float64
	Iters     int
}

func DefaultConfig() Config {
	return Config{BatchSize: 128, LR: 0.01, Iters: 10000}
}

const (
	beta1   = 0.9
	beta2   = 0.999
	epsilon = 1e-8
)

// Probe is a linear classifier from binary features to labels.
type Probe struct {
	features int
	labels   int
	// weight is row-major [feature][label].
	weight []float64
	bias   []float64
}

// New initializes weights from N(0, 1/features) and zero biases.
func New(rng *rand.Rand, features, labels int) *Probe {
	p := &Probe{
		features: features,
		labels:   labels,
		weight:   make([]float64, features*labels),
		bias:     make([]float64, labels),
	}
	scale := 1 / math.Sqrt(float64(max(features, 1)))
	for i := range p.weight {
		p.weight[i] = rng.NormFloat64() * scale
	}
	return p
}

// Inputs extracts, per example, the indices into hidden of the nodes active in
// that example.
func Inputs(hidden []int, active []*bitset.BitSet) [][]int {
	out := make([][]int, len(active))
	for j, act := range active {
		var on []int
		for i, id := range hidden {
			if act.Test(id) {
				on = append(on, i)
			}
		}
		out[j] = on
	}
	return out
}

func (p *Probe) check(inputs [][]int, labels []int) error {
	if len(inputs) == 0 {
		return ErrEmptyData
	}
	if len(inputs) != len(labels) {
		return fmt.Errorf("%w: %d inputs, %d labels", ErrShape, len(inputs), len(labels))
	}
	for j, l := range labels {
		if l < 0 || l >= p.labels {
			return fmt.Errorf("%w: example %d label %d", ErrShape, j, l)
		}
		for _, f := range inputs[j] {
			if f < 0 || f >= p.features {
				return fmt.Errorf("%w: example %d feature %d", ErrShape, j, f)
			}
		}
	}
	return nil
}

// logProbs writes the log-softmax of the logits for one sparse input into out.
func (p *Probe) logProbs(input []int, out []float64) {
	copy(out, p.bias)
	for _, f := range input {
		row := p.weight[f*p.labels : (f+1)*p.labels]
		for k, w := range row {
			out[k] += w
		}
	}
	m := math.Inf(-1)
	for _, v := range out {
		m = max(m, v)
	}
	sum := 0.0
	for _, v := range out {
		sum += math.Exp(v - m)
	}
	norm := m + math.Log(sum)
	for k := range out {
		out[k] -= norm
	}
}

// Fit runs cfg.Iters Adam steps on minibatches drawn from shuffled epochs,
// decaying the learning rate linearly to zero.
func (p *Probe) Fit(rng *rand.Rand, inputs [][]int, labels []int, cfg Config) error {
	if err := p.check(inputs, labels); err != nil {
		return err
	}
	if cfg.BatchSize <= 0 || cfg.Iters < 0 {
		return fmt.Errorf("%w: batch size %d, iters %d", ErrShape, cfg.BatchSize, cfg.Iters)
	}

	mW := make([]float64, len(p.weight))
	vW := make([]float64, len(p.weight))
	mB := make([]float64, len(p.bias))
	vB := make([]float64, len(p.bias))
	gW := make([]float64, len(p.weight))
	gB := make([]float64, len(p.bias))
	lp := make([]float64, p.labels)

	var queue []int
	for iter := 0; iter < cfg.Iters; iter++ {
		lr := cfg.LR * float64(cfg.Iters-iter) / float64(cfg.Iters)
		for len(queue) < cfg.BatchSize {
			queue = append(queue, rng.Perm(len(inputs))...)
		}
		batch := queue[:cfg.BatchSize]

		clear(gW)
		clear(gB)
		scale := 1 / float64(len(batch))
		for _, j := range batch {
			p.logProbs(inputs[j], lp)
			for k := range lp {
				d := math.Exp(lp[k])
				if k == labels[j] {
					d--
				}
				d *= scale
				gB[k] += d
				for _, f := range inputs[j] {
					gW[f*p.labels+k] += d
				}
			}
		}
		queue = queue[cfg.BatchSize:]

		t := float64(iter + 1)
		c1 := 1 - math.Pow(beta1, t)
		c2 := 1 - math.Pow(beta2, t)
		adam(p.weight, gW, mW, vW, lr, c1, c2)
		adam(p.bias, gB, mB, vB, lr, c1, c2)
	}
	return nil
}

func adam(params, grads, m, v []float64, lr, c1, c2 float64) {
	for i, g := range grads {
		m[i] = beta1*m[i] + (1-beta1)*g
		v[i] = beta2*v[i] + (1-beta2)*g*g
		params[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + epsilon)
	}
}

// Loss is the mean negative log-likelihood of labels.
func (p *Probe) Loss(inputs [][]int, labels []int) (float64, error) {
	if err := p.check(inputs, labels); err != nil {
		return 0, err
	}
	lp := make([]float64, p.labels)
	total := 0.0
	for j, input := range inputs {
		p.logProbs(input, lp)
		total -= lp[labels[j]]
	}
	return total / float64(len(inputs)), nil
}

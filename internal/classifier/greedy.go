package classifier

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"edgebrain/internal/bitset"
	"edgebrain/internal/circuit"
	"edgebrain/internal/workpool"
)

// ErrOutputNotSink is returned by the greedy search when an output node owns
// edges or is the source of one. Toggling an edge into such an output could
// change the active set, which the search never recomputes.
var ErrOutputNotSink = fmt.Errorf("%w: output node owns or sources edges", ErrPrecondition)

// SelectionRule decides whether a candidate edge toggle is accepted given its
// per-example loss improvements.
type SelectionRule struct {
	confidence bool
	z          float64
}

// Mean accepts a toggle iff it strictly lowers the mean batch loss.
func Mean() SelectionRule { return SelectionRule{} }

// Confidence accepts a toggle iff the mean per-example improvement minus z
// standard errors is positive.
func Confidence(z float64) SelectionRule {
	return SelectionRule{confidence: true, z: z}
}

func (r SelectionRule) String() string {
	if r.confidence {
		return fmt.Sprintf("confidence(%g)", r.z)
	}
	return "mean"
}

// accepts judges n per-example improvements given their sum and sum of
// squares. Examples the toggle does not touch contribute zeros.
func (r SelectionRule) accepts(sum, sumSq float64, n int) bool {
	if !(sum > 0) {
		return false
	}
	if !r.confidence || n < 2 {
		return true
	}
	mean := sum / float64(n)
	variance := max(0, (sumSq-float64(n)*mean*mean)/float64(n-1))
	return mean-r.z*math.Sqrt(variance/float64(n)) > 0
}

type SearchOptions struct {
	Rule SelectionRule
	// ExactReRank recomputes every candidate delta after each accepted toggle
	// instead of walking the list ranked once against the starting state.
	ExactReRank bool
}

type GreedyResult struct {
	Classifier *Classifier
	// Loss is the mean batch loss of Classifier.
	Loss      float64
	Mutations []circuit.Mutation
}

// GreedilyMutated searches single hidden-to-output edge toggles, each owned by
// its hidden source. A toggle only affects examples where that hidden node is
// active, so candidates are scored from one batch evaluation by adjusting the
// output tallies by one.
//
// Candidates are ranked by their aggregate loss improvement against the
// starting state and visited in that order until the first one that does not
// improve. Each visited candidate is re-scored exactly against the running
// state and accepted if the selection rule passes. The ranking is not updated
// as toggles are accepted unless opts.ExactReRank is set.
//
// m is not modified.
func (m *Classifier) GreedilyMutated(batch [][]bool, labels []int, opts SearchOptions) (GreedyResult, error) {
	if err := m.checkLabels(batch, labels); err != nil {
		return GreedyResult{}, err
	}
	if err := m.checkOutputSinks(); err != nil {
		return GreedyResult{}, err
	}
	results, err := m.RunBatch(batch)
	if err != nil {
		return GreedyResult{}, err
	}

	s, err := m.newSearch(results, labels)
	if err != nil {
		return GreedyResult{}, err
	}
	if opts.ExactReRank {
		err = s.runExact(opts.Rule)
	} else {
		err = s.runRanked(opts.Rule)
	}
	if err != nil {
		return GreedyResult{}, err
	}
	return GreedyResult{Classifier: s.next, Loss: s.meanLoss(), Mutations: s.applied}, nil
}

func (m *Classifier) checkOutputSinks() error {
	isOutput := make(map[int]bool, len(m.Outputs))
	for _, id := range m.Outputs {
		isOutput[id] = true
	}
	for _, owner := range m.Circuit.IDs() {
		for _, e := range m.Circuit.OwnedEdges(owner) {
			if isOutput[owner] || isOutput[e.From] {
				return fmt.Errorf("%w: owner %d edge %s", ErrOutputNotSink, owner, e)
			}
		}
	}
	return nil
}

type candidate struct {
	hidden int // index into search.hidden
	label  int
	delta  float64
}

type search struct {
	next    *Classifier
	workers int
	labels  []int
	hidden  []int
	active  []*bitset.BitSet
	// byHidden lists, per hidden index, the examples where that node is active.
	byHidden [][]int
	// present[hi][k] reports whether hidden[hi] owns hidden[hi]->Outputs[k].
	present [][]bool
	// others maps a hidden->output edge to its owners other than its source.
	others  map[circuit.Edge][]int
	tallies [][]int
	losses  []float64
	applied []circuit.Mutation
}

func (m *Classifier) newSearch(results []circuit.Result, labels []int) (*search, error) {
	s := &search{
		next:    m.Clone(),
		workers: m.Workers,
		labels:  labels,
		hidden:  m.Circuit.HiddenIDs(),
		active:  make([]*bitset.BitSet, len(results)),
		tallies: make([][]int, len(results)),
		losses:  make([]float64, len(results)),
		others:  make(map[circuit.Edge][]int),
	}
	for j, res := range results {
		p := m.prediction(res)
		s.active[j] = res.Active
		s.tallies[j] = p.Counts
		s.losses[j] = -p.LogProb(labels[j])
	}

	isHidden := make(map[int]bool, len(s.hidden))
	for _, h := range s.hidden {
		isHidden[h] = true
	}
	isOutput := make(map[int]bool, len(m.Outputs))
	for _, id := range m.Outputs {
		isOutput[id] = true
	}
	for _, owner := range m.Circuit.IDs() {
		for _, e := range m.Circuit.OwnedEdges(owner) {
			if owner != e.From && isHidden[e.From] && isOutput[e.To] {
				s.others[e] = append(s.others[e], owner)
			}
		}
	}

	s.present = make([][]bool, len(s.hidden))
	for hi, h := range s.hidden {
		row := make([]bool, len(m.Outputs))
		for k, out := range m.Outputs {
			row[k] = m.Circuit.HasEdge(h, circuit.Edge{From: h, To: out})
		}
		s.present[hi] = row
	}

	s.byHidden = make([][]int, len(s.hidden))
	err := workpool.Chunks(len(s.hidden), s.workers, func(_, start, end int) error {
		for hi := start; hi < end; hi++ {
			h := s.hidden[hi]
			var examples []int
			for j, act := range s.active {
				if act.Test(h) {
					examples = append(examples, j)
				}
			}
			s.byHidden[hi] = examples
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *search) edge(hi, k int) circuit.Edge {
	return circuit.Edge{From: s.hidden[hi], To: s.next.Outputs[k]}
}

func (s *search) sign(hi, k int) int {
	if s.present[hi][k] {
		return -1
	}
	return 1
}

// covered reports whether another owner active on example j already keeps
// the edge live, in which case toggling the hidden node's copy changes
// nothing there.
func (s *search) covered(j int, e circuit.Edge) bool {
	for _, owner := range s.others[e] {
		if s.active[j].Test(owner) {
			return true
		}
	}
	return false
}

// gain is the loss reduction on example j from shifting label k's tally by
// sign.
func (s *search) gain(j, k, sign int) float64 {
	p := Prediction{Counts: s.tallies[j], EdgeWeight: s.next.EdgeWeight}
	return p.LogProbWithChange(s.labels[j], sign, k) + s.losses[j]
}

// deltas scores every (hidden, label) toggle against the running state. Each
// worker accumulates its examples into a private table; the tables are summed
// after the join.
func (s *search) deltas() ([]candidate, error) {
	h, k := len(s.hidden), len(s.next.Outputs)
	n := len(s.labels)
	parts := make([][]float64, workpool.Count(n, s.workers))
	err := workpool.Chunks(n, s.workers, func(worker, start, end int) error {
		table := make([]float64, h*k)
		for j := start; j < end; j++ {
			for hi, id := range s.hidden {
				if !s.active[j].Test(id) {
					continue
				}
				for label := range k {
					if s.covered(j, s.edge(hi, label)) {
						continue
					}
					table[label*h+hi] += s.gain(j, label, s.sign(hi, label))
				}
			}
		}
		parts[worker] = table
		return nil
	})
	if err != nil {
		return nil, err
	}

	total := make([]float64, h*k)
	for _, part := range parts {
		for i, v := range part {
			total[i] += v
		}
	}
	candidates := make([]candidate, 0, h*k)
	for label := range k {
		for hi := range h {
			candidates = append(candidates, candidate{hidden: hi, label: label, delta: total[label*h+hi]})
		}
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(b.delta, a.delta); c != 0 {
			return c
		}
		if c := cmp.Compare(a.hidden, b.hidden); c != 0 {
			return c
		}
		return cmp.Compare(a.label, b.label)
	})
	return candidates, nil
}

// score re-evaluates a toggle exactly against the running tallies and returns
// the examples it touches.
func (s *search) score(c candidate) (sum, sumSq float64, touched []int) {
	e := s.edge(c.hidden, c.label)
	sign := s.sign(c.hidden, c.label)
	for _, j := range s.byHidden[c.hidden] {
		if s.covered(j, e) {
			continue
		}
		g := s.gain(j, c.label, sign)
		sum += g
		sumSq += g * g
		touched = append(touched, j)
	}
	return sum, sumSq, touched
}

func (s *search) apply(c candidate, touched []int) error {
	sign := s.sign(c.hidden, c.label)
	mut := circuit.Mutation{Op: circuit.AddEdge, Owner: s.hidden[c.hidden], Edge: s.edge(c.hidden, c.label)}
	if sign < 0 {
		mut.Op = circuit.RemoveEdge
	}
	if err := s.next.Circuit.Mutate(mut); err != nil {
		return err
	}
	for _, j := range touched {
		s.tallies[j][c.label] += sign
		p := Prediction{Counts: s.tallies[j], EdgeWeight: s.next.EdgeWeight}
		s.losses[j] = -p.LogProb(s.labels[j])
	}
	s.present[c.hidden][c.label] = sign > 0
	s.applied = append(s.applied, mut)
	return nil
}

// tryAccept scores c and applies it if rule passes.
func (s *search) tryAccept(c candidate, rule SelectionRule) (bool, error) {
	sum, sumSq, touched := s.score(c)
	if !rule.accepts(sum, sumSq, len(s.labels)) {
		return false, nil
	}
	return true, s.apply(c, touched)
}

func (s *search) runRanked(rule SelectionRule) error {
	candidates, err := s.deltas()
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if c.delta <= 0 {
			break
		}
		if _, err := s.tryAccept(c, rule); err != nil {
			return err
		}
	}
	return nil
}

func (s *search) runExact(rule SelectionRule) error {
	for {
		candidates, err := s.deltas()
		if err != nil {
			return err
		}
		accepted := false
		for _, c := range candidates {
			if c.delta <= 0 {
				break
			}
			if accepted, err = s.tryAccept(c, rule); err != nil {
				return err
			}
			if accepted {
				break
			}
		}
		if !accepted {
			return nil
		}
	}
}

func (s *search) meanLoss() float64 {
	sum := 0.0
	for _, l := range s.losses {
		sum += l
	}
	return sum / float64(len(s.losses))
}

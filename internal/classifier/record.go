package classifier

import (
	"cmp"
	"fmt"
	"slices"

	"edgebrain/internal/circuit"
	"edgebrain/internal/model"
)

var ErrInvalidRecord = fmt.Errorf("%w: invalid classifier record", ErrPrecondition)

// ToRecord captures node ids, kinds and owner edge sets along with the
// input and output wiring.
func (m *Classifier) ToRecord() model.ClassifierRecord {
	nodes := make([]model.NodeRecord, 0, m.Circuit.Len())
	for _, id := range m.Circuit.IDs() {
		n, _ := m.Circuit.Node(id)
		rec := model.NodeRecord{ID: n.ID, Kind: n.Kind.String()}
		for _, e := range n.Edges {
			rec.Edges = append(rec.Edges, model.EdgeRecord{From: e.From, To: e.To})
		}
		nodes = append(nodes, rec)
	}
	inputs := make([]model.InputPairRecord, len(m.Inputs))
	for i, p := range m.Inputs {
		inputs[i] = model.InputPairRecord{Off: p.Off, On: p.On}
	}
	return model.ClassifierRecord{
		Nodes:      nodes,
		Inputs:     inputs,
		Outputs:    append([]int(nil), m.Outputs...),
		EdgeWeight: m.EdgeWeight,
	}
}

// FromRecord rebuilds a classifier. Node ids must be exactly 0..n-1 so the
// restored circuit keeps every id.
func FromRecord(rec model.ClassifierRecord) (*Classifier, error) {
	nodes := slices.Clone(rec.Nodes)
	slices.SortFunc(nodes, func(a, b model.NodeRecord) int { return cmp.Compare(a.ID, b.ID) })

	c := circuit.New()
	for i, n := range nodes {
		if n.ID != i {
			return nil, fmt.Errorf("%w: node ids are not contiguous at %d", ErrInvalidRecord, n.ID)
		}
		kind, err := circuit.ParseKind(n.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %w", ErrInvalidRecord, n.ID, err)
		}
		c.AddNode(kind)
	}
	for _, n := range nodes {
		for _, e := range n.Edges {
			m := circuit.Mutation{Op: circuit.AddEdge, Owner: n.ID, Edge: circuit.Edge{From: e.From, To: e.To}}
			if err := c.Mutate(m); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
			}
		}
	}

	want := func(id int, kind circuit.Kind) error {
		got, err := c.Kind(id)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		if got != kind {
			return fmt.Errorf("%w: node %d is %s, want %s", ErrInvalidRecord, id, got, kind)
		}
		return nil
	}
	inputs := make([]InputPair, len(rec.Inputs))
	for i, p := range rec.Inputs {
		if err := want(p.Off, circuit.Input); err != nil {
			return nil, err
		}
		if err := want(p.On, circuit.Input); err != nil {
			return nil, err
		}
		inputs[i] = InputPair{Off: p.Off, On: p.On}
	}
	if len(rec.Outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs", ErrInvalidRecord)
	}
	for _, id := range rec.Outputs {
		if err := want(id, circuit.Output); err != nil {
			return nil, err
		}
	}

	return &Classifier{
		Circuit:    c,
		Inputs:     inputs,
		Outputs:    append([]int(nil), rec.Outputs...),
		EdgeWeight: rec.EdgeWeight,
	}, nil
}

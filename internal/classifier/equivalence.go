package classifier

import "edgebrain/internal/bitset"

// EquivalentHiddenNodes groups hidden nodes that were active on exactly the
// same examples of batch. Each group is sorted and groups are ordered by their
// smallest id.
func (m *Classifier) EquivalentHiddenNodes(batch [][]bool) ([][]int, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	results, err := m.RunBatch(batch)
	if err != nil {
		return nil, err
	}
	rows := make([]*bitset.BitSet, len(results))
	for j, res := range results {
		rows[j] = res.Active
	}
	perNode, err := bitset.Transpose(rows)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string][]int)
	// Hidden ids are ascending, so first-seen order is ordered by smallest id.
	var order []string
	for _, id := range m.Circuit.HiddenIDs() {
		key := perNode[id].Key()
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], id)
	}
	groups := make([][]int, 0, len(order))
	for _, key := range order {
		groups = append(groups, byKey[key])
	}
	return groups, nil
}

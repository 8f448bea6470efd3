package digraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(vs ...int) map[int]struct{} {
	out := make(map[int]struct{}, len(vs))
	for _, v := range vs {
		out[v] = struct{}{}
	}
	return out
}

func keys(m map[int]struct{}) map[int]struct{} {
	if m == nil {
		return map[int]struct{}{}
	}
	return m
}

func TestGraphEdgeOps(t *testing.T) {
	g := NewWithVertices(0, 1, 2, 3)
	require.NoError(t, g.InsertEdge(0, 1))
	require.NoError(t, g.InsertEdge(1, 2))
	require.NoError(t, g.InsertEdge(2, 3))
	assert.True(t, g.HasEdge(0, 1))
	assert.False(t, g.HasEdge(0, 2))
	assert.False(t, g.HasEdge(1, 0))

	require.NoError(t, g.InsertEdge(1, 0))
	assert.True(t, g.HasEdge(1, 0))
	g.RemoveEdge(0, 1)
	assert.False(t, g.HasEdge(0, 1))
	assert.True(t, g.HasEdge(1, 0))

	assert.Equal(t, set(3), keys(g.Successors(2)))
	assert.Equal(t, set(0, 2), keys(g.Successors(1)))
	assert.Equal(t, set(1), keys(g.Predecessors(2)))

	g.RemoveVertex(2)
	assert.False(t, g.HasVertex(2))
	assert.False(t, g.HasEdge(1, 2))
	assert.False(t, g.HasEdge(2, 3))
	assert.Empty(t, g.Successors(2))
	assert.Equal(t, set(0), keys(g.Successors(1)))
	assert.Empty(t, g.Predecessors(3))
}

func TestGraphInsertEdgeRequiresVertices(t *testing.T) {
	g := NewWithVertices("a")
	err := g.InsertEdge("a", "b")
	assert.ErrorIs(t, err, ErrVertexNotFound)
	g.InsertVertex("b")
	assert.NoError(t, g.InsertEdge("a", "b"))
	assert.Equal(t, []Edge[string]{{From: "a", To: "b"}}, g.Edges())
}

func TestGraphReachable(t *testing.T) {
	g := NewWithVertices(0, 1, 2, 3, 4, 5, 6)
	for _, e := range [][2]int{{0, 1}, {1, 2}, {2, 1}, {0, 3}, {6, 5}, {5, 2}} {
		require.NoError(t, g.InsertEdge(e[0], e[1]))
	}

	cases := []struct {
		from []int
		want map[int]struct{}
	}{
		{from: []int{0}, want: set(0, 1, 2, 3)},
		{from: []int{1}, want: set(1, 2)},
		{from: []int{2}, want: set(1, 2)},
		{from: []int{3}, want: set(3)},
		{from: []int{2, 3}, want: set(1, 2, 3)},
		{from: []int{1, 2, 3}, want: set(1, 2, 3)},
		{from: []int{0, 1}, want: set(0, 1, 2, 3)},
		{from: []int{5}, want: set(5, 1, 2)},
		{from: []int{6}, want: set(6, 5, 1, 2)},
		{from: []int{6, 0}, want: set(6, 5, 0, 1, 2, 3)},
		{from: nil, want: set()},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, g.Reachable(tc.from...), "from %v", tc.from)
	}
}

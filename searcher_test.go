package klee_test

import (
	"math/rand"
	"testing"

	"github.com/capsosk/klee"
	"github.com/stretchr/testify/require"
)

func testStates(t *testing.T, n int) []*klee.ExecutionState {
	t.Helper()
	fn := testFunction(t)
	states := make([]*klee.ExecutionState, n)
	for i := range states {
		states[i] = klee.NewExecutionState(fn)
	}
	return states
}

func TestDFSSearcher(t *testing.T) {
	s := klee.NewDFSSearcher()
	states := testStates(t, 3)
	require.True(t, s.Empty())

	s.Update(nil, states, nil)
	require.False(t, s.Empty())
	require.Equal(t, states[2], s.SelectState(), "dfs picks the most recent state")

	s.Update(nil, nil, []*klee.ExecutionState{states[2]})
	require.Equal(t, states[1], s.SelectState())

	s.Update(nil, nil, states[:2])
	require.True(t, s.Empty())
}

func TestBFSSearcher(t *testing.T) {
	s := klee.NewBFSSearcher()
	states := testStates(t, 3)

	s.Update(nil, states, nil)
	require.Equal(t, states[0], s.SelectState(), "bfs picks the oldest state")

	s.Update(nil, nil, []*klee.ExecutionState{states[0]})
	require.Equal(t, states[1], s.SelectState())
}

func TestRandomSearcher_Deterministic(t *testing.T) {
	pick := func() []int {
		s := klee.NewRandomSearcher(rand.New(rand.NewSource(7)))
		states := testStates(t, 5)
		index := make(map[*klee.ExecutionState]int, len(states))
		for i, st := range states {
			index[st] = i
		}
		s.Update(nil, states, nil)

		var picked []int
		for i := 0; i < 5; i++ {
			st := s.SelectState()
			picked = append(picked, index[st])
			s.Update(nil, nil, []*klee.ExecutionState{st})
		}
		return picked
	}

	require.Equal(t, pick(), pick(), "fixed seed must give a fixed order")
}

func TestRandomPathSearcher(t *testing.T) {
	fn := testFunction(t)
	root := klee.NewExecutionState(fn)
	tree := klee.NewProcessTree(root)

	s := klee.NewRandomPathSearcher(tree, rand.New(rand.NewSource(1)))
	s.Update(nil, []*klee.ExecutionState{root}, nil)
	require.Equal(t, root, s.SelectState())

	child := root.Branch()
	tree.Attach(root.PTreeNode(), child, root)
	s.Update(nil, []*klee.ExecutionState{child}, nil)

	got := s.SelectState()
	require.Contains(t, []*klee.ExecutionState{root, child}, got)
	require.False(t, s.Empty())
}

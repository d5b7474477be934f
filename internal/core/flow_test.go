//go:build cgo

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond 0 -> {1, 2} -> 3
func diamond(t *testing.T) *FlowBody {
	t.Helper()
	body := NewFlowBody("f", "f.rs")
	then, els, join := body.NewBlock(), body.NewBlock(), body.NewBlock()
	body.Blocks[body.Entry].Term = Terminator{Kind: TermBranch, Then: then, Else: els}
	body.Blocks[then].Term = Terminator{Kind: TermGoto, Then: join}
	body.Blocks[els].Term = Terminator{Kind: TermGoto, Then: join}
	require.NoError(t, body.Link())
	return body
}

func TestDiamondDominance(t *testing.T) {
	body := diamond(t)
	dt := NewDominanceTree(body)
	dt.Compute()

	assert.True(t, dt.Dominates(0, 3))
	assert.False(t, dt.Dominates(1, 3))
	assert.False(t, dt.Dominates(2, 3))
	assert.True(t, dt.Dominates(3, 3))

	idom, ok := dt.ImmediateDominatorOf(3)
	require.True(t, ok)
	assert.Equal(t, 0, idom)
	_, ok = dt.ImmediateDominatorOf(0)
	assert.False(t, ok)

	assert.Equal(t, []int{0, 1}, dt.Dominators(1))
	assert.Equal(t, []int{0, 3}, dt.Dominators(3))
	assert.ElementsMatch(t, []int{1, 2}, body.Blocks[3].Preds)
}

func TestUnreachableBlock(t *testing.T) {
	body := diamond(t)
	orphan := body.NewBlock()
	require.NoError(t, body.Link())

	dt := NewDominanceTree(body)
	dt.Compute()
	assert.False(t, dt.Reachable(orphan))
	assert.False(t, dt.Dominates(0, orphan))
	assert.Nil(t, dt.Dominators(orphan))
	assert.NotContains(t, body.ReversePostOrder(), orphan)
}

func TestReversePostOrderStartsAtEntry(t *testing.T) {
	rpo := diamond(t).ReversePostOrder()
	require.Len(t, rpo, 4)
	assert.Equal(t, 0, rpo[0])
	assert.Equal(t, 3, rpo[3])
}

func TestReachableAvoiding(t *testing.T) {
	body := diamond(t)
	seen := body.ReachableAvoiding(0, 1)
	assert.True(t, seen[2])
	assert.True(t, seen[3])
	assert.False(t, seen[1])
	assert.Empty(t, body.ReachableAvoiding(1, 1))
}

func TestLinkRejectsUnknownTarget(t *testing.T) {
	body := NewFlowBody("f", "f.rs")
	body.Blocks[0].Term = Terminator{Kind: TermGoto, Then: 7}
	assert.Error(t, body.Link())
}

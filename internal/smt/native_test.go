package smt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LliminM/rupair/internal/symbolic"
)

// outOfBounds 构造 (off < 0 || off >= len)
func outOfBounds(off, length symbolic.Expr) symbolic.Pred {
	return symbolic.Or{Ps: []symbolic.Pred{
		symbolic.Cmp{Op: symbolic.CmpLt, X: off, Y: symbolic.Lit{Value: 0}},
		symbolic.Cmp{Op: symbolic.CmpGe, X: off, Y: length},
	}}
}

func TestNativeSatProducesVerifiedModel(t *testing.T) {
	n := symbolic.Var{Name: "n"}
	q := &Query{}
	q.Declare("n", symbolic.Usize)
	q.Assert(outOfBounds(symbolic.Lit{Value: 15}, n))
	q.Assert(symbolic.Cmp{Op: symbolic.CmpGt, X: n, Y: symbolic.Lit{Value: 3}})

	res, err := NewNativeSolver(0).Check(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, StatusSat, res.Status)
	v := res.Model["n"]
	assert.True(t, v > 3 && v <= 15, "model n=%d", v)
}

func TestNativeRelationalGuardIsUnsat(t *testing.T) {
	i := symbolic.Var{Name: "i"}
	n := symbolic.LengthOf("buf")
	q := &Query{}
	q.Declare("i", symbolic.Usize)
	q.Declare(n.Name, symbolic.Usize)
	q.Assert(outOfBounds(i, n))
	q.Assert(symbolic.Cmp{Op: symbolic.CmpLt, X: i, Y: n})

	res, err := NewNativeSolver(0).Check(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsat, res.Status)
}

func TestNativeOffsetWithConstantShift(t *testing.T) {
	// i + 1 < len 保护下访问 i + 1 不会越界
	i := symbolic.Var{Name: "i"}
	n := symbolic.Var{Name: "len"}
	off := symbolic.Add(i, symbolic.Lit{Value: 1})
	q := &Query{}
	q.Declare("i", symbolic.Usize)
	q.Declare("len", symbolic.Usize)
	q.Assert(outOfBounds(off, n))
	q.Assert(symbolic.Cmp{Op: symbolic.CmpLt, X: off, Y: n})

	res, err := NewNativeSolver(0).Check(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsat, res.Status)

	// 保护条件差一时可以越界
	q2 := &Query{}
	q2.Declare("i", symbolic.Usize)
	q2.Declare("len", symbolic.Usize)
	q2.Assert(outOfBounds(off, n))
	q2.Assert(symbolic.Cmp{Op: symbolic.CmpLe, X: off, Y: n})
	res, err = NewNativeSolver(0).Check(context.Background(), q2)
	require.NoError(t, err)
	require.Equal(t, StatusSat, res.Status)
	assert.Equal(t, res.Model["i"]+1, res.Model["len"])
}

func TestNativeExhaustiveLiteralSoundness(t *testing.T) {
	s := NewNativeSolver(0)
	for length := int64(0); length <= 20; length++ {
		for off := int64(-3); off <= 24; off++ {
			q := &Query{}
			q.Assert(outOfBounds(symbolic.Lit{Value: off}, symbolic.Lit{Value: length}))
			res, err := s.Check(context.Background(), q)
			require.NoError(t, err)
			want := StatusUnsat
			if off < 0 || off >= length {
				want = StatusSat
			}
			assert.Equal(t, want, res.Status, "off=%d len=%d", off, length)
		}
	}
}

func TestNativeUnsignedDomainExcludesNegatives(t *testing.T) {
	i := symbolic.Var{Name: "i"}
	q := &Query{}
	q.Declare("i", symbolic.Usize)
	q.Assert(symbolic.Cmp{Op: symbolic.CmpLt, X: i, Y: symbolic.Lit{Value: 0}})
	res, err := NewNativeSolver(0).Check(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsat, res.Status)

	q = &Query{}
	q.Declare("i", symbolic.Isize)
	q.Assert(symbolic.Cmp{Op: symbolic.CmpLt, X: i, Y: symbolic.Lit{Value: 0}})
	res, err = NewNativeSolver(0).Check(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, StatusSat, res.Status)
	assert.Equal(t, int64(-1), res.Model["i"])
}

func TestNativeCancelledContextIsUnknown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := &Query{}
	q.Declare("i", symbolic.Usize)
	q.Assert(symbolic.Cmp{Op: symbolic.CmpGe, X: symbolic.Var{Name: "i"}, Y: symbolic.Lit{Value: 4}})

	res, err := NewNativeSolver(0).Check(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Equal(t, "timeout", res.Reason)
}

func TestNativeBudgetExhaustionIsUnknown(t *testing.T) {
	x := symbolic.Var{Name: "x"}
	y := symbolic.Var{Name: "y"}
	i32 := symbolic.Domain{Width: 32, Signed: true}
	q := &Query{}
	q.Declare("x", i32)
	q.Declare("y", i32)
	q.Assert(symbolic.Cmp{Op: symbolic.CmpGe, X: x, Y: symbolic.Lit{Value: 2}})
	q.Assert(symbolic.Cmp{Op: symbolic.CmpGe, X: y, Y: symbolic.Lit{Value: 2}})
	q.Assert(symbolic.Cmp{Op: symbolic.CmpEq, X: symbolic.Binary{Op: symbolic.OpMul, X: x, Y: y}, Y: symbolic.Lit{Value: 7919 * 7907}})

	res, err := NewNativeSolver(16).Check(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Equal(t, "search budget exhausted", res.Reason)
}

func TestNativeRejectsUndeclaredVariables(t *testing.T) {
	q := &Query{}
	q.Assert(symbolic.Cmp{Op: symbolic.CmpLt, X: symbolic.Var{Name: "ghost"}, Y: symbolic.Lit{Value: 1}})
	_, err := NewNativeSolver(0).Check(context.Background(), q)
	assert.Error(t, err)
}

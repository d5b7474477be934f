package verifier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/smt"
	"github.com/LliminM/rupair/internal/smt/mocks"
	"github.com/LliminM/rupair/internal/symbolic"
)

func lit(v int64) symbolic.Expr { return symbolic.Lit{Value: v} }

func candidate(offset, length symbolic.Expr) core.Candidate {
	return core.Candidate{
		Location:    core.Location{File: "src/main.rs", Line: 5, Column: 9},
		Kind:        core.KindRawPointerOffset,
		Base:        "ptr",
		Buffer:      "buffer",
		Offset:      offset,
		OffsetText:  offset.String(),
		KnownLength: length,
	}
}

func TestLiteralOffsetsAgreeWithGroundTruth(t *testing.T) {
	v := New(smt.NewNativeSolver(0), Options{Timeout: 5 * time.Second})
	for o := int64(-4); o <= 24; o++ {
		for l := int64(0); l <= 20; l++ {
			res, err := v.Verify(context.Background(), candidate(lit(o), lit(l)))
			require.NoError(t, err)
			want := Refuted
			if o < 0 || o >= l {
				want = Confirmed
			}
			require.Equal(t, want, res.Verdict, "offset=%d length=%d", o, l)
			if want == Confirmed {
				assert.True(t, res.HasOffset)
				assert.Equal(t, o, res.Offset)
			}
		}
	}
}

func TestGuardRefutesAccess(t *testing.T) {
	c := candidate(lit(15), lit(0))
	c.Guard = &core.Guard{
		Pred:   symbolic.Cmp{Op: symbolic.CmpLt, X: lit(15), Y: symbolic.LengthOf("buffer")},
		Origin: core.GuardIf,
	}
	res, err := New(smt.NewNativeSolver(0), Options{}).Verify(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Refuted, res.Verdict)
}

func TestLoopBoundWithBindings(t *testing.T) {
	// for i in 0..n { *ptr.add(i) } 且 n = 12，缓冲区长度 10
	i := symbolic.Var{Name: "i"}
	n := symbolic.Var{Name: "n"}
	c := candidate(i, lit(10))
	c.Guard = &core.Guard{Pred: symbolic.Conj(
		symbolic.Cmp{Op: symbolic.CmpLe, X: lit(0), Y: i},
		symbolic.Cmp{Op: symbolic.CmpLt, X: i, Y: n},
	), Origin: core.GuardLoop}
	c.Bindings = []core.Binding{{Name: "n", Value: lit(12)}}

	res, err := New(smt.NewNativeSolver(0), Options{}).Verify(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Confirmed, res.Verdict)
	assert.True(t, res.Offset >= 10 && res.Offset < 12, "offset %d", res.Offset)

	c.Bindings = []core.Binding{{Name: "n", Value: lit(10)}}
	res, err = New(smt.NewNativeSolver(0), Options{}).Verify(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Refuted, res.Verdict)
}

func TestSignedOffsetBelowZero(t *testing.T) {
	k := symbolic.Var{Name: "k"}
	c := candidate(k, lit(8))
	d := symbolic.Isize
	c.OffsetType = &d
	c.Guard = &core.Guard{Pred: symbolic.Cmp{Op: symbolic.CmpLt, X: k, Y: lit(8)}}

	res, err := New(smt.NewNativeSolver(0), Options{}).Verify(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Confirmed, res.Verdict)
	assert.Less(t, res.Offset, int64(0))
}

func TestBuildQueryShape(t *testing.T) {
	i := symbolic.Var{Name: "i"}
	c := candidate(symbolic.Add(i, lit(1)), lit(4))
	c.VarTypes = map[string]symbolic.Domain{"i": {Width: 32}}

	plan, err := BuildQuery(c)
	require.NoError(t, err)
	assert.False(t, plan.Skip)
	assert.Equal(t, "buffer.len()", plan.Length.Name)

	decl := map[string]symbolic.Domain{}
	for _, v := range plan.Query.Vars {
		decl[v.Name] = v.Domain
	}
	assert.Equal(t, symbolic.Domain{Width: 32}, decl["i"])
	assert.Equal(t, symbolic.Usize, decl["buffer.len()"])
	require.NoError(t, plan.Query.Validate())
	// 非原子偏移带回绕约束，最后一条是越界条件
	last := plan.Query.Assertions[len(plan.Query.Assertions)-1]
	assert.Equal(t, "(i + 1) >= buffer.len()", last.String())
}

func TestUnknownLengthWithoutConstraintSkipsSolver(t *testing.T) {
	ctrl := gomock.NewController(t)
	solver := mocks.NewMockSolver(ctrl)

	c := candidate(symbolic.Opaque{ID: 1, Text: "idx()"}, nil)
	res, err := New(solver, Options{}).Verify(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Verdict)
	assert.False(t, res.Queried)
}

func TestUnknownLengthUsesGuard(t *testing.T) {
	ctrl := gomock.NewController(t)
	solver := mocks.NewMockSolver(ctrl)

	i := symbolic.Var{Name: "i"}
	c := candidate(i, nil)
	c.Kind = core.KindSliceIndex
	c.Guard = &core.Guard{Pred: symbolic.Cmp{Op: symbolic.CmpLt, X: i, Y: symbolic.LengthOf("buffer")}}

	gomock.InOrder(
		solver.EXPECT().Check(gomock.Any(), gomock.Any()).
			Return(&smt.Result{Status: smt.StatusUnsat}, nil),
		solver.EXPECT().Check(gomock.Any(), gomock.Any()).
			Return(&smt.Result{Status: smt.StatusSat, Model: symbolic.Env{"i": 3, "buffer.len()": 2}}, nil),
	)

	v := New(solver, Options{})
	res, err := v.Verify(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Refuted, res.Verdict)

	res, err = v.Verify(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Verdict)
	assert.True(t, res.HasOffset)
}

func TestSolverTimeoutIsUnknown(t *testing.T) {
	ctrl := gomock.NewController(t)
	solver := mocks.NewMockSolver(ctrl)
	solver.EXPECT().Check(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, q *smt.Query) (*smt.Result, error) {
			<-ctx.Done()
			return &smt.Result{Status: smt.StatusUnknown, Reason: "timeout"}, nil
		})

	res, err := New(solver, Options{Timeout: 10 * time.Millisecond}).
		Verify(context.Background(), candidate(lit(3), lit(2)))
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Verdict)
	assert.True(t, res.TimedOut)
}

func TestSolverErrorOtherThanUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	solver := mocks.NewMockSolver(ctrl)
	solver.EXPECT().Check(gomock.Any(), gomock.Any()).Return(nil, errors.New("solver rejected query: bad sort"))

	res, err := New(solver, Options{}).Verify(context.Background(), candidate(lit(3), lit(2)))
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Verdict)
	assert.Contains(t, res.Reason, "bad sort")
}

func TestUnavailableSolverDegradesRemainingCandidates(t *testing.T) {
	ctrl := gomock.NewController(t)
	solver := mocks.NewMockSolver(ctrl)
	solver.EXPECT().Check(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: process exited", smt.ErrUnavailable)).Times(1)

	cs := []core.Candidate{
		candidate(lit(3), lit(2)),
		candidate(lit(1), lit(2)),
		candidate(lit(9), lit(2)),
	}
	out, err := New(solver, Options{}).VerifyAll(context.Background(), cs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSolverUnavailable))
	require.Len(t, out, 3)
	for _, res := range out {
		assert.Equal(t, Unknown, res.Verdict)
	}
}

func TestCandidateWithoutOffset(t *testing.T) {
	ctrl := gomock.NewController(t)
	solver := mocks.NewMockSolver(ctrl)
	c := core.Candidate{Kind: core.KindSliceIndex, Base: "v"}

	res, err := New(solver, Options{}).Verify(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Verdict)
}

func TestUnderflowingOffsetIsNotRefuted(t *testing.T) {
	// let n = buffer.len(); *ptr.add(n - 1)
	n := symbolic.Var{Name: "n"}
	lastIndex := func(length symbolic.Expr) core.Candidate {
		c := candidate(symbolic.Sub(n, lit(1)), length)
		c.Bindings = []core.Binding{{Name: "n", Value: symbolic.LengthOf("buffer")}}
		return c
	}
	v := New(smt.NewNativeSolver(0), Options{})

	for name, length := range map[string]symbolic.Expr{"empty": lit(0), "unknown": nil} {
		t.Run(name, func(t *testing.T) {
			res, err := v.Verify(context.Background(), lastIndex(length))
			require.NoError(t, err)
			assert.Equal(t, Unknown, res.Verdict)
			assert.True(t, res.Queried)
			assert.Contains(t, res.Reason, "offset may wrap")
		})
	}

	plan, err := BuildQuery(lastIndex(lit(0)))
	require.NoError(t, err)
	require.NotNil(t, plan.Wrap)
	require.NoError(t, plan.Wrap.Validate())
	last := plan.Wrap.Assertions[len(plan.Wrap.Assertions)-1]
	assert.Equal(t, "(n - 1) < 0", last.String())
}

func TestGuardedDecrementIsRefuted(t *testing.T) {
	// if i >= 1 && i <= buffer.len() { *ptr.add(i - 1) }
	i := symbolic.Var{Name: "i"}
	c := candidate(symbolic.Sub(i, lit(1)), lit(8))
	c.Guard = &core.Guard{Pred: symbolic.Conj(
		symbolic.Cmp{Op: symbolic.CmpGe, X: i, Y: lit(1)},
		symbolic.Cmp{Op: symbolic.CmpLe, X: i, Y: symbolic.LengthOf("buffer")},
	), Origin: core.GuardIf}

	res, err := New(smt.NewNativeSolver(0), Options{}).Verify(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Refuted, res.Verdict)
}

func TestWrapCheckRunsAfterUnsatQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	solver := mocks.NewMockSolver(ctrl)
	i := symbolic.Var{Name: "i"}
	c := candidate(symbolic.Sub(i, lit(1)), lit(4))

	gomock.InOrder(
		solver.EXPECT().Check(gomock.Any(), gomock.Any()).
			Return(&smt.Result{Status: smt.StatusUnsat}, nil),
		solver.EXPECT().Check(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, q *smt.Query) (*smt.Result, error) {
				last := q.Assertions[len(q.Assertions)-1]
				assert.Equal(t, "(i - 1) < 0", last.String())
				return &smt.Result{Status: smt.StatusSat, Model: symbolic.Env{"i": 0, "buffer.len()": 4}}, nil
			}),
		solver.EXPECT().Check(gomock.Any(), gomock.Any()).
			Return(&smt.Result{Status: smt.StatusUnsat}, nil),
		solver.EXPECT().Check(gomock.Any(), gomock.Any()).
			Return(&smt.Result{Status: smt.StatusUnsat}, nil),
	)

	v := New(solver, Options{})
	res, err := v.Verify(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Verdict)
	assert.Contains(t, res.Reason, "offset may wrap")

	res, err = v.Verify(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Refuted, res.Verdict)
}

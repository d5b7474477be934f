//go:build cgo

package detectors

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/symbolic"
)

func represent(t *testing.T, src string, flow bool) *core.Representation {
	t.Helper()
	unit, err := core.ParseSource(context.Background(), "main.rs", []byte(src))
	require.NoError(t, err)
	t.Cleanup(unit.Close)

	rep := &core.Representation{Path: "main.rs", Unit: unit}
	if flow {
		rep.Flow, rep.FlowErr = core.LowerUnit(unit)
		require.NoError(t, rep.FlowErr)
	}
	return rep
}

func detect(t *testing.T, src string, flow bool) []core.Candidate {
	t.Helper()
	cands, errs := RunAll(represent(t, src, flow), DefaultDetectors(flow), hclog.NewNullLogger())
	require.Empty(t, errs)
	return cands
}

func TestSyntaxPassResolvesPointerToBuffer(t *testing.T) {
	src := `fn main() {
    let mut buffer: Vec<u8> = Vec::with_capacity(16);
    let ptr = buffer.as_mut_ptr();
    unsafe {
        *ptr.add(15) = 1;
    }
}
`
	cands := detect(t, src, false)
	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, core.KindRawPointerOffset, c.Kind)
	assert.Equal(t, "ptr", c.Base)
	assert.Equal(t, "buffer", c.Buffer)
	assert.Equal(t, symbolic.Lit{Value: 15}, c.Offset)
	assert.Equal(t, symbolic.Lit{Value: 0}, c.KnownLength)
	assert.Nil(t, c.Guard)
	assert.Equal(t, 5, c.Location.Line)
	assert.Equal(t, "*ptr.add(15) = 1;", c.Shape.StmtText)
	assert.Equal(t, []core.Pass{core.PassSyntax}, c.Passes)
}

func TestSafeCodeIsIgnored(t *testing.T) {
	src := `fn main() {
    let buffer = vec![0u8; 4];
    let x = buffer[9];
    let arr = [0u8; 4];
    unsafe {
        let y = arr[2];
    }
}
`
	assert.Empty(t, detect(t, src, false))
}

func TestArrayIndexOutsideLiteralLength(t *testing.T) {
	src := `fn main() {
    let arr = [0u8; 4];
    unsafe {
        let y = arr[7];
    }
}
`
	cands := detect(t, src, false)
	require.Len(t, cands, 1)
	assert.Equal(t, core.KindArrayIndex, cands[0].Kind)
	assert.Equal(t, symbolic.Lit{Value: 4}, cands[0].KnownLength)
}

func TestEnclosingIfIsCollectedAsGuard(t *testing.T) {
	src := `fn main() {
    let mut buffer: Vec<u8> = Vec::with_capacity(16);
    let ptr = buffer.as_mut_ptr();
    unsafe {
        if 15 < buffer.len() {
            *ptr.add(15) = 1;
        }
    }
}
`
	cands := detect(t, src, false)
	require.Len(t, cands, 1)
	require.NotNil(t, cands[0].Guard)
	assert.Equal(t, core.GuardIf, cands[0].Guard.Origin)
	assert.Equal(t, "15 < buffer.len()", cands[0].Guard.Text)
}

func bindingOf(t *testing.T, c core.Candidate, name string) symbolic.Expr {
	t.Helper()
	for _, b := range c.Bindings {
		if b.Name == name {
			return b.Value
		}
	}
	require.Failf(t, "binding not found", "%s in %v", name, c.Bindings)
	return nil
}

func TestReassignedGuardVariableKeepsPreState(t *testing.T) {
	src := `fn fill(buf: &mut [u8], mut i: usize) {
    let ptr = buf.as_mut_ptr();
    unsafe {
        if i < buf.len() {
            i = i + 1;
            *ptr.add(i) = 0;
        }
    }
}
`
	cands := detect(t, src, false)
	require.Len(t, cands, 1)
	c := cands[0]
	require.NotNil(t, c.Guard)
	assert.Equal(t, "i@pre < buf.len()", c.Guard.Text)
	assert.Equal(t, "(i@pre + 1)", bindingOf(t, c, "i").String())
	assert.Equal(t, symbolic.Usize, c.VarTypes["i@pre"])
}

func TestShadowedGuardVariableKeepsPreState(t *testing.T) {
	src := `fn fill(buf: &mut [u8], i: usize) {
    let ptr = buf.as_mut_ptr();
    unsafe {
        if i < buf.len() {
            let i = i + 5;
            *ptr.add(i) = 0;
        }
    }
}
`
	for _, flow := range []bool{false, true} {
		cands := detect(t, src, flow)
		require.Len(t, cands, 1)
		c := cands[0]
		require.NotNil(t, c.Guard)
		assert.Equal(t, "i@pre < buf.len()", c.Guard.Text)
		assert.Equal(t, "(i@pre + 5)", bindingOf(t, c, "i").String())
	}
}

func TestCompoundAssignmentKeepsPreState(t *testing.T) {
	src := `fn fill(buf: &mut [u8], mut i: usize) {
    let ptr = buf.as_mut_ptr();
    unsafe {
        if i < buf.len() {
            i += 2;
            *ptr.add(i) = 0;
        }
    }
}
`
	cands := detect(t, src, false)
	require.Len(t, cands, 1)
	require.NotNil(t, cands[0].Guard)
	assert.Equal(t, "(i@pre + 2)", bindingOf(t, cands[0], "i").String())
}

func TestConditionalReassignmentDropsGuard(t *testing.T) {
	src := `fn fill(buf: &mut [u8], mut i: usize, skip: bool) {
    let ptr = buf.as_mut_ptr();
    unsafe {
        if i < buf.len() {
            if skip {
                i = i + 1;
            }
            *ptr.add(i) = 0;
        }
    }
}
`
	cands := detect(t, src, false)
	require.Len(t, cands, 1)
	assert.Nil(t, cands[0].Guard)
}

func TestOpaqueReassignmentDropsGuard(t *testing.T) {
	src := `fn fill(buf: &mut [u8], mut i: usize) {
    let ptr = buf.as_mut_ptr();
    unsafe {
        if i < buf.len() {
            i = next(i);
            *ptr.add(i) = 0;
        }
    }
}
`
	cands := detect(t, src, false)
	require.Len(t, cands, 1)
	assert.Nil(t, cands[0].Guard)
}

func TestForRangeBoundsLoopVariable(t *testing.T) {
	src := `fn zero(buf: &mut [u8], n: usize) {
    let ptr = buf.as_mut_ptr();
    for i in 0..n {
        unsafe {
            *ptr.add(i) = 0;
        }
    }
}
`
	cands := detect(t, src, false)
	require.Len(t, cands, 1)
	require.NotNil(t, cands[0].Guard)
	assert.Equal(t, core.GuardLoop, cands[0].Guard.Origin)
	assert.Contains(t, cands[0].Guard.Text, "i < n")
}

func TestMacroArgumentAccess(t *testing.T) {
	src := `fn main() {
    let buffer = vec![0u8; 4];
    let ptr = buffer.as_ptr();
    unsafe {
        println!("{}", *ptr.add(6));
    }
}
`
	cands := detect(t, src, false)
	require.Len(t, cands, 1)
	assert.Equal(t, core.KindRawPointerDerefOffset, cands[0].Kind)
	assert.True(t, cands[0].Shape.InMacro)
	assert.Equal(t, symbolic.Lit{Value: 6}, cands[0].Offset)
}

func TestEarlyReturnGuardComesFromFlowPass(t *testing.T) {
	src := `fn store(buf: &mut [u8], idx: usize) {
    let ptr = buf.as_mut_ptr();
    if idx >= buf.len() {
        return;
    }
    unsafe {
        *ptr.add(idx) = 1;
    }
}
`
	syntaxOnly := detect(t, src, false)
	require.Len(t, syntaxOnly, 1)
	assert.Nil(t, syntaxOnly[0].Guard)

	both := detect(t, src, true)
	require.Len(t, both, 1)
	c := both[0]
	assert.ElementsMatch(t, []core.Pass{core.PassSyntax, core.PassFlow}, c.Passes)
	require.NotNil(t, c.Guard)
	assert.Equal(t, "idx < buf.len()", c.Guard.Text)
}

func TestFlowPassFromExternalDocument(t *testing.T) {
	doc := `
functions:
  - name: main
    blocks:
      - id: 0
        stmts:
          - {op: alloc, target: buffer, value: "0", line: 2}
          - {op: ptr, target: ptr, base: buffer, buffer: true, value: "0", line: 3}
        term: {op: branch, cond: "15 < buffer.len()", then: 1, else: 2}
      - id: 1
        stmts:
          - {op: access, kind: raw_pointer_offset, base: ptr, value: "15", line: 5, column: 9}
        term: {op: goto, target: 2}
      - id: 2
        stmts:
          - {op: access, kind: raw_pointer_offset, base: ptr, value: "20", line: 7, column: 5}
        term: {op: return}
`
	bodies, err := core.LoadFlowDocument([]byte(doc), "main.rs")
	require.NoError(t, err)

	rep := &core.Representation{Path: "main.rs", Flow: bodies}
	cands, errs := RunAll(rep, DefaultDetectors(true), hclog.NewNullLogger())
	// 没有语法树时语法遍报告表示错误，流图遍照常运行
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], core.ErrRepresentation)
	require.Len(t, cands, 2)

	guarded, open := cands[0], cands[1]
	assert.Equal(t, "buffer", guarded.Buffer)
	assert.Equal(t, symbolic.Lit{Value: 0}, guarded.KnownLength)
	require.NotNil(t, guarded.Guard)
	assert.Equal(t, core.GuardDominator, guarded.Guard.Origin)
	assert.Equal(t, "15 < buffer.len()", guarded.Guard.Text)

	assert.Equal(t, 7, open.Location.Line)
	assert.Nil(t, open.Guard)
	assert.Equal(t, symbolic.Lit{Value: 20}, open.Offset)
}

func TestFlowGuardKilledInsideLoop(t *testing.T) {
	doc := `
functions:
  - name: walk
    vars: {i: usize}
    blocks:
      - id: 0
        stmts:
          - {op: alloc, target: buf, value: "8", line: 2}
        term: {op: branch, cond: "i < buf.len()", then: 1, else: 3}
      - id: 1
        stmts:
          - {op: assign, target: i, value: "i + 1", mutable: true, line: 4}
          - {op: access, kind: slice_index, base: buf, value: "i", line: 5, column: 9}
        term: {op: goto, target: 3}
      - id: 3
        term: {op: return}
`
	bodies, err := core.LoadFlowDocument([]byte(doc), "walk.rs")
	require.NoError(t, err)
	cands, err := NewFlowDetector().Detect(&core.Representation{Path: "walk.rs", Flow: bodies})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Nil(t, cands[0].Guard)
	assert.Equal(t, symbolic.Lit{Value: 8}, cands[0].KnownLength)
}

func TestMergePrefersFlowLength(t *testing.T) {
	loc := core.Location{File: "main.rs", Line: 5, Column: 9}
	syntax := core.Candidate{
		Location: loc,
		Kind:     core.KindSliceIndex,
		Base:     "buf",
		Buffer:   "buf",
		Offset:   symbolic.Var{Name: "i"},
		Guard:    &core.Guard{Pred: symbolic.Cmp{Op: symbolic.CmpLt, X: symbolic.Var{Name: "i"}, Y: symbolic.Var{Name: "n"}}, Origin: core.GuardIf},
		Bindings: []core.Binding{{Name: "n", Value: symbolic.Lit{Value: 4}}},
		Shape:    core.AccessShape{Access: core.Span{Start: 10, End: 16}, AccessText: "buf[i]"},
		Passes:   []core.Pass{core.PassSyntax},
	}
	syntax.KnownLength = symbolic.Lit{Value: 16}
	flow := core.Candidate{
		Location:    loc,
		Kind:        core.KindSliceIndex,
		Base:        "buf",
		Buffer:      "buf",
		Offset:      symbolic.Var{Name: "i"},
		KnownLength: symbolic.Lit{Value: 2},
		Guard:       &core.Guard{Pred: symbolic.Cmp{Op: symbolic.CmpGe, X: symbolic.Var{Name: "i"}, Y: symbolic.Lit{Value: 0}}, Origin: core.GuardDominator},
		Passes:      []core.Pass{core.PassFlow},
	}
	other := flow
	other.Location.Line = 9

	merged := Merge([]core.Candidate{syntax}, []core.Candidate{other, flow})
	require.Len(t, merged, 2)
	m := merged[0]
	assert.Equal(t, symbolic.Lit{Value: 2}, m.KnownLength)
	assert.Equal(t, []core.Pass{core.PassSyntax, core.PassFlow}, m.Passes)
	assert.Equal(t, "buf[i]", m.Shape.AccessText)
	require.NotNil(t, m.Guard)
	assert.Equal(t, core.GuardMerged, m.Guard.Origin)
	assert.Equal(t, "i < n && i >= 0", m.Guard.Text)
	assert.Equal(t, []core.Binding{{Name: "n", Value: symbolic.Lit{Value: 4}}}, m.Bindings)
	assert.Equal(t, 9, merged[1].Location.Line)
}

func TestMergeDeduplicatesSharedGuard(t *testing.T) {
	loc := core.Location{File: "main.rs", Line: 5, Column: 9}
	bound := symbolic.Cmp{Op: symbolic.CmpLt, X: symbolic.Var{Name: "i"}, Y: symbolic.LengthOf("buf")}
	syntax := core.Candidate{
		Location: loc,
		Kind:     core.KindSliceIndex,
		Buffer:   "buf",
		Offset:   symbolic.Var{Name: "i"},
		Guard:    &core.Guard{Pred: bound, Text: bound.String(), Origin: core.GuardIf},
		Passes:   []core.Pass{core.PassSyntax},
	}
	flow := syntax
	flow.Guard = &core.Guard{
		Pred:   symbolic.Conj(bound, symbolic.Cmp{Op: symbolic.CmpGe, X: symbolic.Var{Name: "i"}, Y: symbolic.Lit{Value: 1}}),
		Origin: core.GuardDominator,
	}
	flow.Passes = []core.Pass{core.PassFlow}

	merged := Merge([]core.Candidate{syntax}, []core.Candidate{flow})
	require.Len(t, merged, 1)
	require.NotNil(t, merged[0].Guard)
	assert.Equal(t, "i < buf.len() && i >= 1", merged[0].Guard.Text)
	assert.Equal(t, core.GuardMerged, merged[0].Guard.Origin)

	flow.Guard = &core.Guard{Pred: bound, Origin: core.GuardDominator}
	merged = Merge([]core.Candidate{syntax}, []core.Candidate{flow})
	require.Len(t, merged, 1)
	assert.Equal(t, "i < buf.len()", merged[0].Guard.Text)
	assert.Equal(t, bound, merged[0].Guard.Pred)
}

func TestMergeWithoutOverlapKeepsBoth(t *testing.T) {
	a := core.Candidate{Location: core.Location{File: "a.rs", Line: 1, Column: 1}, Kind: core.KindSliceIndex, Passes: []core.Pass{core.PassSyntax}}
	b := core.Candidate{Location: core.Location{File: "a.rs", Line: 1, Column: 1}, Kind: core.KindArrayIndex, Passes: []core.Pass{core.PassFlow}}
	merged := Merge([]core.Candidate{a}, []core.Candidate{b})
	assert.Len(t, merged, 2)
}

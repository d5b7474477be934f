//go:build cgo

package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LliminM/rupair/internal/symbolic"
)

func parse(t *testing.T, src string) *ParsedUnit {
	t.Helper()
	unit, err := ParseSource(context.Background(), "main.rs", []byte(src))
	require.NoError(t, err)
	t.Cleanup(unit.Close)
	return unit
}

func TestParseIntLiteral(t *testing.T) {
	cases := []struct {
		text   string
		value  int64
		suffix string
	}{
		{"15", 15, ""},
		{"1_024", 1024, ""},
		{"0x10", 16, ""},
		{"0b101u8", 5, "u8"},
		{"7usize", 7, "usize"},
		{"0o17", 15, ""},
	}
	for _, c := range cases {
		v, suffix, ok := ParseIntLiteral(c.text)
		require.True(t, ok, c.text)
		assert.Equal(t, c.value, v, c.text)
		assert.Equal(t, c.suffix, suffix, c.text)
	}
	_, _, ok := ParseIntLiteral("len")
	assert.False(t, ok)
}

func TestFindFunctionsAndConstants(t *testing.T) {
	unit := parse(t, `const N: usize = 0x10;
const NAME: &str = "x";

struct S;

impl S {
    fn method(&self) {}
}

unsafe fn raw(p: *mut u8) {}

fn decl_only();
`)
	funcs, err := unit.FindFunctions()
	require.NoError(t, err)
	require.Len(t, funcs, 2)
	assert.Equal(t, "method", funcs[0].Name)
	assert.False(t, funcs[0].Unsafe)
	assert.Equal(t, "raw", funcs[1].Name)
	assert.True(t, funcs[1].Unsafe)

	assert.Equal(t, map[string]int64{"N": 16}, unit.FindConstants())
}

func TestParseSourceToleratesSyntaxErrors(t *testing.T) {
	unit := parse(t, "fn main() { let x = ; }")
	assert.True(t, unit.Root.HasError())
	_, err := unit.FindFunctions()
	assert.NoError(t, err)
}

func TestCloseIsNilSafe(t *testing.T) {
	var unit *ParsedUnit
	assert.NotPanics(t, unit.Close)
}

func TestLowerEarlyReturn(t *testing.T) {
	unit := parse(t, `fn store(buf: &mut [u8], idx: usize) {
    let ptr = buf.as_mut_ptr();
    if idx >= buf.len() {
        return;
    }
    unsafe {
        *ptr.add(idx) = 1;
    }
}
`)
	bodies, err := LowerUnit(unit)
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	body := bodies[0]
	assert.False(t, body.External)

	var (
		access FlowStmt
		block  *FlowBlock
	)
	body.Accesses(func(b *FlowBlock, _ int, s FlowStmt) { access, block = s, b })
	require.NotNil(t, block)
	assert.Equal(t, KindRawPointerOffset, access.Access)
	assert.Equal(t, "ptr", access.Base)
	assert.Equal(t, symbolic.Var{Name: "idx"}, access.Value)
	assert.True(t, access.Unsafe)
	assert.Equal(t, 7, access.Loc.Line)
	require.NotNil(t, access.Shape)

	entry := body.Block(body.Entry)
	require.Equal(t, TermBranch, entry.Term.Kind)
	assert.True(t, entry.Term.Exact)
	assert.Equal(t, "idx >= buf.len()", entry.Term.CondText)
	assert.Equal(t, TermReturn, body.Block(entry.Term.Then).Term.Kind)

	dt := NewDominanceTree(body)
	dt.Compute()
	assert.True(t, dt.Dominates(body.Entry, block.ID))
	assert.True(t, dt.Dominates(entry.Term.Else, block.ID))
	assert.False(t, dt.Dominates(entry.Term.Then, block.ID))
	assert.False(t, body.ReachableAvoiding(body.Entry, entry.Term.Else)[block.ID])
}

func TestLowerLetRecordsAllocation(t *testing.T) {
	unit := parse(t, `fn main() {
    let mut v = vec![0u8; 8];
    v.push(1);
    let i = 3;
    v[i] = 2;
}
`)
	bodies, err := LowerUnit(unit)
	require.NoError(t, err)
	require.Len(t, bodies, 1)

	var kinds []StmtKind
	for _, blk := range bodies[0].Blocks {
		for _, s := range blk.Stmts {
			kinds = append(kinds, s.Kind)
		}
	}
	assert.Equal(t, []StmtKind{StmtAlloc, StmtSetLen, StmtAssign, StmtAccess}, kinds)

	alloc := bodies[0].Blocks[bodies[0].Entry].Stmts[0]
	assert.Equal(t, "v", alloc.Target)
	assert.Equal(t, symbolic.Lit{Value: 8}, alloc.Value)
}

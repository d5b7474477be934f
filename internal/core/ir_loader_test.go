//go:build cgo

package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LliminM/rupair/internal/symbolic"
)

const sampleIR = `
functions:
  - name: main
    vars: {i: isize}
    blocks:
      - id: 10
        stmts:
          - {op: alloc, target: buffer, value: "16", line: 2}
          - {op: ptr, target: ptr, base: buffer, buffer: true, value: "0", line: 3}
        term: {op: branch, cond: "15 < buffer.len()", then: 20, else: 30}
      - id: 20
        stmts:
          - {op: access, kind: raw_pointer_offset, base: ptr, value: "15", line: 5, column: 9}
          - {op: access, kind: raw_pointer_offset, base: ptr, value: "0", line: 6}
        term: {op: goto, target: 30}
      - id: 30
`

func TestLoadFlowDocument(t *testing.T) {
	bodies, err := LoadFlowDocument([]byte(sampleIR), "main.rs")
	require.NoError(t, err)
	require.Len(t, bodies, 1)

	body := bodies[0]
	assert.Equal(t, "main", body.Name)
	assert.True(t, body.External)
	require.Len(t, body.Blocks, 3)
	assert.Contains(t, body.VarTypes, "i")

	entry := body.Block(body.Entry)
	require.NotNil(t, entry)
	assert.Equal(t, TermBranch, entry.Term.Kind)
	assert.True(t, entry.Term.Exact)
	assert.Equal(t, "15 < buffer.len()", entry.Term.CondText)

	var accesses []FlowStmt
	body.Accesses(func(_ *FlowBlock, _ int, s FlowStmt) { accesses = append(accesses, s) })
	require.Len(t, accesses, 2)
	assert.Equal(t, KindRawPointerOffset, accesses[0].Access)
	assert.Equal(t, symbolic.Lit{Value: 15}, accesses[0].Value)
	assert.Equal(t, Location{File: "main.rs", Line: 5, Column: 9}, accesses[0].Loc)
	assert.False(t, accesses[0].Bare)
	assert.True(t, accesses[1].Bare)
	assert.Equal(t, 1, accesses[1].Loc.Column)

	last := body.Blocks[len(body.Blocks)-1]
	assert.Equal(t, TermReturn, last.Term.Kind)
	assert.Len(t, last.Preds, 2)
}

func TestLoadFlowDocumentErrors(t *testing.T) {
	cases := map[string]string{
		"no functions":   `functions: []`,
		"duplicate":      "functions:\n  - name: f\n    blocks:\n      - id: 0\n      - id: 0\n",
		"unknown jump":   "functions:\n  - name: f\n    blocks:\n      - id: 0\n        term: {op: goto, target: 4}\n",
		"unknown op":     "functions:\n  - name: f\n    blocks:\n      - id: 0\n        stmts:\n          - {op: call, target: x}\n",
		"missing line":   "functions:\n  - name: f\n    blocks:\n      - id: 0\n        stmts:\n          - {op: access, kind: slice_index, base: b, value: \"1\"}\n",
		"bad kind":       "functions:\n  - name: f\n    blocks:\n      - id: 0\n        stmts:\n          - {op: access, kind: deref, base: b, value: \"1\", line: 1}\n",
		"bad var type":   "functions:\n  - name: f\n    vars: {i: f64}\n    blocks:\n      - id: 0\n",
		"bad terminator": "functions:\n  - name: f\n    blocks:\n      - id: 0\n        term: {op: jump}\n",
		"not yaml":       "functions: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFlowDocument([]byte(doc), "f.rs")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRepresentation)
		})
	}
}

func TestFindFlowDocument(t *testing.T) {
	dir := t.TempDir()
	_, ok := FindFlowDocument(dir, "src/main.rs")
	assert.False(t, ok)
	_, ok = FindFlowDocument("", "src/main.rs")
	assert.False(t, ok)

	doc := filepath.Join(dir, "main.rs.ir.yaml")
	require.NoError(t, os.WriteFile(doc, []byte(sampleIR), 0644))
	found, ok := FindFlowDocument(dir, "src/main.rs")
	require.True(t, ok)
	assert.Equal(t, doc, found)

	bodies, err := LoadFlowFile(found, "src/main.rs")
	require.NoError(t, err)
	assert.Len(t, bodies, 1)

	_, err = LoadFlowFile(filepath.Join(dir, "absent.ir.yaml"), "src/main.rs")
	assert.ErrorIs(t, err, ErrRepresentation)
}

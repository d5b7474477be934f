package smt

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LliminM/rupair/internal/symbolic"
)

func TestEncodeTerms(t *testing.T) {
	i := symbolic.Var{Name: "i"}
	assert.Equal(t, "(+ |i| 1)", EncodeTerm(symbolic.Add(i, symbolic.Lit{Value: 1})))
	assert.Equal(t, "(- 5)", EncodeTerm(symbolic.Lit{Value: -5}))
	assert.Equal(t, "|buf.len()|", EncodeTerm(symbolic.LengthOf("buf")))
	assert.Equal(t, "|opaque#2|", EncodeTerm(symbolic.Opaque{ID: 2, Text: "f()"}))
	assert.Contains(t, EncodeTerm(symbolic.Binary{Op: symbolic.OpDiv, X: i, Y: symbolic.Lit{Value: 2}}), "(div (abs |i|) (abs 2))")
}

func TestEncodePredicates(t *testing.T) {
	i := symbolic.Var{Name: "i"}
	p := outOfBounds(i, symbolic.Lit{Value: 4})
	assert.Equal(t, "(or (< |i| 0) (>= |i| 4))", EncodePred(p))
	assert.Equal(t, "(distinct |i| 3)", EncodePred(symbolic.Cmp{Op: symbolic.CmpNe, X: i, Y: symbolic.Lit{Value: 3}}))
	assert.Equal(t, "true", EncodePred(symbolic.And{}))
	assert.Equal(t, "false", EncodePred(symbolic.Or{}))
}

func TestScriptIsScoped(t *testing.T) {
	q := &Query{}
	q.Declare("i", symbolic.Usize)
	q.Assert(symbolic.Cmp{Op: symbolic.CmpGe, X: symbolic.Var{Name: "i"}, Y: symbolic.Lit{Value: 4}})
	script := Script(q, "done")
	lines := strings.Split(strings.TrimSpace(script), "\n")
	require.GreaterOrEqual(t, len(lines), 6)
	assert.Equal(t, "(push 1)", lines[0])
	assert.Equal(t, "(declare-const |i| Int)", lines[1])
	assert.Equal(t, "(assert (and (<= 0 |i|) (<= |i| 18446744073709551615)))", lines[2])
	assert.Contains(t, script, "(check-sat)\n(get-value (|i|))\n(pop 1)\n")
	assert.Equal(t, `(echo "done")`, lines[len(lines)-1])
}

func TestParseModelOutput(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("sat\n((|i| 16)\n (|buf.len()| (- 3)))\nend\n"))
	nodes, err := readUntil(r, "end")
	require.NoError(t, err)
	res, err := interpretReply(nodes)
	require.NoError(t, err)
	require.Equal(t, StatusSat, res.Status)
	assert.Equal(t, int64(16), res.Model["i"])
	assert.Equal(t, int64(-3), res.Model["buf.len()"])
}

func TestInterpretReplyErrors(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("(error \"line 2: unknown constant\")\nunsat\nend\n"))
	nodes, err := readUntil(r, "end")
	require.NoError(t, err)
	_, err = interpretReply(nodes)
	assert.ErrorContains(t, err, "unknown constant")

	// unsat 之后 get-value 的报错被忽略
	r = bufio.NewReader(strings.NewReader("unsat\n(error \"model is not available\")\n\"end\"\n"))
	nodes, err = readUntil(r, "end")
	require.NoError(t, err)
	res, err := interpretReply(nodes)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsat, res.Status)

	_, err = readUntil(bufio.NewReader(strings.NewReader("sat\n")), "end")
	assert.Error(t, err)
}

package symbolic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldAndLiteral(t *testing.T) {
	e := Add(Lit{Value: 8}, Binary{Op: OpMul, X: Lit{Value: 2}, Y: Lit{Value: 3}})
	v, ok := AsLiteral(e)
	require.True(t, ok)
	assert.Equal(t, int64(14), v)

	partial := Add(Var{Name: "i"}, Lit{Value: 0})
	assert.Equal(t, "i", Fold(partial).String())

	_, ok = AsLiteral(Add(Var{Name: "i"}, Lit{Value: 1}))
	assert.False(t, ok)
}

func TestFreeVarsIncludesOpaque(t *testing.T) {
	e := Add(Var{Name: "i"}, Opaque{ID: 3, Text: "compute()"})
	assert.Equal(t, []string{"i", "opaque#3"}, FreeVars(e))
}

func TestLengthSymbol(t *testing.T) {
	v := LengthOf("buffer")
	assert.Equal(t, "buffer.len()", v.String())
	base, ok := IsLength(v)
	require.True(t, ok)
	assert.Equal(t, "buffer", base)
	_, ok = IsLength(Var{Name: "n"})
	assert.False(t, ok)
}

func TestEvalOverflowAndDivision(t *testing.T) {
	_, err := Eval(Add(Lit{Value: math.MaxInt64}, Lit{Value: 1}), nil)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Eval(Binary{Op: OpDiv, X: Lit{Value: 4}, Y: Var{Name: "d"}}, Env{"d": 0})
	assert.ErrorIs(t, err, ErrDivByZero)

	v, err := Eval(Binary{Op: OpRem, X: Lit{Value: -7}, Y: Lit{Value: 3}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	_, err = Eval(Var{Name: "x"}, Env{})
	assert.ErrorIs(t, err, ErrUnbound)
}

func TestNegateProducesNNF(t *testing.T) {
	i := Var{Name: "i"}
	n := LengthOf("buf")
	p := And{Ps: []Pred{
		Cmp{Op: CmpGe, X: i, Y: Lit{Value: 0}},
		Cmp{Op: CmpLt, X: i, Y: n},
	}}
	neg := Negate(p)
	or, ok := neg.(Or)
	require.True(t, ok)
	require.Len(t, or.Ps, 2)
	assert.Equal(t, "i < 0", or.Ps[0].String())
	assert.Equal(t, "i >= buf.len()", or.Ps[1].String())

	ne := NNF(Not{P: Cmp{Op: CmpEq, X: i, Y: Lit{Value: 3}}})
	assert.Equal(t, "i < 3 || i > 3", ne.String())
}

func TestConjFlattensAndDedups(t *testing.T) {
	a := Cmp{Op: CmpLt, X: Var{Name: "i"}, Y: Lit{Value: 4}}
	b := Cmp{Op: CmpGe, X: Var{Name: "i"}, Y: Lit{Value: 0}}
	p := Conj(a, Bool{Value: true}, Conj(a, b))
	and, ok := p.(And)
	require.True(t, ok)
	assert.Len(t, and.Ps, 2)
	assert.Equal(t, Bool{Value: true}, Conj())
}

func TestEvalPredAndMentions(t *testing.T) {
	p := Conj(
		Cmp{Op: CmpLt, X: Var{Name: "i"}, Y: LengthOf("buf")},
		Not{P: Cmp{Op: CmpEq, X: Var{Name: "i"}, Y: Lit{Value: 2}}},
	)
	ok, err := EvalPred(p, Env{"i": 3, "buf.len()": 4})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = EvalPred(p, Env{"i": 2, "buf.len()": 4})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, Mentions(p, "buf.len()"))
	assert.False(t, Mentions(p, "j"))
	assert.True(t, MentionsExpr(Cmp{Op: CmpLt, X: Lit{Value: 15}, Y: LengthOf("b")}, Lit{Value: 15}))
}

func TestDomainBounds(t *testing.T) {
	d, ok := DomainOf("u8")
	require.True(t, ok)
	lo, hi := d.Range()
	assert.Equal(t, int64(0), lo)
	assert.Equal(t, int64(255), hi)

	lo, hi = Isize.Range()
	assert.Equal(t, int64(math.MinInt64), lo)
	assert.Equal(t, int64(math.MaxInt64), hi)

	_, bhi := Usize.Bounds()
	assert.Equal(t, "18446744073709551615", bhi.String())
	_, hi = Usize.Range()
	assert.Equal(t, int64(math.MaxInt64), hi)

	assert.Equal(t, "usize", Usize.String())
	assert.Equal(t, "i32", Domain{Width: 32, Signed: true}.String())
}

func TestParseExprAndPred(t *testing.T) {
	e, err := ParseExpr("i + 2 * buf.len() - 1_000usize")
	require.NoError(t, err)
	assert.Equal(t, "((i + (2 * buf.len())) - 1000)", e.String())

	p, err := ParsePred("(i + 1) < buf.len() && !(i == 3) || n >= -2")
	require.NoError(t, err)
	or, ok := p.(Or)
	require.True(t, ok)
	require.Len(t, or.Ps, 2)
	assert.Equal(t, "(i + 1) < buf.len() && (!(i == 3))", or.Ps[0].String())
	assert.Equal(t, "n >= -2", or.Ps[1].String())

	p, err = ParsePred("(i < n)")
	require.NoError(t, err)
	assert.Equal(t, "i < n", p.String())

	_, err = ParseExpr("i +")
	assert.Error(t, err)
	_, err = ParsePred("i")
	assert.Error(t, err)
}

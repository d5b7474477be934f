package smt

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/LliminM/rupair/internal/symbolic"
)

// DefaultMaxNodes 内置求解器默认搜索预算
const DefaultMaxNodes = 200000

// NativeSolver 内置精确求解器
// 区间传播 + 差分约束闭包 + 分支搜索；预算耗尽或超时返回 unknown，sat 结果总是经过精确求值校验
type NativeSolver struct {
	maxNodes int
}

// NewNativeSolver 创建内置求解器
func NewNativeSolver(maxNodes int) *NativeSolver {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	return &NativeSolver{maxNodes: maxNodes}
}

// Name 返回后端名称
func (s *NativeSolver) Name() string { return "native" }

// Close 内置求解器无需释放资源
func (s *NativeSolver) Close() error { return nil }

// Check 检查查询的可满足性
func (s *NativeSolver) Check(ctx context.Context, q *Query) (*Result, error) {
	start := time.Now()
	if err := q.Validate(); err != nil {
		return nil, err
	}

	box := make(map[string]interval, len(q.Vars))
	for _, v := range q.Vars {
		lo, hi := v.Domain.Range()
		box[v.Name] = interval{lo: lo, hi: hi}
	}

	goal := symbolic.NNF(symbolic.Conj(q.Assertions...))
	st := &search{
		ctx:        ctx,
		budget:     s.maxNodes,
		assertions: q.Assertions,
	}
	status, model, reason := st.solve([]symbolic.Pred{goal}, box)

	res := &Result{Status: status, Reason: reason, Elapsed: time.Since(start)}
	if status == StatusSat {
		res.Model = model
	}
	return res, nil
}

// =============================================================================
// 区间运算；MinInt64/MaxInt64 视为无穷
// =============================================================================

const (
	negInf = math.MinInt64
	posInf = math.MaxInt64
)

type interval struct {
	lo, hi int64
}

func fullInterval() interval { return interval{lo: negInf, hi: posInf} }

func point(v int64) interval { return interval{lo: v, hi: v} }

func (a interval) empty() bool { return a.lo > a.hi }

func (a interval) singleton() bool { return a.lo == a.hi }

func (a interval) contains(b interval) bool { return a.lo <= b.lo && b.hi <= a.hi }

func (a interval) intersect(b interval) interval {
	return interval{lo: max64(a.lo, b.lo), hi: min64(a.hi, b.hi)}
}

// width 返回区间宽度，溢出时饱和
func (a interval) width() uint64 {
	return uint64(a.hi) - uint64(a.lo)
}

// nearestZero 区间内最接近 0 的值
func (a interval) nearestZero() int64 {
	switch {
	case a.lo > 0:
		return a.lo
	case a.hi < 0:
		return a.hi
	default:
		return 0
	}
}

func clampAdd(x, y int64) int64 {
	r := x + y
	if y > 0 && r < x {
		return posInf
	}
	if y < 0 && r > x {
		return negInf
	}
	return r
}

func clampSub(x, y int64) int64 {
	if y == negInf {
		if x >= 0 {
			return posInf
		}
		return clampAdd(x, posInf)
	}
	return clampAdd(x, -y)
}

func addIv(a, b interval) interval {
	out := interval{}
	if a.lo == negInf || b.lo == negInf {
		out.lo = negInf
	} else {
		out.lo = clampAdd(a.lo, b.lo)
	}
	if a.hi == posInf || b.hi == posInf {
		out.hi = posInf
	} else {
		out.hi = clampAdd(a.hi, b.hi)
	}
	return out
}

func subIv(a, b interval) interval {
	out := interval{}
	if a.lo == negInf || b.hi == posInf {
		out.lo = negInf
	} else {
		out.lo = clampSub(a.lo, b.hi)
	}
	if a.hi == posInf || b.lo == negInf {
		out.hi = posInf
	} else {
		out.hi = clampSub(a.hi, b.lo)
	}
	return out
}

func isInf(x int64) bool { return x == negInf || x == posInf }

func sign(x int64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func signedInf(s int) int64 {
	if s < 0 {
		return negInf
	}
	return posInf
}

func mulExt(x, y int64) int64 {
	if x == 0 || y == 0 {
		return 0
	}
	if isInf(x) || isInf(y) {
		return signedInf(sign(x) * sign(y))
	}
	r := x * y
	if r/y != x || (x == -1 && y == negInf) || (y == -1 && x == negInf) {
		return signedInf(sign(x) * sign(y))
	}
	return r
}

func mulIv(a, b interval) interval {
	c := [4]int64{mulExt(a.lo, b.lo), mulExt(a.lo, b.hi), mulExt(a.hi, b.lo), mulExt(a.hi, b.hi)}
	return interval{lo: minOf(c[:]), hi: maxOf(c[:])}
}

func divExt(x, y int64) (int64, bool) {
	if isInf(y) {
		if isInf(x) {
			return 0, false
		}
		return 0, true
	}
	if isInf(x) {
		return signedInf(sign(x) * sign(y)), true
	}
	if x == negInf && y == -1 {
		return posInf, true
	}
	return x / y, true
}

func divIv(a, b interval) interval {
	if b.lo <= 0 && b.hi >= 0 {
		return fullInterval()
	}
	var c []int64
	for _, x := range []int64{a.lo, a.hi} {
		for _, y := range []int64{b.lo, b.hi} {
			v, ok := divExt(x, y)
			if !ok {
				return fullInterval()
			}
			c = append(c, v)
		}
	}
	return interval{lo: minOf(c), hi: maxOf(c)}
}

func remIv(a, b interval) interval {
	if b.lo <= 0 && b.hi >= 0 || isInf(b.lo) || isInf(b.hi) {
		return fullInterval()
	}
	m := max64(abs64(b.lo), abs64(b.hi)) - 1
	switch {
	case a.lo >= 0:
		return interval{lo: 0, hi: min64(a.hi, m)}
	case a.hi <= 0:
		return interval{lo: max64(a.lo, -m), hi: 0}
	default:
		return interval{lo: -m, hi: m}
	}
}

func ceilDiv(x, c int64) int64 {
	if isInf(x) {
		return signedInf(sign(x) * sign(c))
	}
	q := x / c
	if (x%c != 0) && ((x < 0) == (c < 0)) {
		q++
	}
	return q
}

func floorDiv(x, c int64) int64 {
	if isInf(x) {
		return signedInf(sign(x) * sign(c))
	}
	q := x / c
	if (x%c != 0) && ((x < 0) != (c < 0)) {
		q--
	}
	return q
}

// =============================================================================
// 搜索
// =============================================================================

var errBudget = errors.New("search budget exhausted")

type search struct {
	ctx        context.Context
	budget     int
	assertions []symbolic.Pred
}

// atom 规范化后的比较：X - Y 属于 want
type atom struct {
	cmp  symbolic.Cmp
	diff symbolic.Expr
	want interval
}

func newAtom(c symbolic.Cmp) atom {
	a := atom{cmp: c, diff: symbolic.Sub(c.X, c.Y)}
	switch c.Op {
	case symbolic.CmpLt:
		a.want = interval{lo: negInf, hi: -1}
	case symbolic.CmpLe:
		a.want = interval{lo: negInf, hi: 0}
	case symbolic.CmpGt:
		a.want = interval{lo: 1, hi: posInf}
	case symbolic.CmpGe:
		a.want = interval{lo: 0, hi: posInf}
	case symbolic.CmpEq:
		a.want = point(0)
	default:
		a.want = fullInterval()
	}
	return a
}

func (s *search) solve(goals []symbolic.Pred, box map[string]interval) (Status, symbolic.Env, string) {
	if s.budget <= 0 {
		return StatusUnknown, nil, errBudget.Error()
	}
	s.budget--
	if err := s.ctx.Err(); err != nil {
		return StatusUnknown, nil, "timeout"
	}

	var atoms []atom
	var disjunctions []symbolic.Or
	var stack []symbolic.Pred
	stack = append(stack, goals...)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch t := p.(type) {
		case symbolic.Bool:
			if !t.Value {
				return StatusUnsat, nil, ""
			}
		case symbolic.And:
			stack = append(stack, t.Ps...)
		case symbolic.Or:
			if len(t.Ps) == 0 {
				return StatusUnsat, nil, ""
			}
			disjunctions = append(disjunctions, t)
		case symbolic.Cmp:
			atoms = append(atoms, newAtom(t))
		}
	}

	box = copyBox(box)
	if !propagate(atoms, box) {
		return StatusUnsat, nil, ""
	}

	if len(disjunctions) > 0 {
		first := disjunctions[0]
		rest := make([]symbolic.Pred, 0, len(atoms)+len(disjunctions))
		for _, a := range atoms {
			rest = append(rest, a.cmp)
		}
		for _, d := range disjunctions[1:] {
			rest = append(rest, d)
		}
		sawUnknown := ""
		for _, alt := range first.Ps {
			branch := append(append([]symbolic.Pred{}, rest...), alt)
			status, model, reason := s.solve(branch, box)
			switch status {
			case StatusSat:
				return status, model, ""
			case StatusUnknown:
				sawUnknown = reason
			}
		}
		if sawUnknown != "" {
			return StatusUnknown, nil, sawUnknown
		}
		return StatusUnsat, nil, ""
	}

	pending := undecided(atoms, box)
	if len(pending) == 0 {
		env := make(symbolic.Env, len(box))
		for name, iv := range box {
			env[name] = iv.nearestZero()
		}
		return s.confirm(env)
	}

	name := widest(pending, box)
	iv := box[name]
	if iv.singleton() {
		// 全部变量已取定仍未判定：说明求值越界
		return StatusUnknown, nil, "arithmetic overflow in model evaluation"
	}

	// 先试最接近 0 的取值，再对剩余部分二分
	p := iv.nearestZero()
	branches := []interval{point(p)}
	if p > iv.lo {
		branches = append(branches, splitHalves(interval{lo: iv.lo, hi: p - 1})...)
	}
	if p < iv.hi {
		branches = append(branches, splitHalves(interval{lo: p + 1, hi: iv.hi})...)
	}
	sawUnknown := ""
	for _, b := range branches {
		sub := copyBox(box)
		sub[name] = b
		status, model, reason := s.solve(atomPreds(atoms), sub)
		switch status {
		case StatusSat:
			return status, model, ""
		case StatusUnknown:
			sawUnknown = reason
			if reason == "timeout" || reason == errBudget.Error() {
				return status, nil, reason
			}
		}
	}
	if sawUnknown != "" {
		return StatusUnknown, nil, sawUnknown
	}
	return StatusUnsat, nil, ""
}

// confirm 用精确求值校验候选模型
func (s *search) confirm(env symbolic.Env) (Status, symbolic.Env, string) {
	for _, a := range s.assertions {
		ok, err := symbolic.EvalPred(a, env)
		if err != nil {
			return StatusUnknown, nil, err.Error()
		}
		if !ok {
			return StatusUnknown, nil, "model rejected by exact evaluation"
		}
	}
	return StatusSat, env, ""
}

func splitHalves(iv interval) []interval {
	if iv.empty() {
		return nil
	}
	if iv.singleton() {
		return []interval{iv}
	}
	mid := iv.lo + int64(iv.width()/2)
	return []interval{{lo: iv.lo, hi: mid}, {lo: mid + 1, hi: iv.hi}}
}

func atomPreds(atoms []atom) []symbolic.Pred {
	out := make([]symbolic.Pred, len(atoms))
	for i, a := range atoms {
		out[i] = a.cmp
	}
	return out
}

// undecided 返回在当前区间盒上尚未被蕴含的原子
func undecided(atoms []atom, box map[string]interval) []atom {
	var out []atom
	for _, a := range atoms {
		if !a.want.contains(forward(a.diff, box)) {
			out = append(out, a)
		}
	}
	return out
}

// widest 在未判定原子涉及的变量中选区间最宽者
func widest(atoms []atom, box map[string]interval) string {
	set := make(map[string]struct{})
	for _, a := range atoms {
		for _, v := range symbolic.FreeVars(a.diff) {
			set[v] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	best := ""
	var bestWidth uint64
	for _, n := range names {
		iv := box[n]
		if iv.singleton() {
			continue
		}
		if best == "" || iv.width() > bestWidth {
			best, bestWidth = n, iv.width()
		}
	}
	if best == "" && len(names) > 0 {
		best = names[0]
	}
	return best
}

func copyBox(box map[string]interval) map[string]interval {
	out := make(map[string]interval, len(box))
	for k, v := range box {
		out[k] = v
	}
	return out
}

// =============================================================================
// 传播
// =============================================================================

const maxRounds = 64

// propagate 区间传播与差分约束闭包交替进行直到不动点；返回 false 表示无解
func propagate(atoms []atom, box map[string]interval) bool {
	for round := 0; round < maxRounds; round++ {
		before := copyBox(box)
		for _, a := range atoms {
			if !revise(a.diff, a.want, box) {
				return false
			}
		}
		if !closeDifferences(atoms, box) {
			return false
		}
		if sameBox(before, box) {
			return true
		}
	}
	return true
}

func sameBox(a, b map[string]interval) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func varName(e symbolic.Expr) (string, bool) {
	switch t := e.(type) {
	case symbolic.Var:
		return t.Name, true
	case symbolic.Opaque:
		return t.Name(), true
	}
	return "", false
}

// forward 计算项在区间盒上的取值范围
func forward(e symbolic.Expr, box map[string]interval) interval {
	switch t := e.(type) {
	case symbolic.Lit:
		return point(t.Value)
	case symbolic.Var, symbolic.Opaque:
		name, _ := varName(t)
		if iv, ok := box[name]; ok {
			return iv
		}
		return fullInterval()
	case symbolic.Binary:
		x := forward(t.X, box)
		y := forward(t.Y, box)
		switch t.Op {
		case symbolic.OpAdd:
			return addIv(x, y)
		case symbolic.OpSub:
			return subIv(x, y)
		case symbolic.OpMul:
			return mulIv(x, y)
		case symbolic.OpDiv:
			return divIv(x, y)
		case symbolic.OpRem:
			return remIv(x, y)
		}
	}
	return fullInterval()
}

// revise 把 e 的取值收窄到 target，并反向传播到变量
func revise(e symbolic.Expr, target interval, box map[string]interval) bool {
	cur := forward(e, box).intersect(target)
	if cur.empty() {
		return false
	}
	switch t := e.(type) {
	case symbolic.Lit:
		return true
	case symbolic.Var, symbolic.Opaque:
		name, _ := varName(t)
		iv, ok := box[name]
		if !ok {
			iv = fullInterval()
		}
		iv = iv.intersect(cur)
		if iv.empty() {
			return false
		}
		box[name] = iv
		return true
	case symbolic.Binary:
		x := forward(t.X, box)
		y := forward(t.Y, box)
		switch t.Op {
		case symbolic.OpAdd:
			return revise(t.X, subIv(cur, y), box) && revise(t.Y, subIv(cur, x), box)
		case symbolic.OpSub:
			return revise(t.X, addIv(cur, y), box) && revise(t.Y, subIv(x, cur), box)
		case symbolic.OpMul:
			if c, ok := symbolic.AsLiteral(t.Y); ok && c != 0 {
				return revise(t.X, divTarget(cur, c), box)
			}
			if c, ok := symbolic.AsLiteral(t.X); ok && c != 0 {
				return revise(t.Y, divTarget(cur, c), box)
			}
		}
	}
	return true
}

// divTarget 已知 x*c 属于 iv，求 x 的范围
func divTarget(iv interval, c int64) interval {
	if c > 0 {
		return interval{lo: ceilDiv(iv.lo, c), hi: floorDiv(iv.hi, c)}
	}
	return interval{lo: ceilDiv(iv.hi, c), hi: floorDiv(iv.lo, c)}
}

// linear 把项展开为线性形式 Σ coef*var + k
func linear(e symbolic.Expr) (map[string]int64, int64, bool) {
	switch t := e.(type) {
	case symbolic.Lit:
		return map[string]int64{}, t.Value, true
	case symbolic.Var, symbolic.Opaque:
		name, _ := varName(t)
		return map[string]int64{name: 1}, 0, true
	case symbolic.Binary:
		switch t.Op {
		case symbolic.OpAdd, symbolic.OpSub:
			xc, xk, ok := linear(t.X)
			if !ok {
				return nil, 0, false
			}
			yc, yk, ok := linear(t.Y)
			if !ok {
				return nil, 0, false
			}
			s := int64(1)
			if t.Op == symbolic.OpSub {
				s = -1
			}
			for v, c := range yc {
				xc[v] += s * c
				if xc[v] == 0 {
					delete(xc, v)
				}
			}
			var k int64
			if s > 0 {
				k = clampAdd(xk, yk)
			} else {
				k = clampSub(xk, yk)
			}
			if isInf(k) {
				return nil, 0, false
			}
			return xc, k, true
		case symbolic.OpMul:
			if c, ok := symbolic.AsLiteral(t.Y); ok {
				return scaleLinear(t.X, c)
			}
			if c, ok := symbolic.AsLiteral(t.X); ok {
				return scaleLinear(t.Y, c)
			}
		}
	}
	return nil, 0, false
}

func scaleLinear(e symbolic.Expr, c int64) (map[string]int64, int64, bool) {
	coefs, k, ok := linear(e)
	if !ok {
		return nil, 0, false
	}
	if c == 0 {
		return map[string]int64{}, 0, true
	}
	for v := range coefs {
		coefs[v] = mulExt(coefs[v], c)
		if isInf(coefs[v]) {
			return nil, 0, false
		}
	}
	k2 := mulExt(k, c)
	if isInf(k2) {
		return nil, 0, false
	}
	return coefs, k2, true
}

// closeDifferences 对形如 x - y <= c 的约束做 Floyd–Warshall 闭包
// 检测负环（无解）并收紧单变量边界
func closeDifferences(atoms []atom, box map[string]interval) bool {
	type edge struct {
		from, to string
		w        int64
	}
	var edges []edge
	nodes := map[string]int{}
	addNode := func(n string) {
		if _, ok := nodes[n]; !ok {
			nodes[n] = len(nodes)
		}
	}
	const zero = "\x00zero"
	addNode(zero)

	// 约束 to - from <= w
	addConstraint := func(coefs map[string]int64, bound int64) {
		var pos, neg string
		for v, c := range coefs {
			switch c {
			case 1:
				if pos != "" {
					return
				}
				pos = v
			case -1:
				if neg != "" {
					return
				}
				neg = v
			default:
				return
			}
		}
		if pos == "" && neg == "" {
			return
		}
		if pos == "" {
			pos = zero
		}
		if neg == "" {
			neg = zero
		}
		addNode(pos)
		addNode(neg)
		edges = append(edges, edge{from: neg, to: pos, w: bound})
	}

	for _, a := range atoms {
		coefs, k, ok := linear(a.diff)
		if !ok || len(coefs) == 0 || len(coefs) > 2 {
			continue
		}
		// Σ + k ∈ want  ⇒  Σ <= want.hi - k 且 -Σ <= k - want.lo
		if a.want.hi != posInf {
			addConstraint(coefs, clampSub(a.want.hi, k))
		}
		if a.want.lo != negInf {
			negated := make(map[string]int64, len(coefs))
			for v, c := range coefs {
				negated[v] = -c
			}
			addConstraint(negated, clampSub(k, a.want.lo))
		}
	}
	if len(edges) == 0 {
		return true
	}

	names := make([]string, len(nodes))
	for n, i := range nodes {
		names[i] = n
	}
	for _, n := range names {
		if n == zero {
			continue
		}
		iv, ok := box[n]
		if !ok {
			continue
		}
		if iv.hi != posInf {
			edges = append(edges, edge{from: zero, to: n, w: iv.hi})
		}
		if iv.lo != negInf {
			edges = append(edges, edge{from: n, to: zero, w: clampSub(0, iv.lo)})
		}
	}

	size := len(names)
	dist := make([][]int64, size)
	for i := range dist {
		dist[i] = make([]int64, size)
		for j := range dist[i] {
			dist[i][j] = posInf
		}
		dist[i][i] = 0
	}
	for _, e := range edges {
		i, j := nodes[e.from], nodes[e.to]
		if e.w < dist[i][j] {
			dist[i][j] = e.w
		}
	}
	for k := 0; k < size; k++ {
		for i := 0; i < size; i++ {
			if dist[i][k] == posInf {
				continue
			}
			for j := 0; j < size; j++ {
				if dist[k][j] == posInf {
					continue
				}
				if d := clampAdd(dist[i][k], dist[k][j]); d < dist[i][j] {
					dist[i][j] = d
				}
			}
		}
	}
	for i := 0; i < size; i++ {
		if dist[i][i] < 0 {
			return false
		}
	}

	z := nodes[zero]
	for n, i := range nodes {
		if n == zero {
			continue
		}
		iv, ok := box[n]
		if !ok {
			iv = fullInterval()
		}
		if d := dist[z][i]; d != posInf && d < iv.hi {
			iv.hi = d
		}
		if d := dist[i][z]; d != posInf && d != negInf {
			if lo := clampSub(0, d); lo > iv.lo {
				iv.lo = lo
			}
		}
		if iv.empty() {
			return false
		}
		box[n] = iv
	}
	return true
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func abs64(x int64) int64 {
	if x < 0 {
		if x == negInf {
			return posInf
		}
		return -x
	}
	return x
}

func minOf(xs []int64) int64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []int64) int64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

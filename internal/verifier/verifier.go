// Package verifier 约束验证：把候选翻译为越界可满足性查询并给出判定
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/smt"
	"github.com/LliminM/rupair/internal/symbolic"
)

// Verdict 验证结论
type Verdict string

const (
	Confirmed Verdict = "confirmed" // 存在满足保护条件的越界取值
	Refuted   Verdict = "refuted"   // 在给定约束下不可能越界
	Unknown   Verdict = "unknown"   // 超时、求解器 unknown 或长度不受约束
)

// DefaultTimeout 单个候选的默认求解时限
const DefaultTimeout = 2 * time.Second

// Verification 候选与其判定
type Verification struct {
	Candidate core.Candidate
	Verdict   Verdict
	Model     symbolic.Env
	Reason    string
	// Offset/Length 为模型中的取值，仅在 HasOffset/HasLength 时有效
	Offset    int64
	HasOffset bool
	Length    int64
	HasLength bool
	TimedOut  bool
	Queried   bool
	Elapsed   time.Duration
}

// Options 验证器选项
type Options struct {
	Timeout time.Duration
	Logger  hclog.Logger
}

// Verifier 约束验证器
// 持有一个求解器会话，不可跨 goroutine 共享
type Verifier struct {
	solver  smt.Solver
	timeout time.Duration
	logger  hclog.Logger
}

// New 创建验证器
func New(solver smt.Solver, opts Options) *Verifier {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Verifier{solver: solver, timeout: opts.Timeout, logger: opts.Logger}
}

// =============================================================================
// 查询构造
// =============================================================================

// Plan 候选对应的查询
type Plan struct {
	Query *smt.Query
	// Wrap 偏移表达式离开整数域的查询；原子偏移不会回绕，此时为 nil
	Wrap        *smt.Query
	Offset      symbolic.Expr
	Length      symbolic.Var
	Domain      symbolic.Domain
	LengthKnown bool
	// Skip 长度未知且没有任何约束涉及长度，查询不会带来信息
	Skip bool
}

// OffsetDomain 偏移所在的整数域
// 未声明类型时为 usize；负字面量偏移强制有符号域
func OffsetDomain(c core.Candidate) symbolic.Domain {
	d := symbolic.Usize
	if c.OffsetType != nil {
		d = *c.OffsetType
	}
	if c.Offset != nil {
		if v, ok := symbolic.AsLiteral(symbolic.Fold(c.Offset)); ok && v < 0 && !d.Signed {
			d = symbolic.Isize
		}
	}
	return d
}

// OutOfBounds 越界条件
// 有符号域：offset < 0 || offset >= length；无符号域不存在负偏移，只剩 offset >= length
func OutOfBounds(offset, length symbolic.Expr, d symbolic.Domain) symbolic.Pred {
	upper := symbolic.Cmp{Op: symbolic.CmpGe, X: offset, Y: length}
	if !d.Signed {
		return upper
	}
	return symbolic.Or{Ps: []symbolic.Pred{
		symbolic.Cmp{Op: symbolic.CmpLt, X: offset, Y: symbolic.Lit{Value: 0}},
		upper,
	}}
}

// BuildQuery 构造 domain ∧ bindings ∧ guard ∧ outOfBounds 查询
func BuildQuery(c core.Candidate) (*Plan, error) {
	if c.Offset == nil {
		return nil, fmt.Errorf("candidate at %s has no offset term", c.Location)
	}
	offset := symbolic.Fold(c.Offset)
	dom := OffsetDomain(c)
	length := symbolic.LengthOf(c.BufferName())
	plan := &Plan{
		Query:       &smt.Query{},
		Offset:      offset,
		Length:      length,
		Domain:      dom,
		LengthKnown: c.KnownLength != nil,
	}
	q := plan.Query

	var facts []symbolic.Pred
	if c.KnownLength != nil {
		facts = append(facts, symbolic.Cmp{Op: symbolic.CmpEq, X: length, Y: symbolic.Fold(c.KnownLength)})
	}
	for _, b := range c.Bindings {
		if b.Value == nil {
			continue
		}
		facts = append(facts, symbolic.Cmp{Op: symbolic.CmpEq, X: symbolic.Var{Name: b.Name}, Y: symbolic.Fold(b.Value)})
	}
	if c.Guard != nil && c.Guard.Pred != nil {
		facts = append(facts, c.Guard.Pred)
	}

	if !plan.LengthKnown {
		mentioned := containsVar(symbolic.FreeVars(offset), length.Name)
		for _, f := range facts {
			if symbolic.Mentions(f, length.Name) {
				mentioned = true
			}
		}
		if !mentioned {
			plan.Skip = true
			return plan, nil
		}
	}

	goal := OutOfBounds(offset, length, dom)
	declare := func(q *smt.Query, preds ...symbolic.Pred) {
		for _, p := range preds {
			for _, name := range symbolic.PredVars(p) {
				q.Declare(name, varDomain(c, name, dom))
			}
		}
		q.Declare(length.Name, symbolic.Usize)
	}
	declare(q, append(append([]symbolic.Pred(nil), facts...), goal)...)

	// 主查询只看不回绕的取值；回绕单独查询
	inRange, escapes := domainBounds(offset, dom)
	for _, p := range inRange {
		q.Assert(p)
	}
	for _, f := range facts {
		q.Assert(f)
	}
	q.Assert(goal)

	if len(escapes) > 0 {
		wrap := symbolic.Disj(escapes...)
		plan.Wrap = &smt.Query{}
		declare(plan.Wrap, append(append([]symbolic.Pred(nil), facts...), wrap)...)
		for _, f := range facts {
			plan.Wrap.Assert(f)
		}
		plan.Wrap.Assert(wrap)
	}
	return plan, nil
}

// domainBounds 非原子偏移的域约束及其反面
// 64 位域的值饱和到 int64，上界回绕不建模：Rust 分配的长度不超过 isize::MAX
func domainBounds(offset symbolic.Expr, dom symbolic.Domain) (inRange, escapes []symbolic.Pred) {
	if isAtom(offset) {
		return nil, nil
	}
	lo, hi := dom.Range()
	if !dom.Signed || dom.Width < 64 {
		inRange = append(inRange, symbolic.Cmp{Op: symbolic.CmpGe, X: offset, Y: symbolic.Lit{Value: lo}})
		escapes = append(escapes, symbolic.Cmp{Op: symbolic.CmpLt, X: offset, Y: symbolic.Lit{Value: lo}})
	}
	if dom.Width < 64 {
		inRange = append(inRange, symbolic.Cmp{Op: symbolic.CmpLe, X: offset, Y: symbolic.Lit{Value: hi}})
		escapes = append(escapes, symbolic.Cmp{Op: symbolic.CmpGt, X: offset, Y: symbolic.Lit{Value: hi}})
	}
	return inRange, escapes
}

// varDomain 变量的声明域：长度为 usize，已声明类型优先，其余随偏移域
func varDomain(c core.Candidate, name string, offsetDom symbolic.Domain) symbolic.Domain {
	if _, ok := symbolic.IsLength(symbolic.Var{Name: name}); ok {
		return symbolic.Usize
	}
	if d, ok := c.VarTypes[name]; ok {
		return d
	}
	return offsetDom
}

func isAtom(e symbolic.Expr) bool {
	switch e.(type) {
	case symbolic.Lit, symbolic.Var, symbolic.Opaque:
		return true
	}
	return false
}

func containsVar(vars []string, name string) bool {
	for _, v := range vars {
		if v == name {
			return true
		}
	}
	return false
}

// =============================================================================
// 验证
// =============================================================================

// Verify 验证单个候选
// 只有求解器不可用时返回错误（core.ErrSolverUnavailable），其余情况都折算为判定
func (v *Verifier) Verify(ctx context.Context, c core.Candidate) (Verification, error) {
	res := Verification{Candidate: c, Verdict: Unknown}

	plan, err := BuildQuery(c)
	if err != nil {
		res.Reason = err.Error()
		return res, nil
	}
	if plan.Skip {
		res.Reason = fmt.Sprintf("length of %s is unknown and unconstrained", c.BufferName())
		v.logResult(res)
		return res, nil
	}

	qctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	out, err := v.solver.Check(qctx, plan.Query)
	if err == nil && out.Status == smt.StatusUnsat && plan.Wrap != nil {
		// 不回绕时不可能越界，还需排除偏移回绕
		wrapped, werr := v.solver.Check(qctx, plan.Wrap)
		switch {
		case werr != nil:
			err = werr
		case wrapped.Status == smt.StatusSat:
			res.Elapsed = time.Since(start)
			res.Queried = true
			res.Model = wrapped.Model
			res.Reason = fmt.Sprintf("offset may wrap: %s can leave the %s range", plan.Offset, plan.Domain)
			v.logResult(res)
			return res, nil
		case wrapped.Status != smt.StatusUnsat:
			out = wrapped
		}
	}
	res.Elapsed = time.Since(start)
	res.Queried = true
	if err != nil {
		if errors.Is(err, smt.ErrUnavailable) {
			res.Reason = "solver unavailable"
			return res, core.NewError(core.CodeSolverUnavailable, "verify", c.Location.File, err)
		}
		if qctx.Err() != nil {
			res.TimedOut = errors.Is(qctx.Err(), context.DeadlineExceeded)
			res.Reason = "timeout"
			return res, nil
		}
		res.Reason = err.Error()
		return res, nil
	}

	switch out.Status {
	case smt.StatusSat:
		res.Model = out.Model
		res.Offset, res.HasOffset = valueOf(plan.Offset, out.Model)
		res.Length, res.HasLength = valueOf(plan.Length, out.Model)
		if plan.LengthKnown {
			res.Verdict = Confirmed
		} else {
			res.Reason = fmt.Sprintf("out-of-bounds for some length of %s; length is unknown", c.BufferName())
		}
	case smt.StatusUnsat:
		res.Verdict = Refuted
	default:
		res.TimedOut = errors.Is(qctx.Err(), context.DeadlineExceeded)
		res.Reason = out.Reason
		switch {
		case res.TimedOut:
			res.Reason = "timeout"
		case res.Reason == "":
			res.Reason = "solver returned unknown"
		}
	}
	v.logResult(res)
	return res, nil
}

// VerifyAll 依次验证文件内的候选
// 求解器不可用后剩余候选全部记为 Unknown，错误一并返回
func (v *Verifier) VerifyAll(ctx context.Context, cs []core.Candidate) ([]Verification, error) {
	out := make([]Verification, 0, len(cs))
	var unavailable error
	for _, c := range cs {
		if unavailable != nil {
			out = append(out, Verification{Candidate: c, Verdict: Unknown, Reason: "solver unavailable"})
			continue
		}
		res, err := v.Verify(ctx, c)
		if err != nil {
			unavailable = err
			v.logger.Warn("solver unavailable, remaining candidates degrade to unknown",
				"file", c.Location.File, "error", err)
		}
		out = append(out, res)
	}
	return out, unavailable
}

func (v *Verifier) logResult(res Verification) {
	c := res.Candidate
	v.logger.Debug("candidate verified",
		"file", c.Location.File, "line", c.Location.Line, "kind", c.Kind,
		"verdict", res.Verdict, "reason", res.Reason, "elapsed", res.Elapsed)
}

// valueOf 在模型下求值；模型缺少变量时视为无取值
func valueOf(e symbolic.Expr, model symbolic.Env) (int64, bool) {
	if model == nil {
		return 0, false
	}
	x, err := symbolic.Eval(e, model)
	if err != nil {
		return 0, false
	}
	return x, true
}

package detectors

import (
	"github.com/hashicorp/go-hclog"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/symbolic"
)

// DefaultDetectors 返回启用的检测器，语法遍在前
func DefaultDetectors(flow bool) []core.CandidateDetector {
	dets := []core.CandidateDetector{NewSyntaxDetector()}
	if flow {
		dets = append(dets, NewFlowDetector())
	}
	return dets
}

// RunAll 依次运行检测器并合并结果
// 单个检测器失败时记录日志并跳过，返回的错误列表供调用方统计
func RunAll(rep *core.Representation, dets []core.CandidateDetector, logger hclog.Logger) ([]core.Candidate, []error) {
	var (
		merged []core.Candidate
		errs   []error
	)
	for _, det := range dets {
		found, err := det.Detect(rep)
		if err != nil {
			wrapped := core.WrapError(det, err)
			logger.Warn("detector skipped", "file", rep.Path, "detector", det.Name(), "error", err)
			errs = append(errs, wrapped)
			continue
		}
		logger.Debug("detector finished", "file", rep.Path, "detector", det.Name(), "candidates", len(found))
		merged = Merge(merged, found)
	}
	return merged, errs
}

// Merge 按位置与操作类型合并两组候选
// 流图遍给出的已知长度优先；保护条件取合取，绑定与检测遍取并集
func Merge(base, extra []core.Candidate) []core.Candidate {
	index := make(map[string]int, len(base))
	out := make([]core.Candidate, 0, len(base)+len(extra))
	for _, c := range base {
		index[c.Key()] = len(out)
		out = append(out, c)
	}
	for _, c := range extra {
		if i, ok := index[c.Key()]; ok {
			out[i] = mergeCandidate(out[i], c)
			continue
		}
		index[c.Key()] = len(out)
		out = append(out, c)
	}
	core.SortCandidates(out)
	return out
}

func mergeCandidate(a, b core.Candidate) core.Candidate {
	// a 来自先运行的遍；若 b 是流图遍则以 b 为精确一方
	flow, other := b, a
	if a.HasPass(core.PassFlow) && !b.HasPass(core.PassFlow) {
		flow, other = a, b
	}

	m := other
	if flow.KnownLength != nil {
		m.KnownLength = flow.KnownLength
	}
	if m.Buffer == "" {
		m.Buffer = flow.Buffer
	}
	if m.Offset == nil {
		m.Offset, m.OffsetText = flow.Offset, flow.OffsetText
	}
	if m.OffsetType == nil {
		m.OffsetType = flow.OffsetType
	}
	m.Guard = mergeGuards(other.Guard, flow.Guard)
	m.Bindings = mergeBindings(other.Bindings, flow.Bindings)
	m.VarTypes = mergeTypes(other.VarTypes, flow.VarTypes)

	if !m.Shape.Access.Valid() && flow.Shape.Access.Valid() {
		m.Shape = flow.Shape
	}
	// 长度取自流图遍时声明也以流图遍为准
	if flow.KnownLength != nil && flow.Shape.Decl != nil {
		m.Shape.Decl = flow.Shape.Decl
	} else if flow.KnownLength != nil && !symbolic.Equal(flow.KnownLength, other.KnownLength) {
		m.Shape.Decl = nil
	}

	m.Passes = mergePasses(a.Passes, b.Passes)
	return m
}

func mergeGuards(a, b *core.Guard) *core.Guard {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	origins := map[core.GuardOrigin]bool{a.Origin: true, b.Origin: true}
	return makeGuard(append(conjuncts(a.Pred), conjuncts(b.Pred)...), origins)
}

func mergeBindings(a, b []core.Binding) []core.Binding {
	byName := make(map[string]int)
	var out []core.Binding
	for _, x := range a {
		byName[x.Name] = len(out)
		out = append(out, x)
	}
	for _, x := range b {
		if i, ok := byName[x.Name]; ok {
			out[i] = x
			continue
		}
		byName[x.Name] = len(out)
		out = append(out, x)
	}
	sortBindings(out)
	return out
}

func mergeTypes(a, b map[string]symbolic.Domain) map[string]symbolic.Domain {
	out := make(map[string]symbolic.Domain, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func mergePasses(a, b []core.Pass) []core.Pass {
	seen := make(map[core.Pass]bool)
	var out []core.Pass
	for _, p := range append(append([]core.Pass(nil), a...), b...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

package rectifier

import (
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/LliminM/rupair/internal/core"
)

// patch 生成单个修复相对原文件的统一 diff
func (r *Rectifier) patch(fix Fix) string {
	if fix.Fixed == "" || !fix.Span.Valid() || int(fix.Span.End) > len(r.src) {
		return ""
	}
	fixed := splice(r.src, fix.Span, fix.Fixed)
	diff, err := buildUnifiedDiff(r.path, string(r.src), string(fixed))
	if err != nil {
		return ""
	}
	return diff
}

func buildUnifiedDiff(path, from, to string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func splice(src []byte, span core.Span, text string) []byte {
	out := make([]byte, 0, len(src)+len(text))
	out = append(out, src[:span.Start]...)
	out = append(out, text...)
	return append(out, src[span.End:]...)
}

// ApplyFixes 把修复写回整份源码
// 区间重叠的修复只保留位置靠前的一个，返回被跳过的数量
func ApplyFixes(src []byte, fixes []Fix) ([]byte, int) {
	var usable []Fix
	for _, f := range fixes {
		if f.Fixed != "" && f.Span.Valid() && int(f.Span.End) <= len(src) {
			usable = append(usable, f)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Span.Start < usable[j].Span.Start
	})

	var kept []Fix
	skipped := 0
	var end uint32
	for _, f := range usable {
		if len(kept) > 0 && f.Span.Start < end {
			skipped++
			continue
		}
		kept = append(kept, f)
		end = f.Span.End
	}

	out := append([]byte(nil), src...)
	for i := len(kept) - 1; i >= 0; i-- {
		out = splice(out, kept[i].Span, kept[i].Fixed)
	}
	return out, skipped
}

// Unified 整个文件修复前后的 diff
func Unified(path string, before, after []byte) string {
	diff, err := buildUnifiedDiff(path, string(before), string(after))
	if err != nil {
		return ""
	}
	return diff
}

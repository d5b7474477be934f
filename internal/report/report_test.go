package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/owenrumney/go-sarif/v2/sarif"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/rectifier"
	"github.com/LliminM/rupair/internal/symbolic"
	"github.com/LliminM/rupair/internal/verifier"
)

func confirmed(line, col int, kind core.OperationKind) verifier.Verification {
	return verifier.Verification{
		Candidate: core.Candidate{
			Location:   core.Location{File: "src/main.rs", Line: line, Column: col},
			Kind:       kind,
			Base:       "ptr",
			Buffer:     "buffer",
			Offset:     symbolic.Lit{Value: 15},
			OffsetText: "15",
			Shape:      core.AccessShape{StmtText: "*ptr.add(15) = 1;"},
			Passes:     []core.Pass{core.PassSyntax},
		},
		Verdict:   verifier.Confirmed,
		Model:     symbolic.Env{"buffer.len()": 0},
		Offset:    15,
		HasOffset: true,
		Length:    0,
		HasLength: true,
	}
}

func guardFix() *rectifier.Fix {
	return &rectifier.Fix{
		Strategy:   rectifier.StrategyUnsafeToSafe,
		Confidence: core.ConfidenceHigh,
		Span:       core.Span{Start: 40, End: 57},
		Original:   "*ptr.add(15) = 1;",
		Fixed:      "if 15 < buffer.len() {\n    buffer[15] = 1;\n} else {\n    panic!(\"out-of-bounds write prevented\");\n}",
		Suggestion: "Replace the raw pointer access.",
		Witness:    "buffer.len() = 0",
	}
}

func TestNewIssueConfirmed(t *testing.T) {
	issue, err := NewIssue(confirmed(5, 9, core.KindRawPointerOffset), guardFix())
	require.NoError(t, err)

	assert.Equal(t, verifier.Confirmed, issue.Verdict)
	assert.Equal(t, core.SeverityCritical, issue.Severity)
	assert.Equal(t, core.CWE787, issue.CWE)
	assert.Equal(t, rectifier.StrategyUnsafeToSafe, issue.Strategy)
	assert.False(t, issue.ManualReview)
	assert.Contains(t, issue.Description, "offset 15")
	assert.Contains(t, issue.Description, "(length 0)")
	assert.Contains(t, issue.FixedCode, "15 < buffer.len()")
	assert.Equal(t, "buffer.len() = 0", issue.Witness)
}

func TestNewIssueUsesModelOffset(t *testing.T) {
	v := confirmed(5, 9, core.KindSliceIndex)
	v.Candidate.Offset = symbolic.Var{Name: "i"}
	v.Candidate.OffsetText = "i"
	v.Offset = 11
	v.HasLength = false

	issue, err := NewIssue(v, nil)
	require.NoError(t, err)
	assert.Contains(t, issue.Description, "offset 11")
	assert.Contains(t, issue.Description, "`i` evaluates to 11")
	// 没有修复时必须标记人工审查
	assert.True(t, issue.ManualReview)
	assert.Empty(t, issue.FixedCode)
}

func TestNewIssueUnknownIsInformational(t *testing.T) {
	v := verifier.Verification{
		Candidate: core.Candidate{
			Location:   core.Location{File: "src/lib.rs", Line: 3, Column: 5},
			Kind:       core.KindRawPointerOffset,
			Base:       "p",
			OffsetText: "compute()",
		},
		Verdict: verifier.Unknown,
		Reason:  "length of `p` is unknown",
	}
	issue, err := NewIssue(v, nil)
	require.NoError(t, err)
	assert.Equal(t, core.SeverityLow, issue.Severity)
	assert.Empty(t, issue.FixedCode)
	assert.True(t, issue.ManualReview)
	assert.Contains(t, issue.Description, "length of `p` is unknown")
}

func TestRefutedProducesNoIssue(t *testing.T) {
	v := confirmed(5, 9, core.KindRawPointerOffset)
	v.Verdict = verifier.Refuted
	_, err := NewIssue(v, guardFix())
	assert.True(t, errors.Is(err, ErrRefutedIssue))

	b := NewBuilder("src/main.rs")
	assert.True(t, errors.Is(b.Add(Issue{Verdict: verifier.Refuted}), ErrRefutedIssue))
	assert.True(t, errors.Is(b.Add(Issue{Verdict: verifier.Unknown, FixedCode: "x"}), ErrUnconfirmedFix))
	assert.Equal(t, 0, b.Len())
}

func TestBuilderOrdersAndNumbers(t *testing.T) {
	b := NewBuilder("src/main.rs")
	for _, v := range []verifier.Verification{
		confirmed(9, 5, core.KindSliceIndex),
		confirmed(3, 12, core.KindRawPointerOffset),
		confirmed(3, 4, core.KindRawPointerOffset),
		confirmed(3, 4, core.KindArrayIndex),
	} {
		issue, err := NewIssue(v, guardFix())
		require.NoError(t, err)
		require.NoError(t, b.Add(issue))
	}

	rep := b.Build()
	issues := rep.Issues()
	require.Len(t, issues, 4)
	type key struct {
		line, col int
		kind      core.OperationKind
	}
	var got []key
	for i, is := range issues {
		assert.Equal(t, i+1, is.Number)
		got = append(got, key{is.Location.Line, is.Location.Column, is.Kind})
	}
	assert.Equal(t, []key{
		{3, 4, core.KindArrayIndex},
		{3, 4, core.KindRawPointerOffset},
		{3, 12, core.KindRawPointerOffset},
		{9, 5, core.KindSliceIndex},
	}, got)
}

func TestReportIsImmutable(t *testing.T) {
	b := NewBuilder("src/main.rs")
	issue, err := NewIssue(confirmed(5, 9, core.KindRawPointerOffset), guardFix())
	require.NoError(t, err)
	require.NoError(t, b.Add(issue))
	rep := b.Build()

	issues := rep.Issues()
	issues[0].FixedCode = "tampered"
	issues[0].Passes[0] = core.PassFlow

	again, ok := rep.Issue(1)
	require.True(t, ok)
	assert.NotEqual(t, "tampered", again.FixedCode)
	assert.Equal(t, core.PassSyntax, again.Passes[0])

	// 构建之后追加的问题不影响已冻结的报告
	require.NoError(t, b.Add(issue))
	assert.Equal(t, 1, rep.Len())
	assert.Equal(t, 2, b.Build().Len())

	_, ok = rep.Issue(2)
	assert.False(t, ok)
}

func TestMarkdownContract(t *testing.T) {
	b := NewBuilder("src/main.rs")
	issue, err := NewIssue(confirmed(5, 9, core.KindRawPointerOffset), guardFix())
	require.NoError(t, err)
	issue.Description = "Raw pointer write at offset 15."
	require.NoError(t, b.Add(issue))

	var buf bytes.Buffer
	require.NoError(t, NewMarkdownWriter(&buf).WriteReport(b.Build()))

	want := strings.Join([]string{
		"# rupair Unsafe Buffer Bounds Analysis Report",
		"",
		"## Analysis Overview",
		"",
		"- Source File: src/main.rs",
		"- Total Issues: 1",
		"",
		"## Issue #1",
		"",
		"### Location",
		"",
		"Line 5",
		"",
		"### Operation Type",
		"",
		"raw_pointer_offset",
		"",
		"### Description",
		"",
		"Raw pointer write at offset 15.",
		"",
		"### Fix Suggestion",
		"",
		"Replace the raw pointer access.",
		"",
		"### Original Code",
		"",
		"```rust",
		"*ptr.add(15) = 1;",
		"```",
		"",
		"### Fixed Code",
		"",
		"```rust",
		"if 15 < buffer.len() {",
		"    buffer[15] = 1;",
		"} else {",
		"    panic!(\"out-of-bounds write prevented\");",
		"}",
		"```",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestMarkdownOmitsFixedCodeWhenAbsent(t *testing.T) {
	b := NewBuilder("src/lib.rs")
	issue, err := NewIssue(confirmed(2, 1, core.KindSliceIndex), nil)
	require.NoError(t, err)
	require.NoError(t, b.Add(issue))

	var buf bytes.Buffer
	require.NoError(t, NewMarkdownWriter(&buf).WriteReport(b.Build()))
	out := buf.String()
	assert.Contains(t, out, "### Original Code")
	assert.NotContains(t, out, "### Fixed Code")
	assert.Contains(t, out, "Manual review required")
}

func TestMarkdownEmptyReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewMarkdownWriter(&buf).WriteReport(NewBuilder("a.rs").Build()))
	assert.Equal(t, MarkdownTitle+"\n\n## Analysis Overview\n\n- Source File: a.rs\n- Total Issues: 0\n", buf.String())
}

func sampleResult(t *testing.T) *ScanResult {
	t.Helper()
	b := NewBuilder("src/main.rs")
	issue, err := NewIssue(confirmed(5, 9, core.KindRawPointerOffset), guardFix())
	require.NoError(t, err)
	require.NoError(t, b.Add(issue))
	return &ScanResult{
		RunID:        "run-1",
		Reports:      []*AnalysisReport{b.Build(), NewBuilder("src/lib.rs").Build()},
		Failures:     []FileFailure{{File: "src/gone.rs", Error: "no such file"}},
		Verdicts:     map[verifier.Verdict]int{verifier.Confirmed: 1, verifier.Refuted: 2},
		FilesScanned: 3,
	}
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewJSONWriter(&buf, WithPrettyJSON()).Write(sampleResult(t)))

	var got JSONReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, ToolName, got.Tool.Name)
	assert.Equal(t, 1, got.Summary.Total)
	assert.Equal(t, 1, got.Summary.BySeverity[core.SeverityCritical])
	assert.Equal(t, 2, got.Summary.ByVerdict["refuted"])
	require.Len(t, got.Files, 2)
	assert.Equal(t, "src/main.rs", got.Files[0].File)
	require.Len(t, got.Files[0].Issues, 1)
	assert.Equal(t, core.KindRawPointerOffset, got.Files[0].Issues[0].Kind)
	require.Len(t, got.Failures, 1)
}

func TestSARIFWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewSARIFWriter(&buf).Write(sampleResult(t)))

	rep, err := sarif.FromBytes(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, rep.Runs, 1)
	run := rep.Runs[0]
	assert.Len(t, run.Tool.Driver.Rules, 4)
	require.Len(t, run.Results, 1)

	res := run.Results[0]
	require.NotNil(t, res.RuleID)
	assert.Equal(t, "raw_pointer_offset", *res.RuleID)
	require.NotNil(t, res.Level)
	assert.Equal(t, "error", *res.Level)
	require.Len(t, res.Fixes, 1)
	assert.Equal(t, "confirmed", res.Properties["verdict"])
}

func TestTextWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTextWriter(&buf, WithVerbose()).Write(sampleResult(t)))
	out := buf.String()
	assert.Contains(t, out, "Total issues: 1")
	assert.Contains(t, out, "File: src/main.rs")
	assert.Contains(t, out, "Witness: buffer.len() = 0")
	assert.Contains(t, out, "src/gone.rs: no such file")
	assert.NotContains(t, out, "File: src/lib.rs")
}

func TestManagerWritesPerFileMarkdown(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(WithOutputDir(dir))
	files, err := m.Generate(sampleResult(t))
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "src", "main.rs.report.md"), files[0])

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), MarkdownTitle))
	assert.Contains(t, string(data), "## Issue #1")
}

func TestManagerAllFormats(t *testing.T) {
	dir := t.TempDir()
	files, err := NewManager(WithOutputDir(dir), WithFormat(FormatAll), WithFilename("out")).Generate(sampleResult(t))
	require.NoError(t, err)
	assert.Contains(t, files, filepath.Join(dir, "out.json"))
	assert.Contains(t, files, filepath.Join(dir, "out.sarif"))
	assert.Contains(t, files, filepath.Join(dir, "out.txt"))
	for _, f := range files {
		_, err := os.Stat(f)
		assert.NoError(t, err, f)
	}
}

func TestManagerStdout(t *testing.T) {
	var buf bytes.Buffer
	files, err := NewManager(WithStdout(&buf)).Generate(sampleResult(t))
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, 2, strings.Count(buf.String(), MarkdownTitle))
}

func TestReportPath(t *testing.T) {
	assert.Equal(t, filepath.FromSlash("src/main.rs.report.md"), ReportPath("src/main.rs"))
	assert.Equal(t, filepath.FromSlash("abs/x.rs.report.md"), ReportPath("/abs/x.rs"))
	assert.Equal(t, "y.rs.report.md", ReportPath("../../y.rs"))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)
	f, err = ParseFormat("SARIF")
	require.NoError(t, err)
	assert.Equal(t, FormatSARIF, f)
	_, err = ParseFormat("html")
	assert.Error(t, err)
}

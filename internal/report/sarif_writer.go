package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/LliminM/rupair/internal/core"
)

const informationURI = "https://github.com/LliminM/rupair"

// SARIFWriter SARIF 格式报告写入器
type SARIFWriter struct {
	writer io.Writer
	pretty bool
}

// NewSARIFWriter 创建新的 SARIF 写入器
func NewSARIFWriter(writer io.Writer, options ...SARIFOption) *SARIFWriter {
	w := &SARIFWriter{
		writer: writer,
		pretty: false,
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// SARIFOption SARIF 选项
type SARIFOption func(*SARIFWriter)

// WithPrettySARIF 启用美化 JSON 输出
func WithPrettySARIF() SARIFOption {
	return func(w *SARIFWriter) {
		w.pretty = true
	}
}

// Write 生成并写入 SARIF 报告
func (w *SARIFWriter) Write(result *ScanResult) error {
	report, err := w.generateSARIFReport(result)
	if err != nil {
		return err
	}
	if w.pretty {
		err = report.PrettyWrite(w.writer)
	} else {
		err = report.Write(w.writer)
	}
	if err != nil {
		return fmt.Errorf("failed to write SARIF report: %w", err)
	}
	return nil
}

// WriteToFile 写入到文件
func (w *SARIFWriter) WriteToFile(result *ScanResult, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	writer := NewSARIFWriter(file, w.options()...)
	return writer.Write(result)
}

// generateSARIFReport 生成 SARIF 2.1.0 报告，每种操作类型一条规则
func (w *SARIFWriter) generateSARIFReport(result *ScanResult) (*sarif.Report, error) {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("failed to create SARIF report: %w", err)
	}

	run := sarif.NewRunWithInformationURI(ToolName, informationURI)
	run.Tool.Driver.WithVersion(Version)
	for _, kind := range []core.OperationKind{
		core.KindRawPointerOffset,
		core.KindRawPointerDerefOffset,
		core.KindSliceIndex,
		core.KindArrayIndex,
	} {
		run.AddRule(string(kind)).
			WithName(ruleName(kind)).
			WithDescription(ruleDescription(kind)).
			WithHelpURI(cweURI(kind.CWE())).
			WithDefaultConfiguration(&sarif.ReportingConfiguration{Level: toSarifLevel(kind.Severity())})
	}

	for _, rep := range result.Reports {
		for _, issue := range rep.Issues() {
			run.AddResult(w.convertIssue(rep.File(), issue))
		}
	}

	report.AddRun(run)
	return report, nil
}

func (w *SARIFWriter) convertIssue(file string, issue Issue) *sarif.Result {
	region := sarif.NewRegion().
		WithStartLine(issue.Location.Line).
		WithStartColumn(issue.Location.Column)
	if issue.Location.EndLine > 0 {
		region.WithEndLine(issue.Location.EndLine).WithEndColumn(issue.Location.EndColumn)
	}

	res := sarif.NewRuleResult(string(issue.Kind)).
		WithMessage(sarif.NewTextMessage(issue.Description)).
		WithLevel(toSarifLevel(issue.Severity)).
		WithLocations([]*sarif.Location{
			sarif.NewLocation().WithPhysicalLocation(
				sarif.NewPhysicalLocation().
					WithArtifactLocation(sarif.NewArtifactLocation().WithUri(file)).
					WithRegion(region),
			),
		})
	res.WithPartialFingerPrints(map[string]interface{}{
		"rupair/location": fmt.Sprintf("%s:%d:%d:%s", file, issue.Location.Line, issue.Location.Column, issue.Kind),
	})

	pb := sarif.NewPropertyBag()
	pb.AddString("verdict", string(issue.Verdict))
	pb.AddString("confidence", issue.Confidence)
	pb.AddString("cwe", issue.CWE)
	pb.AddBoolean("manualReview", issue.ManualReview)
	if issue.Strategy != "" {
		pb.AddString("strategy", string(issue.Strategy))
	}
	if issue.Witness != "" {
		pb.AddString("witness", issue.Witness)
	}
	res.AttachPropertyBag(pb)

	if issue.FixedCode != "" && issue.FixSpan.Valid() {
		deleted := sarif.NewRegion().
			WithByteOffset(int(issue.FixSpan.Start)).
			WithByteLength(int(issue.FixSpan.End - issue.FixSpan.Start))
		change := sarif.NewArtifactChange(sarif.NewArtifactLocation().WithUri(file)).
			WithReplacement(sarif.NewReplacement(deleted).
				WithInsertedContent(sarif.NewArtifactContent().WithText(issue.FixedCode)))
		res.AddFix(sarif.NewFix().
			WithDescriptionText(issue.Suggestion).
			WithArtifactChanges([]*sarif.ArtifactChange{change}))
	}
	return res
}

// toSarifLevel 严重程度到 SARIF level 的映射
func toSarifLevel(severity string) string {
	switch strings.ToLower(severity) {
	case "critical", "high":
		return "error"
	case "medium":
		return "warning"
	default:
		return "note"
	}
}

func ruleName(kind core.OperationKind) string {
	switch kind {
	case core.KindRawPointerOffset:
		return "UncheckedRawPointerWrite"
	case core.KindRawPointerDerefOffset:
		return "UncheckedRawPointerRead"
	case core.KindArrayIndex:
		return "UncheckedArrayIndex"
	}
	return "UncheckedSliceIndex"
}

func ruleDescription(kind core.OperationKind) string {
	switch kind {
	case core.KindRawPointerOffset:
		return "Write through a raw pointer offset that can exceed the bounds of the underlying buffer."
	case core.KindRawPointerDerefOffset:
		return "Read through a raw pointer offset that can exceed the bounds of the underlying buffer."
	case core.KindArrayIndex:
		return "Index into a fixed-size array that can exceed its declared length."
	}
	return "Index into a slice or vector that can exceed its length."
}

func cweURI(cwe string) string {
	return "https://cwe.mitre.org/data/definitions/" + strings.TrimPrefix(cwe, "CWE-") + ".html"
}

// options 获取选项
func (w *SARIFWriter) options() []SARIFOption {
	opts := []SARIFOption{}
	if w.pretty {
		opts = append(opts, WithPrettySARIF())
	}
	return opts
}

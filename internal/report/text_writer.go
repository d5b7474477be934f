package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/LliminM/rupair/internal/verifier"
)

// TextWriter 文本格式报告写入器
type TextWriter struct {
	writer    io.Writer
	verbose   bool
	showStats bool
}

// NewTextWriter 创建新的文本写入器
func NewTextWriter(writer io.Writer, options ...TextOption) *TextWriter {
	w := &TextWriter{
		writer:    writer,
		verbose:   false,
		showStats: true,
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// TextOption 文本选项
type TextOption func(*TextWriter)

// WithVerbose 输出修复建议和 diff
func WithVerbose() TextOption {
	return func(w *TextWriter) {
		w.verbose = true
	}
}

// WithoutStats 禁用统计信息
func WithoutStats() TextOption {
	return func(w *TextWriter) {
		w.showStats = false
	}
}

// Write 生成并写入文本报告
func (w *TextWriter) Write(result *ScanResult) error {
	if result.TotalIssues() == 0 {
		w.writeNoIssues(result)
		return nil
	}

	w.writeHeader(result)

	if w.showStats {
		w.writeStatistics(result)
	}

	return w.writeIssues(result)
}

// WriteToFile 写入到文件
func (w *TextWriter) WriteToFile(result *ScanResult, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	writer := NewTextWriter(file, w.options()...)
	return writer.Write(result)
}

// writeHeader 写入报告标题
func (w *TextWriter) writeHeader(result *ScanResult) {
	fmt.Fprintf(w.writer, "\n")
	fmt.Fprintf(w.writer, "rupair Unsafe Buffer Bounds Analysis\n")
	fmt.Fprintf(w.writer, "====================================\n")
	if result.RunID != "" {
		fmt.Fprintf(w.writer, "Run: %s\n", result.RunID)
	}
	fmt.Fprintf(w.writer, "Scan Time: %s\n\n", result.Duration)
}

// writeNoIssues 写入无问题信息
func (w *TextWriter) writeNoIssues(result *ScanResult) {
	fmt.Fprintf(w.writer, "\nNo out-of-bounds accesses found.\n\n")
	fmt.Fprintf(w.writer, "Scan Summary:\n")
	fmt.Fprintf(w.writer, "  Files scanned: %d\n", result.FilesScanned)
	fmt.Fprintf(w.writer, "  Refuted candidates: %d\n", result.Verdicts[verifier.Refuted])
	fmt.Fprintf(w.writer, "  Duration: %s\n", result.Duration)
	w.writeFailures(result)
	fmt.Fprintf(w.writer, "\n")
}

// writeStatistics 写入统计信息
func (w *TextWriter) writeStatistics(result *ScanResult) {
	severityCount := make(map[string]int)
	filesWithIssues := 0
	for _, rep := range result.Reports {
		if rep.Len() > 0 {
			filesWithIssues++
		}
		for _, issue := range rep.Issues() {
			severityCount[issue.Severity]++
		}
	}

	fmt.Fprintf(w.writer, "Summary:\n")
	fmt.Fprintf(w.writer, "--------\n")
	fmt.Fprintf(w.writer, "Total issues: %d\n", result.TotalIssues())
	fmt.Fprintf(w.writer, "  Critical: %d\n", severityCount["critical"])
	fmt.Fprintf(w.writer, "  High: %d\n", severityCount["high"])
	fmt.Fprintf(w.writer, "  Low: %d\n\n", severityCount["low"])

	fmt.Fprintf(w.writer, "Verdicts: confirmed=%d refuted=%d unknown=%d\n",
		result.Verdicts[verifier.Confirmed], result.Verdicts[verifier.Refuted], result.Verdicts[verifier.Unknown])
	fmt.Fprintf(w.writer, "Files scanned: %d, with issues: %d\n", result.FilesScanned, filesWithIssues)
	w.writeFailures(result)
	fmt.Fprintf(w.writer, "\n")
}

func (w *TextWriter) writeFailures(result *ScanResult) {
	if len(result.Failures) == 0 {
		return
	}
	fmt.Fprintf(w.writer, "Failed files: %d\n", len(result.Failures))
	for _, f := range result.Failures {
		fmt.Fprintf(w.writer, "  - %s: %s\n", f.File, f.Error)
	}
}

// writeIssues 按文件写入问题详情
func (w *TextWriter) writeIssues(result *ScanResult) error {
	for _, rep := range result.Reports {
		if rep.Len() == 0 {
			continue
		}
		fmt.Fprintf(w.writer, "File: %s\n", rep.File())
		fmt.Fprintf(w.writer, "%s\n", strings.Repeat("-", 50))

		tw := tabwriter.NewWriter(w.writer, 0, 8, 2, ' ', 0)
		for _, issue := range rep.Issues() {
			fmt.Fprintf(tw, "  #%d\t%s\t%d:%d\t%s\t%s\n",
				issue.Number,
				strings.ToUpper(issue.Severity),
				issue.Location.Line,
				issue.Location.Column,
				issue.Kind,
				issue.Verdict,
			)
			fmt.Fprintf(tw, "  \t\t\t%s\n", issue.Description)
			if w.verbose {
				fmt.Fprintf(tw, "  \t\t\tFix: %s\n", issue.Suggestion)
				if issue.Witness != "" {
					fmt.Fprintf(tw, "  \t\t\tWitness: %s\n", issue.Witness)
				}
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if w.verbose {
			for _, issue := range rep.Issues() {
				if issue.Patch != "" {
					fmt.Fprintf(w.writer, "\n%s", issue.Patch)
				}
			}
		}
		fmt.Fprintf(w.writer, "\n")
	}
	return nil
}

// options 获取选项
func (w *TextWriter) options() []TextOption {
	opts := []TextOption{}
	if w.verbose {
		opts = append(opts, WithVerbose())
	}
	if !w.showStats {
		opts = append(opts, WithoutStats())
	}
	return opts
}

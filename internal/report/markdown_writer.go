package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// MarkdownTitle 报告标题，下游工具按标题文本解析
const MarkdownTitle = "# rupair Unsafe Buffer Bounds Analysis Report"

// MarkdownWriter 按固定标题结构输出单文件报告
type MarkdownWriter struct {
	writer io.Writer
}

// NewMarkdownWriter 创建 markdown 写入器
func NewMarkdownWriter(writer io.Writer) *MarkdownWriter {
	return &MarkdownWriter{writer: writer}
}

// Write 依次写出每个文件的报告
func (w *MarkdownWriter) Write(result *ScanResult) error {
	for i, rep := range result.Reports {
		if i > 0 {
			if _, err := io.WriteString(w.writer, "\n"); err != nil {
				return err
			}
		}
		if err := w.WriteReport(rep); err != nil {
			return err
		}
	}
	return nil
}

// WriteToFile 写入到文件
func (w *MarkdownWriter) WriteToFile(result *ScanResult, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	return NewMarkdownWriter(file).Write(result)
}

// WriteReport 写出单个文件的报告
func (w *MarkdownWriter) WriteReport(rep *AnalysisReport) error {
	bw := bufio.NewWriter(w.writer)

	fmt.Fprintf(bw, "%s\n\n", MarkdownTitle)
	fmt.Fprintf(bw, "## Analysis Overview\n\n")
	fmt.Fprintf(bw, "- Source File: %s\n", rep.File())
	fmt.Fprintf(bw, "- Total Issues: %d\n", rep.Len())

	for _, issue := range rep.Issues() {
		fmt.Fprintf(bw, "\n## Issue #%d\n\n", issue.Number)
		fmt.Fprintf(bw, "### Location\n\nLine %d\n\n", issue.Location.Line)
		fmt.Fprintf(bw, "### Operation Type\n\n%s\n\n", issue.Kind)
		fmt.Fprintf(bw, "### Description\n\n%s\n\n", issue.Description)
		fmt.Fprintf(bw, "### Fix Suggestion\n\n%s\n\n", issue.Suggestion)
		fmt.Fprintf(bw, "### Original Code\n\n")
		writeFence(bw, issue.OriginalCode)
		if issue.FixedCode != "" {
			fmt.Fprintf(bw, "\n### Fixed Code\n\n")
			writeFence(bw, issue.FixedCode)
		}
	}
	return bw.Flush()
}

// writeFence 代码块；内容里出现 ``` 时加长围栏
func writeFence(w io.Writer, code string) {
	fence := "```"
	for strings.Contains(code, fence) {
		fence += "`"
	}
	fmt.Fprintf(w, "%srust\n%s\n%s\n", fence, strings.TrimRight(code, "\n"), fence)
}

package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/LliminM/rupair/internal/verifier"
)

// JSONReport JSON 格式报告
type JSONReport struct {
	RunID       string                 `json:"run_id,omitempty"`
	GeneratedAt time.Time              `json:"generated_at"`
	Tool        ToolInfo               `json:"tool"`
	Summary     Summary                `json:"summary"`
	Files       []FileReport           `json:"files"`
	Failures    []FileFailure          `json:"failures,omitempty"`
	Statistics  map[string]interface{} `json:"statistics,omitempty"`
}

// ToolInfo 工具信息
type ToolInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Summary 问题统计摘要
type Summary struct {
	Total        int            `json:"total"`
	BySeverity   map[string]int `json:"by_severity"`
	ByKind       map[string]int `json:"by_kind"`
	ByVerdict    map[string]int `json:"by_verdict"`
	FilesScanned int            `json:"files_scanned"`
}

// FileReport 单个文件的问题
type FileReport struct {
	File   string  `json:"file"`
	Issues []Issue `json:"issues"`
}

// JSONWriter JSON 报告写入器
type JSONWriter struct {
	writer       io.Writer
	pretty       bool
	includePatch bool
}

// NewJSONWriter 创建新的 JSON 写入器
func NewJSONWriter(writer io.Writer, options ...JSONOption) *JSONWriter {
	w := &JSONWriter{
		writer:       writer,
		pretty:       false,
		includePatch: true,
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// JSONOption JSON 选项
type JSONOption func(*JSONWriter)

// WithPrettyJSON 启用美化 JSON 输出
func WithPrettyJSON() JSONOption {
	return func(w *JSONWriter) {
		w.pretty = true
	}
}

// WithoutPatch 不输出 diff
func WithoutPatch() JSONOption {
	return func(w *JSONWriter) {
		w.includePatch = false
	}
}

// Write 生成并写入报告
func (w *JSONWriter) Write(result *ScanResult) error {
	report := w.generateReport(result)

	var data []byte
	var err error

	if w.pretty {
		data, err = json.MarshalIndent(report, "", "  ")
	} else {
		data, err = json.Marshal(report)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON report: %w", err)
	}

	data = append(data, '\n')
	_, err = w.writer.Write(data)
	return err
}

// WriteToFile 写入到文件
func (w *JSONWriter) WriteToFile(result *ScanResult, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	writer := NewJSONWriter(file, w.options()...)
	return writer.Write(result)
}

// generateReport 生成报告数据
func (w *JSONWriter) generateReport(result *ScanResult) *JSONReport {
	report := &JSONReport{
		RunID:       result.RunID,
		GeneratedAt: time.Now(),
		Tool: ToolInfo{
			Name:        ToolName,
			Version:     Version,
			Description: "Unsafe buffer bounds analysis and repair for Rust",
		},
		Summary: Summary{
			Total:        result.TotalIssues(),
			BySeverity:   make(map[string]int),
			ByKind:       make(map[string]int),
			ByVerdict:    make(map[string]int),
			FilesScanned: result.FilesScanned,
		},
		Files:      make([]FileReport, 0, len(result.Reports)),
		Failures:   result.Failures,
		Statistics: make(map[string]interface{}),
	}

	for _, rep := range result.Reports {
		issues := rep.Issues()
		for i := range issues {
			report.Summary.BySeverity[issues[i].Severity]++
			report.Summary.ByKind[string(issues[i].Kind)]++
			if !w.includePatch {
				issues[i].Patch = ""
			}
		}
		report.Files = append(report.Files, FileReport{File: rep.File(), Issues: issues})
	}
	for verdict, n := range result.Verdicts {
		report.Summary.ByVerdict[string(verdict)] = n
	}

	// 添加统计信息
	report.Statistics["scan_duration"] = result.Duration.String()
	report.Statistics["confirmed"] = result.Verdicts[verifier.Confirmed]
	report.Statistics["refuted"] = result.Verdicts[verifier.Refuted]
	report.Statistics["unknown"] = result.Verdicts[verifier.Unknown]

	return report
}

// options 获取选项
func (w *JSONWriter) options() []JSONOption {
	opts := []JSONOption{}
	if w.pretty {
		opts = append(opts, WithPrettyJSON())
	}
	if !w.includePatch {
		opts = append(opts, WithoutPatch())
	}
	return opts
}

package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Format 报告格式类型
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatText     Format = "text"
	FormatSARIF    Format = "sarif"
	FormatAll      Format = "all"
)

// Writer 报告写入器接口
type Writer interface {
	Write(result *ScanResult) error
	WriteToFile(result *ScanResult, filename string) error
}

// Manager 报告管理器
// 输出目录为空时所有报告写到 stdout
type Manager struct {
	format    Format
	outputDir string
	timestamp bool
	filename  string
	pretty    bool
	stdout    io.Writer
}

// ManagerOption 管理器选项
type ManagerOption func(*Manager)

// WithFormat 设置报告格式
func WithFormat(format Format) ManagerOption {
	return func(m *Manager) {
		m.format = format
	}
}

// WithOutputDir 设置输出目录
func WithOutputDir(dir string) ManagerOption {
	return func(m *Manager) {
		m.outputDir = dir
	}
}

// WithTimestamp 添加时间戳到汇总报告文件名
func WithTimestamp() ManagerOption {
	return func(m *Manager) {
		m.timestamp = true
	}
}

// WithFilename 设置汇总报告的文件名（不含扩展名）
func WithFilename(filename string) ManagerOption {
	return func(m *Manager) {
		m.filename = filename
	}
}

// WithPretty 美化 JSON 和 SARIF 输出
func WithPretty() ManagerOption {
	return func(m *Manager) {
		m.pretty = true
	}
}

// WithStdout 替换标准输出
func WithStdout(w io.Writer) ManagerOption {
	return func(m *Manager) {
		m.stdout = w
	}
}

// NewManager 创建新的报告管理器
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		format: FormatMarkdown,
		stdout: os.Stdout,
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// CreateWriter 创建报告写入器
func (m *Manager) CreateWriter(format Format, writer io.Writer) (Writer, error) {
	switch format {
	case FormatMarkdown:
		return NewMarkdownWriter(writer), nil
	case FormatJSON:
		if m.pretty {
			return NewJSONWriter(writer, WithPrettyJSON()), nil
		}
		return NewJSONWriter(writer), nil
	case FormatText:
		return NewTextWriter(writer, WithVerbose()), nil
	case FormatSARIF:
		if m.pretty {
			return NewSARIFWriter(writer, WithPrettySARIF()), nil
		}
		return NewSARIFWriter(writer), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// Generate 生成报告，返回写出的文件路径
func (m *Manager) Generate(result *ScanResult) ([]string, error) {
	var formats []Format
	switch m.format {
	case FormatAll:
		formats = []Format{FormatMarkdown, FormatJSON, FormatText, FormatSARIF}
	case FormatMarkdown, FormatJSON, FormatText, FormatSARIF:
		formats = []Format{m.format}
	default:
		return nil, fmt.Errorf("unsupported format: %s", m.format)
	}

	if m.outputDir != "" {
		if err := os.MkdirAll(m.outputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	var outputFiles []string
	for _, format := range formats {
		files, err := m.generateSingleFormat(result, format)
		if err != nil {
			return nil, err
		}
		outputFiles = append(outputFiles, files...)
	}
	return outputFiles, nil
}

// generateSingleFormat 生成单个格式的报告
func (m *Manager) generateSingleFormat(result *ScanResult, format Format) ([]string, error) {
	writer, err := m.CreateWriter(format, m.stdout)
	if err != nil {
		return nil, err
	}
	if m.outputDir == "" {
		if err := writer.Write(result); err != nil {
			return nil, fmt.Errorf("failed to write %s report: %w", format, err)
		}
		return nil, nil
	}

	// markdown 每个源文件一份
	if format == FormatMarkdown {
		return m.writeMarkdownFiles(result)
	}

	filePath := filepath.Join(m.outputDir, m.generateFilename(format))
	if err := writer.WriteToFile(result, filePath); err != nil {
		return nil, fmt.Errorf("failed to write %s report: %w", format, err)
	}
	return []string{filePath}, nil
}

func (m *Manager) writeMarkdownFiles(result *ScanResult) ([]string, error) {
	var files []string
	for _, rep := range result.Reports {
		filePath := filepath.Join(m.outputDir, ReportPath(rep.File()))
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
		file, err := os.Create(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create report file: %w", err)
		}
		werr := NewMarkdownWriter(file).WriteReport(rep)
		cerr := file.Close()
		if werr != nil {
			return nil, fmt.Errorf("failed to write markdown report: %w", werr)
		}
		if cerr != nil {
			return nil, fmt.Errorf("failed to write markdown report: %w", cerr)
		}
		files = append(files, filePath)
	}
	return files, nil
}

// ReportPath 源文件对应的报告相对路径：<file>.report.md
func ReportPath(source string) string {
	return RelativePath(source) + ".report.md"
}

// RelativePath 去掉绝对路径和 .. 前缀，使输出始终落在目标目录内
func RelativePath(source string) string {
	p := filepath.ToSlash(filepath.Clean(source))
	p = strings.TrimPrefix(p, filepath.ToSlash(filepath.VolumeName(p)))
	for {
		switch {
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		case strings.HasPrefix(p, "../"):
			p = p[3:]
		default:
			return filepath.FromSlash(p)
		}
	}
}

// generateFilename 生成汇总报告文件名
func (m *Manager) generateFilename(format Format) string {
	baseName := "rupair_report"
	if m.filename != "" {
		baseName = m.filename
	}

	if m.timestamp {
		baseName = fmt.Sprintf("%s_%s", baseName, time.Now().Format("20060102_150405"))
	}

	return baseName + formatExtension(format)
}

func formatExtension(format Format) string {
	switch format {
	case FormatJSON:
		return ".json"
	case FormatSARIF:
		return ".sarif"
	case FormatText:
		return ".txt"
	}
	return ".md"
}

// ParseFormat 解析格式字符串
func ParseFormat(formatStr string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "markdown", "md", "":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "text":
		return FormatText, nil
	case "sarif":
		return FormatSARIF, nil
	case "all":
		return FormatAll, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", formatStr)
	}
}

// SupportedFormats 获取支持的格式列表
func SupportedFormats() []Format {
	return []Format{FormatMarkdown, FormatJSON, FormatText, FormatSARIF, FormatAll}
}

// FormatDescription 获取格式描述
func FormatDescription(format Format) string {
	descriptions := map[Format]string{
		FormatMarkdown: "Markdown format - One report per source file",
		FormatJSON:     "JSON format - Machine-readable output",
		FormatText:     "Text format - Human-readable console output",
		FormatSARIF:    "SARIF format - Static Analysis Results Interchange Format",
		FormatAll:      "All formats - Generate reports in all supported formats",
	}

	if desc, ok := descriptions[format]; ok {
		return desc
	}

	return "Unknown format"
}

// Package logging 基于 hclog 的日志构建
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// LevelEnv 日志级别环境变量，优先于配置
const LevelEnv = "RUPAIR_LOG_LEVEL"

// Options 日志选项
type Options struct {
	Name   string
	Level  string
	JSON   bool
	Output io.Writer // 默认 stderr，stdout 留给报告
}

// New 创建根日志器
func New(opts Options) hclog.Logger {
	if opts.Name == "" {
		opts.Name = "rupair"
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:        opts.Name,
		Level:       determineLogLevel(opts.Level),
		JSONFormat:  opts.JSON,
		Output:      opts.Output,
		DisableTime: !opts.JSON,
	})
}

// determineLogLevel 环境变量优先，其次是配置，缺省为 INFO
func determineLogLevel(configured string) hclog.Level {
	if env := os.Getenv(LevelEnv); env != "" {
		return ParseLevel(env)
	}
	return ParseLevel(configured)
}

// ParseLevel 解析日志级别，无法识别时为 INFO
func ParseLevel(level string) hclog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return hclog.Trace
	case "DEBUG":
		return hclog.Debug
	case "WARN", "WARNING":
		return hclog.Warn
	case "ERROR":
		return hclog.Error
	case "OFF":
		return hclog.Off
	default:
		return hclog.Info
	}
}

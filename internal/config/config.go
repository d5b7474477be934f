// Package config 运行配置：默认值、配置文件、RUPAIR_ 环境变量与命令行参数
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/LliminM/rupair/internal/rectifier"
	"github.com/LliminM/rupair/internal/report"
	"github.com/LliminM/rupair/internal/smt"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "RUPAIR"

// Config 完整的运行配置
type Config struct {
	FlowIR      bool          `json:"flow_ir" mapstructure:"flow_ir"`
	IRDir       string        `json:"ir_dir" mapstructure:"ir_dir"`
	Solver      SolverConfig  `json:"solver" mapstructure:"solver"`
	Report      ReportConfig  `json:"report" mapstructure:"report"`
	Rectify     RectifyConfig `json:"rectify" mapstructure:"rectify"`
	Workers     int           `json:"workers" mapstructure:"workers"`
	Include     []string      `json:"include" mapstructure:"include"`
	Exclude     []string      `json:"exclude" mapstructure:"exclude"`
	Log         LogConfig     `json:"log" mapstructure:"log"`
	MetricsFile string        `json:"metrics_file" mapstructure:"metrics_file"`
	TraceFile   string        `json:"trace_file" mapstructure:"trace_file"`
}

// SolverConfig 求解器配置
type SolverConfig struct {
	Backend  string        `json:"backend" mapstructure:"backend"`
	Command  string        `json:"command" mapstructure:"command"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxNodes int           `json:"max_nodes" mapstructure:"max_nodes"`
}

// ReportConfig 报告配置
type ReportConfig struct {
	IncludeUnknown bool   `json:"include_unknown" mapstructure:"include_unknown"`
	Format         string `json:"format" mapstructure:"format"`
	OutputDir      string `json:"output_dir" mapstructure:"output_dir"`
	Pretty         bool   `json:"pretty" mapstructure:"pretty"`
}

// RectifyConfig 修复配置
type RectifyConfig struct {
	FailurePolicy string `json:"failure_policy" mapstructure:"failure_policy"`
	FixedDir      string `json:"fixed_dir" mapstructure:"fixed_dir"` // 非空时写出修复后的源文件
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `json:"level" mapstructure:"level"`
	JSON  bool   `json:"json" mapstructure:"json"`
}

// DefaultInclude 默认包含的文件
var DefaultInclude = []string{"**/*.rs"}

// DefaultExclude 默认排除的目录
var DefaultExclude = []string{"**/target/**", "**/.git/**"}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FlowIR: true,
		Solver: SolverConfig{
			Backend:  string(smt.BackendNative),
			Command:  smt.DefaultCommand,
			Timeout:  2 * time.Second,
			MaxNodes: 200000,
		},
		Report: ReportConfig{
			Format: string(report.FormatMarkdown),
		},
		Rectify: RectifyConfig{
			FailurePolicy: string(rectifier.PolicyPanic),
		},
		Include: append([]string(nil), DefaultInclude...),
		Exclude: append([]string(nil), DefaultExclude...),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// NewViper 创建带默认值和环境变量绑定的 viper 实例
// RUPAIR_SOLVER_TIMEOUT 对应 solver.timeout
func NewViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault("flow_ir", d.FlowIR)
	v.SetDefault("ir_dir", d.IRDir)
	v.SetDefault("solver.backend", d.Solver.Backend)
	v.SetDefault("solver.command", d.Solver.Command)
	v.SetDefault("solver.timeout", d.Solver.Timeout)
	v.SetDefault("solver.max_nodes", d.Solver.MaxNodes)
	v.SetDefault("report.include_unknown", d.Report.IncludeUnknown)
	v.SetDefault("report.format", d.Report.Format)
	v.SetDefault("report.output_dir", d.Report.OutputDir)
	v.SetDefault("report.pretty", d.Report.Pretty)
	v.SetDefault("rectify.failure_policy", d.Rectify.FailurePolicy)
	v.SetDefault("rectify.fixed_dir", d.Rectify.FixedDir)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("include", d.Include)
	v.SetDefault("exclude", d.Exclude)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("metrics_file", d.MetricsFile)
	v.SetDefault("trace_file", d.TraceFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取配置文件并解析
// file 为空时在当前目录查找 .rupair.{yaml,toml,json}，找不到则只用默认值和环境变量
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(".rupair")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case file == "" && errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置是否合法
func (c *Config) Validate() error {
	if _, err := smt.ParseBackend(c.Solver.Backend); err != nil {
		return &ConfigError{Field: "solver.backend", Message: err.Error()}
	}
	if c.Solver.Timeout <= 0 {
		return &ConfigError{Field: "solver.timeout", Message: "must be positive"}
	}
	if c.Solver.MaxNodes < 0 {
		return &ConfigError{Field: "solver.max_nodes", Message: "must not be negative"}
	}
	if _, err := report.ParseFormat(c.Report.Format); err != nil {
		return &ConfigError{Field: "report.format", Message: err.Error()}
	}
	if _, err := rectifier.ParsePolicy(c.Rectify.FailurePolicy); err != nil {
		return &ConfigError{Field: "rectify.failure_policy", Message: err.Error()}
	}
	if c.Workers < 0 {
		return &ConfigError{Field: "workers", Message: "must not be negative"}
	}
	return nil
}

// SolverOptions 转换为求解器选项
func (c *Config) SolverOptions() smt.Options {
	backend, _ := smt.ParseBackend(c.Solver.Backend)
	return smt.Options{
		Backend:  backend,
		Command:  c.Solver.Command,
		Timeout:  c.Solver.Timeout,
		MaxNodes: c.Solver.MaxNodes,
	}
}

// ConfigError 配置错误
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}

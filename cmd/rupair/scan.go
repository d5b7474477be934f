package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LliminM/rupair/internal/config"
	"github.com/LliminM/rupair/internal/logging"
	"github.com/LliminM/rupair/internal/metrics"
	"github.com/LliminM/rupair/internal/report"
	"github.com/LliminM/rupair/internal/scanner"
	"github.com/LliminM/rupair/internal/source"
)

// scanKeys scan 命令参数对应的配置键
var scanKeys = map[string]string{
	"flow_ir":                "flow-ir",
	"ir_dir":                 "ir-dir",
	"solver.backend":         "solver",
	"solver.command":         "solver-command",
	"solver.timeout":         "timeout",
	"solver.max_nodes":       "max-nodes",
	"report.include_unknown": "include-unknown",
	"report.format":          "format",
	"report.output_dir":      "output-dir",
	"report.pretty":          "pretty",
	"rectify.failure_policy": "failure-policy",
	"rectify.fixed_dir":      "fixed-dir",
	"workers":                "workers",
	"include":                "include",
	"exclude":                "exclude",
	"metrics_file":           "metrics-file",
	"trace_file":             "trace-file",
}

// scanOptions 只作用于输出文件命名的参数，不进入配置
type scanOptions struct {
	timestamp bool
	filename  string
}

func newScanCmd(state *cliState) *cobra.Command {
	opts := &scanOptions{}
	d := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Analyze Rust sources and write bounds reports",
		Long: `Analyze the given Rust files or directories (default: the working directory).
Each source gets a markdown report listing the confirmed out-of-bounds accesses
together with a guarded rewrite or a manual-review marker.`,
		Example: `  rupair scan src/
  rupair scan --output-dir reports --format all src/lib.rs
  rupair scan --include-unknown --solver auto --timeout 5s .`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, state, opts, args)
		},
	}

	f := cmd.Flags()
	f.Bool("flow-ir", d.FlowIR, "Run the flow-sensitive detection pass")
	f.String("ir-dir", d.IRDir, "Directory holding external IR documents (<file>.ir.yaml)")
	f.String("solver", d.Solver.Backend, "Solver backend: native, process (z3), auto")
	f.String("solver-command", d.Solver.Command, "Command line of the process solver")
	f.Duration("timeout", d.Solver.Timeout, "Solver timeout per candidate")
	f.Int("max-nodes", d.Solver.MaxNodes, "Search budget of the native solver")
	f.Bool("include-unknown", d.Report.IncludeUnknown, "Report candidates the solver could not decide")
	f.StringP("format", "f", d.Report.Format, "Report format: markdown, json, text, sarif, all")
	f.StringP("output-dir", "o", d.Report.OutputDir, "Directory for reports (default: stdout)")
	f.Bool("pretty", d.Report.Pretty, "Indent JSON and SARIF reports")
	f.String("failure-policy", d.Rectify.FailurePolicy, "Else branch of generated guards: panic or log")
	f.String("fixed-dir", d.Rectify.FixedDir, "Write rectified copies of the sources to this directory")
	f.IntP("workers", "j", d.Workers, "Files analyzed in parallel (0 = number of CPUs)")
	f.StringSlice("include", d.Include, "Glob patterns of files to analyze")
	f.StringSlice("exclude", d.Exclude, "Glob patterns of files and directories to skip")
	f.String("metrics-file", d.MetricsFile, "Write Prometheus metrics to this file")
	f.String("trace-file", d.TraceFile, "Write OpenTelemetry spans to this file")
	f.BoolVar(&opts.timestamp, "timestamp", false, "Add a timestamp to aggregate report file names")
	f.StringVar(&opts.filename, "filename", "", "Base name of aggregate report files")

	return cmd
}

func runScan(cmd *cobra.Command, state *cliState, opts *scanOptions, args []string) error {
	cfg, err := state.load(cmd, scanKeys)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		JSON:   cfg.Log.JSON,
		Output: cmd.ErrOrStderr(),
	})

	if len(args) == 0 {
		args = []string{"."}
	}
	files, err := source.Discover(args, source.Filter{Include: cfg.Include, Exclude: cfg.Exclude})
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Warn("no Rust sources found", "paths", args)
	}

	rc, err := scanner.NewRunContext(cfg,
		scanner.WithLogger(logger),
		scanner.WithMetrics(metrics.New(metrics.WithRuntimeStats())),
	)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rc.Close(ctx); err != nil {
			logger.Warn("failed to flush run telemetry", "error", err)
		}
	}()

	summary, err := rc.ScanFiles(cmd.Context(), files)
	if err != nil {
		return fmt.Errorf("scan interrupted: %w", err)
	}

	format, _ := report.ParseFormat(cfg.Report.Format)
	mgrOpts := []report.ManagerOption{
		report.WithFormat(format),
		report.WithOutputDir(cfg.Report.OutputDir),
		report.WithStdout(cmd.OutOrStdout()),
	}
	if cfg.Report.Pretty {
		mgrOpts = append(mgrOpts, report.WithPretty())
	}
	if opts.timestamp {
		mgrOpts = append(mgrOpts, report.WithTimestamp())
	}
	if opts.filename != "" {
		mgrOpts = append(mgrOpts, report.WithFilename(opts.filename))
	}
	outputs, err := report.NewManager(mgrOpts...).Generate(summary.ScanResult())
	if err != nil {
		return err
	}
	for _, out := range outputs {
		logger.Info("report written", "path", out)
	}

	if cfg.Rectify.FixedDir != "" {
		written, err := summary.WriteFixed(cfg.Rectify.FixedDir)
		if err != nil {
			return err
		}
		logger.Info("rectified sources written", "dir", cfg.Rectify.FixedDir, "files", len(written))
	}

	for _, failure := range summary.Failures {
		logger.Error("file not analyzed", "file", failure.File, "error", failure.Error)
	}
	return nil
}

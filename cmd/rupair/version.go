package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/LliminM/rupair/internal/report"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s/%s)\n",
				report.ToolName, report.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List supported report formats",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Supported output formats:")
			for _, f := range report.SupportedFormats() {
				fmt.Fprintf(out, "  %-8s - %s\n", f, report.FormatDescription(f))
			}
		},
	}
}

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LliminM/rupair/internal/config"
	"github.com/LliminM/rupair/internal/report"
)

// cliState 一次命令调用共享的配置来源
type cliState struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	state := &cliState{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "rupair",
		Short: "rupair - bounds analysis and repair for unsafe Rust buffer accesses",
		Long: `rupair finds raw-pointer and index accesses inside unsafe Rust code, decides with a
constraint solver whether they can go out of bounds, and proposes guarded rewrites for the
accesses that can.`,
		Version:       report.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate("rupair version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&state.configFile, "config", "c", "",
		"Config file (default: .rupair.{yaml,toml,json} in the working directory)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: trace, debug, info, warn, error, off")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(newScanCmd(state))
	rootCmd.AddCommand(newSolverCmd(state))
	rootCmd.AddCommand(newFormatsCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// persistentKeys 根命令上的全局参数
var persistentKeys = map[string]string{
	"log.level": "log-level",
	"log.json":  "log-json",
}

// load 绑定当前命令的参数，然后合并默认值、配置文件、环境变量与命令行参数
func (s *cliState) load(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	if err := bindFlags(s.v, cmd.Flags(), persistentKeys); err != nil {
		return nil, err
	}
	if err := bindFlags(s.v, cmd.Flags(), keys); err != nil {
		return nil, err
	}
	return config.Load(s.v, s.configFile)
}

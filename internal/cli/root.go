// Package cli 是 sham 命令行的实现
package cli

import (
	"github.com/cdfmlr/sham"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagTraceDB   string
	flagLogLevel  string
	flagLogFormat string
)

// NewRootCmd 创建 sham 的根命令
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sham",
		Short: "sham: a simulated single-core kernel thread scheduler",
		Long: `sham simulates a single-core kernel: a decay priority queue scheduler,
thread lifecycle, timer interrupts and x86 start frames.

Scenarios (processes, priorities and thread behaviors) are described in YAML.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "YAML config / scenario file")
	root.PersistentFlags().StringVar(&flagTraceDB, "trace-db", "", "SQLite file to record the scheduling history in")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides the config")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format (text, json); overrides the config")

	root.AddCommand(
		newRunCmd(),
		newRunsCmd(),
		newConfigCmd(),
	)

	return root
}

// loadConfig 读取 --config（没有就用默认配置），应用日志相关的 flag
func loadConfig() (sham.Config, error) {
	config := sham.DefaultConfig()
	if flagConfig != "" {
		var err error
		if config, err = sham.LoadConfig(flagConfig); err != nil {
			return sham.Config{}, err
		}
	}
	if flagLogLevel != "" {
		config.Log.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		config.Log.Format = flagLogFormat
	}
	if err := sham.SetupLogging(config.Log); err != nil {
		return sham.Config{}, err
	}
	return config, nil
}

// Package cmd wires the engine's CLI.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/michaellee1/ClaudeGod-sub002/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "claudegod",
	Short: "Task orchestration engine for autonomous coding agents",
	Long: `ClaudeGod runs coding-agent tasks in isolated git worktrees: each task
gets its own branch and working directory, agent phases (planner, editor,
reviewer) run as supervised subprocesses, and finished branches are merged
back into main under a global FIFO merge lock.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/claudegod/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/claudegod")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CLAUDEGOD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Missing config files are fine; defaults and env cover everything.
	_ = viper.ReadInConfig()
}

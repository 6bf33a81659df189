package main

import (
	"github.com/spf13/cobra"

	"callbot/internal/config"
	logx "callbot/pkg/logx"
)

var (
	// set with -ldflags "-X main.version=..."
	version = "dev"
	commit  = ""
)

type rootFlags struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "callbot",
		Short:         "Posts encrypted radio call activity from OpenMHz as threaded social posts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, f)
		},
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.PersistentFlags().StringSliceVar(&f.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config (existing env wins)")

	root.AddCommand(newRunCmd(f))
	root.AddCommand(newCheckCmd(f))
	root.AddCommand(newRenderCmd(f))
	root.AddCommand(newVersionCmd())
	return root
}

// configManager loads dotenv files and returns a manager for the config path.
func (f *rootFlags) configManager() *config.ConfigManager {
	config.LoadDotEnv(logx.NewConsole("info"), f.envFiles...)
	return config.NewConfigManager(f.configPath)
}

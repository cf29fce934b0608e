package commands

import (
	"github.com/spf13/cobra"

	"github.com/meow-io/go-identd/config"
)

var (
	configPath string
	rootDir    string
	debug      bool

	cfg *config.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:          "identd",
		Short:        "Matrix identity server for 3PID lookups and invitations",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var opts []config.Option
			if cmd.Flags().Changed("root-dir") {
				opts = append(opts, config.WithRootDir(rootDir))
			}
			if cmd.Flags().Changed("debug") {
				opts = append(opts, config.WithDebug(debug))
			}
			c, err := config.Load(configPath, opts...)
			if err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&rootDir, "root-dir", "", "directory for data, keys and logs")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(runCmd(), keyCmd())
	return root.Execute()
}

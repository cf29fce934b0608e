package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	identd "github.com/meow-io/go-identd"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the identity server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server, err := identd.New(cfg)
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			return server.Shutdown()
		},
	}
}

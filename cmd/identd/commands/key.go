package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	identd "github.com/meow-io/go-identd"
)

func keyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print the server signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := identd.New(cfg)
			if err != nil {
				return err
			}
			id, pub, err := server.ServerKey()
			if err != nil {
				return multierr.Append(err, server.Shutdown())
			}
			fmt.Printf("%s %s\n", id.ID(), pub)
			return server.Shutdown()
		},
	}
}

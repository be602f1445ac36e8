package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Probe a managed system with an ASF Presence Ping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			remote, err := remoteAddr()
			if err != nil {
				return err
			}

			mgr, err := newManager()
			if err != nil {
				return err
			}
			defer mgr.Close(cmd.Context()) //nolint:errcheck // best-effort teardown

			handle, err := mgr.CreateConnection(remote, 0)
			if err != nil {
				return err
			}

			if err := mgr.Ping(cmd.Context(), handle); err != nil {
				return fmt.Errorf("ping %s: %w", remote, err)
			}

			fmt.Printf("%s is present\n", remote)
			return nil
		},
	}
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// suiteListing is the YAML-serialisable view of one cipher suite.
type suiteListing struct {
	ID              uint8  `yaml:"id"`
	Authentication  string `yaml:"authentication"`
	Integrity       string `yaml:"integrity"`
	Confidentiality string `yaml:"confidentiality"`
}

func ciphersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ciphers",
		Short: "List the cipher suites a managed system supports",
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

			suites, err := mgr.GetAvailableCipherSuites(cmd.Context(), handle)
			if err != nil {
				return fmt.Errorf("get cipher suites from %s: %w", remote, err)
			}

			listings := make([]suiteListing, 0, len(suites))
			for _, cs := range suites {
				listings = append(listings, suiteListing{
					ID:              cs.ID,
					Authentication:  cs.Auth.String(),
					Integrity:       cs.Integrity.String(),
					Confidentiality: cs.Conf.String(),
				})
			}

			return yaml.NewEncoder(os.Stdout).Encode(listings)
		},
	}
}

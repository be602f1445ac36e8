package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/goipmi/internal/ipmi"
)

func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Establish a session and print the BMC device identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			remote, err := remoteAddr()
			if err != nil {
				return err
			}
			suite, err := ipmi.SuiteByID(suiteID)
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

			resp, err := runDeviceID(cmd.Context(), mgr, handle, suite)
			if err != nil {
				return err
			}

			if len(resp.Data) < 5 {
				return fmt.Errorf("device id response: %d bytes", len(resp.Data))
			}
			fmt.Printf("device id:        0x%02x\n", resp.Data[0])
			fmt.Printf("device revision:  0x%02x\n", resp.Data[1]&0x0f)
			fmt.Printf("firmware:         %d.%02x\n", resp.Data[2]&0x7f, resp.Data[3])
			fmt.Printf("ipmi version:     %d.%d\n", resp.Data[4]&0x0f, resp.Data[4]>>4)
			return nil
		},
	}
}

// runDeviceID walks the five public stages: discovery, capabilities,
// session establishment, command, disconnect.
func runDeviceID(
	ctx context.Context,
	mgr *ipmi.Manager,
	handle int,
	suite ipmi.CipherSuite,
) (*ipmi.CommandResponse, error) {
	if _, err := mgr.GetAvailableCipherSuites(ctx, handle); err != nil {
		return nil, err
	}

	privilege := ipmi.PrivilegeAdministrator
	if _, err := mgr.GetChannelAuthenticationCapabilities(ctx, handle, suite, privilege); err != nil {
		return nil, err
	}

	creds := ipmi.Credentials{Username: username, Password: []byte(password)}
	if err := mgr.StartSession(ctx, handle, suite, privilege, creds); err != nil {
		return nil, err
	}
	defer mgr.Disconnect(ctx, handle) //nolint:errcheck // best-effort teardown

	resp, err := mgr.SendCommand(ctx, handle, ipmi.NewGetDeviceIDCommand())
	if err != nil {
		return nil, err
	}
	if err := resp.Completion.Check(); err != nil {
		return nil, err
	}
	return resp, nil
}

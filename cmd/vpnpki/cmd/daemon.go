package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/vpnpki/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Configure on first use and start the OpenVPN container",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			if err := svc.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Started")
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the OpenVPN container",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			if err := svc.Stop(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
			return nil
		})
	},
}

var (
	statusTail int
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the instance, its CRL and the container with recent logs",
	Long: `Prints the instance summary and the container state. Container problems,
including a missing runtime, are reported in the output and never fail the
command. Neither does an instance that cannot be opened, for example while
serve holds the journal: it is reported as unavailable. Only an invalid
configuration exits non-zero.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		svc, err := openService(cmd, cfg)
		if err != nil {
			return printUnavailable(cmd.OutOrStdout(), cfg.Instance, err)
		}
		defer svc.Close()

		st := svc.Status(cmd.Context(), statusTail)
		if statusJSON {
			return writeJSON(cmd.OutOrStdout(), st)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

// unavailableStatus is the status document of an instance that could not be
// opened.
type unavailableStatus struct {
	Instance string `json:"instance"`
	Error    string `json:"error"`
}

func printUnavailable(w io.Writer, instance string, cause error) error {
	if statusJSON {
		return writeJSON(w, unavailableStatus{Instance: instance, Error: cause.Error()})
	}
	fmt.Fprintf(w, "Instance: %s unavailable: %v\n", instance, cause)
	return nil
}

func printStatus(w io.Writer, st service.Status) {
	info := st.Instance
	fmt.Fprintf(w, "Instance: %s (%s)\n", info.ID, info.Phase)
	if info.Server != nil {
		fmt.Fprintf(w, "Server:   %s\n", info.Server)
	}
	if info.CA != nil {
		fmt.Fprintf(w, "CA:       %s, expires %s\n", info.CA.Fingerprint, info.CA.NotAfter.Format(time.DateOnly))
	}
	if info.CRL != nil {
		stale := ""
		if info.CRLStale {
			stale = " (stale)"
		}
		fmt.Fprintf(w, "CRL:      #%d, next update %s%s\n", info.CRL.Number, info.CRL.NextUpdate.Format(time.RFC3339), stale)
	}
	fmt.Fprintf(w, "Clients:  %d active, %d revoked\n", info.ActiveClients, info.RevokedClients)

	c := st.Container
	switch {
	case st.ContainerError != "":
		fmt.Fprintf(w, "Container: unavailable: %s\n", st.ContainerError)
	case !c.Exists:
		fmt.Fprintf(w, "Container: %s not created\n", c.Name)
	default:
		fmt.Fprintf(w, "Container: %s %s", c.Name, c.Status)
		if c.Running && !c.StartedAt.IsZero() {
			fmt.Fprintf(w, " since %s", c.StartedAt.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}
	if len(c.Logs) > 0 {
		fmt.Fprintln(w)
		for _, line := range c.Logs {
			fmt.Fprintln(w, line)
		}
	}
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	statusCmd.Flags().IntVar(&statusTail, "tail", 50, "number of container log lines to show")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
}

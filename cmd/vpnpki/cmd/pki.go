package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/scylladb/termtables"
	"github.com/spf13/cobra"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/pki"
	"github.com/jmcleod/vpnpki/service"
)

var initCmd = &cobra.Command{
	Use:   "init <server-url>",
	Short: "Create the CA, server certificate and first CRL",
	Long: `Initializes the instance for a server reachable at proto://host[:port],
for example udp://vpn.example.com or tcp://vpn.example.com:443.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			info, err := svc.Init(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized %s for %s\n", info.ID, info.Server)
			fmt.Fprintf(out, "CA fingerprint: %s\n", info.CA.Fingerprint)
			return nil
		})
	},
}

var clientAddCmd = &cobra.Command{
	Use:   "client-add <name>",
	Short: "Issue a client certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			rec, err := svc.AddClient(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (serial %s)\n", rec.Name, rec.Serial)
			return nil
		})
	},
}

var (
	clientGetOutput string
	clientGetZip    bool
)

var clientGetCmd = &cobra.Command{
	Use:   "client-get <name>",
	Short: "Print or save a client's OpenVPN profile",
	Long: `Prints the inline .ovpn profile for an active client, or writes it to
the file named by -o. With --zip the bundle archive (certificates, key and
both profile styles) is written instead and -o is required.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if clientGetZip && clientGetOutput == "" {
			return errs.Errorf("cmd.client_get", errs.InvalidInput, "--zip needs -o <file>")
		}
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			var (
				data []byte
				err  error
			)
			if clientGetZip {
				data, err = svc.ClientArchive(ctx, args[0])
			} else {
				data, err = svc.ClientConfig(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if clientGetOutput == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			// The profile embeds the private key.
			if err := os.WriteFile(clientGetOutput, data, 0o600); err != nil {
				return errs.E("cmd.client_get", errs.Unknown, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", clientGetOutput)
			return nil
		})
	},
}

var clientListJSON bool

var clientListCmd = &cobra.Command{
	Use:   "client-list",
	Short: "List client certificates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			clients, err := svc.ListClients(ctx)
			switch {
			case errs.Is(err, errs.NotInitialized), errs.Is(err, errs.Corrupted):
				// No registry yet means no clients; the cause goes to stderr.
				fmt.Fprintf(cmd.ErrOrStderr(), "Note: %v\n", err)
				clients = nil
			case err != nil:
				return err
			}
			if clients == nil {
				clients = []pki.ClientRecord{}
			}
			if clientListJSON {
				return writeJSON(cmd.OutOrStdout(), clients)
			}
			renderClients(cmd.OutOrStdout(), clients)
			return nil
		})
	},
}

func renderClients(w io.Writer, clients []pki.ClientRecord) {
	if len(clients) == 0 {
		fmt.Fprintln(w, "No clients.")
		return
	}
	table := termtables.CreateTable()
	table.AddHeaders("Name", "Status", "Serial", "Issued", "Expires", "Revoked")
	for _, c := range clients {
		revoked := ""
		if c.RevokedAt != nil {
			revoked = c.RevokedAt.Format(time.DateOnly)
		}
		expires := ""
		if !c.NotAfter.IsZero() {
			expires = c.NotAfter.Format(time.DateOnly)
		}
		table.AddRow(c.Name, string(c.Status), string(c.Serial), c.IssuedAt.Format(time.DateOnly), expires, revoked)
	}
	fmt.Fprint(w, table.Render())
}

var clientRevokeCmd = &cobra.Command{
	Use:   "client-revoke <name>",
	Short: "Revoke a client certificate and regenerate the CRL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			res, err := svc.RevokeClient(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s (serial %s)\n", res.Client.Name, res.Client.Serial)
			if res.CRLStale {
				fmt.Fprintln(cmd.ErrOrStderr(), "Warning: the CRL could not be regenerated; run crl-refresh --force")
			}
			return nil
		})
	},
}

var crlRefreshForce bool

var crlRefreshCmd = &cobra.Command{
	Use:   "crl-refresh",
	Short: "Regenerate the CRL when it is close to expiry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			crl, regenerated, err := svc.RefreshCRL(ctx, crlRefreshForce)
			if err != nil {
				return err
			}
			verb := "Current"
			if regenerated {
				verb = "Regenerated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s CRL #%d, %d revoked, next update %s\n",
				verb, crl.Number, crl.Revoked, crl.NextUpdate.Format(time.RFC3339))
			return nil
		})
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(initCmd, clientAddCmd, clientGetCmd, clientListCmd, clientRevokeCmd, crlRefreshCmd)
	clientGetCmd.Flags().StringVarP(&clientGetOutput, "output", "o", "", "write to this file instead of stdout")
	clientGetCmd.Flags().BoolVar(&clientGetZip, "zip", false, "write the zip bundle instead of the inline profile")
	clientListCmd.Flags().BoolVar(&clientListJSON, "json", false, "print JSON instead of a table")
	crlRefreshCmd.Flags().BoolVar(&crlRefreshForce, "force", false, "regenerate even if the CRL is fresh")
}

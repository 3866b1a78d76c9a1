package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/service"
)

var backupCmd = &cobra.Command{
	Use:   "backup <destination>",
	Short: "Write a snapshot of the instance",
	Long: `Writes a gzip-compressed tar snapshot of the instance tree to a local path
or to s3://bucket/key. When a backup passphrase is configured the snapshot is
sealed with it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			res, err := svc.Backup(ctx, args[0])
			if err != nil {
				return err
			}
			sealed := ""
			if res.Sealed {
				sealed = ", sealed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d files, %d bytes%s)\n", res.Location, len(res.Manifest.Files), res.Bytes, sealed)
			return nil
		})
	},
}

var restoreConfirm bool

var restoreCmd = &cobra.Command{
	Use:   "restore <source>",
	Short: "Replace all instance state with a snapshot",
	Long: `Verifies the snapshot, then replaces the instance tree with it. The
existing state is discarded, so --yes is required. Restart a running
container afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !restoreConfirm {
			return errs.Errorf("cmd.restore", errs.InvalidInput, "restore replaces the instance; pass --yes to confirm")
		}
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			info, err := svc.Restore(ctx, args[0], true)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s (%s, %d active clients)\n", info.ID, info.Phase, info.ActiveClients)
			return nil
		})
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "backup-verify <source>",
	Short: "Check a snapshot without restoring it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			m, err := svc.VerifySnapshot(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Valid snapshot of %s taken %s (%d files, digest %s)\n",
				m.InstanceID, m.CreatedAt.Format(time.RFC3339), len(m.Files), m.Digest)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(backupCmd, restoreCmd, backupVerifyCmd)
	restoreCmd.Flags().BoolVar(&restoreConfirm, "yes", false, "confirm that the instance state is replaced")
}

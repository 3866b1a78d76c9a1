package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/scylladb/termtables"
	"github.com/spf13/cobra"

	"github.com/jmcleod/vpnpki/journal"
	"github.com/jmcleod/vpnpki/service"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the instance journal",
	Long:  `Commands for listing, exporting and verifying the hash-chained journal of an instance.`,
}

// auditExport is the document written by "audit list --json" and read back
// by "audit verify --file".
type auditExport struct {
	Instance string          `json:"instance"`
	Entries  []journal.Entry `json:"entries"`
}

var auditListJSON bool

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journal entries in append order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *service.Service) error {
			entries, err := svc.AuditLog()
			if err != nil {
				return err
			}
			if auditListJSON {
				if entries == nil {
					entries = []journal.Entry{}
				}
				return writeJSON(cmd.OutOrStdout(), auditExport{Instance: svc.Config().Instance, Entries: entries})
			}
			renderEntries(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

func renderEntries(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No journal entries.")
		return
	}
	table := termtables.CreateTable()
	table.AddHeaders("Time", "Action", "Subject", "Outcome", "Detail")
	for _, e := range entries {
		table.AddRow(e.CreatedAt, string(e.Action), e.Subject, string(e.Outcome), e.Detail)
	}
	fmt.Fprint(w, table.Render())
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditListCmd.Flags().BoolVar(&auditListJSON, "json", false, "print the JSON export instead of a table")
}

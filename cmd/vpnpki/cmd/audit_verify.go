package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/journal"
	"github.com/jmcleod/vpnpki/service"
)

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanResult(w io.Writer, source string, result journal.Result) {
	fmt.Fprintf(w, "Audit chain verification: %s\n", source)
	fmt.Fprintf(w, "Instance: %s\n", result.Instance)
	fmt.Fprintf(w, "Entries:  %d\n\n", result.EntryCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case journal.StatusFail:
			tag = "[FAIL]"
		case journal.StatusWarn:
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", result.Failures(), result.Warnings())
	}
}

// readExport loads a file written by "audit list --json".
func readExport(path string) (auditExport, error) {
	const op = "cmd.read_export"
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return auditExport{}, errs.E(op, errs.NotFound, err)
		}
		return auditExport{}, errs.E(op, errs.Unknown, err)
	}
	var export auditExport
	if err := json.Unmarshal(data, &export); err != nil {
		return auditExport{}, errs.Errorf(op, errs.InvalidInput, "%s is not an audit export: %v", path, err)
	}
	return export, nil
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var (
	verifyJSONOutput bool
	verifyFile       string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the journal hash chain",
	Long: `Verifies the genesis anchor, hash chain continuity, id uniqueness,
timestamp ordering and instance consistency of the instance journal.

With --file the chain is read from an export written by "audit list --json"
instead, which needs neither the data directory nor the journal lock.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	auditCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "verify an exported chain instead of the live journal")
}

func runVerify(cmd *cobra.Command, args []string) error {
	var (
		result journal.Result
		source string
	)
	if verifyFile != "" {
		export, err := readExport(verifyFile)
		if err != nil {
			return err
		}
		result = journal.VerifyChain(export.Instance, export.Entries)
		source = verifyFile
	} else {
		err := withService(cmd, func(ctx context.Context, svc *service.Service) error {
			var err error
			result, err = svc.VerifyAudit()
			source = "journal"
			return err
		})
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		printHumanResult(out, source, result)
	}

	if !result.Valid {
		return errs.Errorf("cmd.audit_verify", errs.Corrupted, "audit chain is invalid (%d error(s))", result.Failures())
	}
	return nil
}

package cmd

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/vpnpki/container"
	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/journal"
	"github.com/jmcleod/vpnpki/pki"
	"github.com/jmcleod/vpnpki/service"
)

// noDocker behaves like a host without a container runtime.
type noDocker struct{}

func (noDocker) Run(context.Context, string, ...string) ([]byte, []byte, error) {
	return nil, nil, container.ErrBinaryNotFound
}

// resetFlags restores every flag to its default. Commands are package
// globals, so values set by one run would otherwise leak into the next.
func resetFlags(t *testing.T) {
	t.Helper()
	var reset func(c *cobra.Command)
	reset = func(c *cobra.Command) {
		visit := func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				require.NoError(t, sv.Replace(nil))
			} else {
				require.NoError(t, f.Value.Set(f.DefValue))
			}
			f.Changed = false
		}
		c.Flags().VisitAll(visit)
		c.PersistentFlags().VisitAll(visit)
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)
}

func execute(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var out, errb bytes.Buffer
	code = run(t.Context(), args, &out, &errb)
	return out.String(), errb.String(), code
}

// cli runs commands against one data directory with the native toolchain.
type cli struct {
	t   *testing.T
	dir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("VPNPKI_CONFIG", "")
	prev := serviceOptions
	serviceOptions = []service.Option{service.WithContainerRunner(noDocker{})}
	t.Cleanup(func() { serviceOptions = prev })
	return &cli{t: t, dir: t.TempDir()}
}

func (c *cli) run(args ...string) (string, string, int) {
	c.t.Helper()
	resetFlags(c.t)
	full := append([]string{"--data-dir", c.dir, "--toolchain", "native", "--lock-timeout", "5s"}, args...)
	return execute(c.t, full...)
}

func (c *cli) ok(args ...string) string {
	c.t.Helper()
	stdout, stderr, code := c.run(args...)
	require.Equal(c.t, 0, code, "stderr: %s", stderr)
	return stdout
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("unknown command")))
	assert.Equal(t, 2, exitCode(errs.Errorf("op", errs.InvalidInput, "bad")))
	assert.Equal(t, 3, exitCode(errs.Errorf("op", errs.NotFound, "missing")))
	assert.Equal(t, 5, exitCode(errs.Errorf("op", errs.NotInitialized, "no CA")))
	assert.Equal(t, 10, exitCode(errs.E("op", errs.RuntimeUnavailable, container.ErrBinaryNotFound)))
}

func TestCLI_Lifecycle(t *testing.T) {
	c := newCLI(t)

	_, stderr, code := c.run("client-add", "alice")
	assert.Equal(t, errs.NotInitialized.ExitCode(), code)
	assert.Contains(t, stderr, "Error:")

	out := c.ok("init", "udp://vpn.example.com")
	assert.Contains(t, out, "Initialized default")
	assert.Contains(t, out, "CA fingerprint:")

	_, _, code = c.run("init", "udp://vpn.example.com")
	assert.Equal(t, errs.AlreadyExists.ExitCode(), code)

	assert.Contains(t, c.ok("client-add", "alice"), "Added alice")
	c.ok("client-add", "bob")

	_, _, code = c.run("client-add", "bad name")
	assert.Equal(t, errs.InvalidInput.ExitCode(), code, "spaces are not allowed in names")

	profile := c.ok("client-get", "alice")
	assert.Contains(t, profile, "remote vpn.example.com 1194")
	assert.Contains(t, profile, "<ca>")

	out = c.ok("client-revoke", "bob")
	assert.Contains(t, out, "Revoked bob")
	_, _, code = c.run("client-get", "bob")
	assert.Equal(t, errs.NotFound.ExitCode(), code)

	out = c.ok("crl-refresh")
	assert.Contains(t, out, "Current CRL #2")
	out = c.ok("crl-refresh", "--force")
	assert.Contains(t, out, "Regenerated CRL #3, 1 revoked")

	table := c.ok("client-list")
	assert.Contains(t, table, "alice")
	assert.Contains(t, table, "revoked")

	var clients []pki.ClientRecord
	require.NoError(t, json.Unmarshal([]byte(c.ok("client-list", "--json")), &clients))
	require.Len(t, clients, 2)
	assert.Equal(t, "alice", clients[0].Name)
	assert.Equal(t, pki.StatusRevoked, clients[1].Status)
}

func TestCLI_ClientGetFiles(t *testing.T) {
	c := newCLI(t)
	c.ok("init", "tcp://vpn.example.com:443")
	c.ok("client-add", "carol")

	_, _, code := c.run("client-get", "carol", "--zip")
	assert.Equal(t, errs.InvalidInput.ExitCode(), code, "--zip needs -o")

	ovpn := filepath.Join(t.TempDir(), "carol.ovpn")
	c.ok("client-get", "carol", "-o", ovpn)
	fi, err := os.Stat(ovpn)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	data, err := os.ReadFile(ovpn)
	require.NoError(t, err)
	assert.Contains(t, string(data), "remote vpn.example.com 443")

	archive := filepath.Join(t.TempDir(), "carol.zip")
	c.ok("client-get", "carol", "--zip", "-o", archive)
	zr, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "carol/client-inline.ovpn")
}

func TestCLI_BackupRestore(t *testing.T) {
	c := newCLI(t)
	c.ok("init", "udp://vpn.example.com")
	c.ok("client-add", "alice")

	snap := filepath.Join(t.TempDir(), "snap.tar.gz")
	assert.Contains(t, c.ok("backup", snap), "Wrote "+snap)
	assert.Contains(t, c.ok("backup-verify", snap), "Valid snapshot of default")

	c.ok("client-add", "dave")

	_, stderr, code := c.run("restore", snap)
	assert.Equal(t, errs.InvalidInput.ExitCode(), code)
	assert.Contains(t, stderr, "--yes")

	assert.Contains(t, c.ok("restore", snap, "--yes"), "Restored default (ready, 1 active clients)")
	_, _, code = c.run("client-get", "dave")
	assert.Equal(t, errs.NotFound.ExitCode(), code)

	_, _, code = c.run("restore", filepath.Join(t.TempDir(), "missing.tar.gz"), "--yes")
	assert.Equal(t, errs.NotFound.ExitCode(), code)
}

func TestCLI_ContainerWithoutRuntime(t *testing.T) {
	c := newCLI(t)
	c.ok("init", "udp://vpn.example.com")

	_, _, code := c.run("start")
	assert.Equal(t, errs.RuntimeUnavailable.ExitCode(), code)

	out := c.ok("status")
	assert.Contains(t, out, "Instance: default (ready)")
	assert.Contains(t, out, "Container: unavailable")

	var st service.Status
	require.NoError(t, json.Unmarshal([]byte(c.ok("status", "--json")), &st))
	assert.Equal(t, pki.PhaseReady, st.Instance.Phase)
	assert.NotEmpty(t, st.ContainerError)
}

func TestCLI_ClientListBeforeInit(t *testing.T) {
	c := newCLI(t)

	stdout, stderr, code := c.run("client-list")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "No clients.")
	assert.Contains(t, stderr, "uninitialized")

	stdout, _, code = c.run("client-list", "--json")
	require.Equal(t, 0, code)
	assert.JSONEq(t, `[]`, stdout)
}

func TestCLI_StatusWhileJournalHeld(t *testing.T) {
	c := newCLI(t)
	c.ok("init", "udp://vpn.example.com")

	// A running serve keeps the journal open.
	j, err := journal.Open(filepath.Join(c.dir, "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	stdout, stderr, code := c.run("status", "--lock-timeout", "100ms")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Instance: default unavailable")

	stdout, _, code = c.run("status", "--json", "--lock-timeout", "100ms")
	require.Equal(t, 0, code)
	var doc unavailableStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "default", doc.Instance)
	assert.NotEmpty(t, doc.Error)

	// Other commands still fail.
	_, _, code = c.run("client-list", "--lock-timeout", "100ms")
	assert.NotEqual(t, 0, code)

	// An invalid configuration is still an error.
	_, _, code = c.run("status", "--toolchain", "openssl")
	assert.Equal(t, errs.InvalidInput.ExitCode(), code)
}

func TestCLI_Audit(t *testing.T) {
	c := newCLI(t)
	c.ok("init", "udp://vpn.example.com")
	c.ok("client-add", "alice")

	assert.Contains(t, c.ok("audit", "list"), "client_added")
	assert.Contains(t, c.ok("audit", "verify"), "Result: VALID")

	var export auditExport
	require.NoError(t, json.Unmarshal([]byte(c.ok("audit", "list", "--json")), &export))
	assert.Equal(t, "default", export.Instance)
	require.NotEmpty(t, export.Entries)

	path := writeExport(t, export)
	resetFlags(t)
	stdout, _, code := execute(t, "audit", "verify", "--file", path)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Result: VALID")
}

func TestCLI_UsageErrors(t *testing.T) {
	c := newCLI(t)

	_, _, code := c.run("client-add")
	assert.Equal(t, 1, code)

	_, stderr, code := c.run("--toolchain", "openssl", "client-list")
	assert.Equal(t, errs.InvalidInput.ExitCode(), code)
	assert.Contains(t, stderr, "toolchain")
}

func TestParsePrefixes(t *testing.T) {
	got, err := parsePrefixes([]string{"10.0.0.0/8", "192.168.1.7", "fd00::1/64"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "192.168.1.7/32", got[1].String())
	assert.Equal(t, "fd00::/64", got[2].String())

	_, err = parsePrefixes([]string{"not-an-ip"})
	assert.True(t, errs.Is(err, errs.InvalidInput))
}

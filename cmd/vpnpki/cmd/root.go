package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/config"
	"github.com/jmcleod/vpnpki/internal/logging"
	"github.com/jmcleod/vpnpki/service"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=v1.2.3".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vpnpki",
	Short: "vpnpki manages the PKI behind an OpenVPN server",
	Long: `Creates and operates the certificate authority of an OpenVPN deployment:
client certificates, revocation lists, snapshots and the daemon container.

Settings come from defaults, the YAML file named by --config or $VPNPKI_CONFIG,
VPNPKI_* environment variables, then flags, each layer overriding the last.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and exits with the code for the error's kind.
func Execute() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	code := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if code != 0 {
		memguard.Purge()
		os.Exit(code)
	}
}

// run executes args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps an error to the process exit status. Errors without a kind,
// such as cobra's usage errors, exit with 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return errs.KindOf(err).ExitCode()
}

func init() {
	d := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "YAML configuration file (default $"+config.EnvConfig+")")
	pf.StringP(config.FlagName("instance"), "i", d.Instance, "instance name")
	pf.String(config.FlagName("data_dir"), d.DataDir, "directory holding instances and the journal")
	pf.String(config.FlagName("toolchain"), d.Toolchain, `certificate toolchain: "easyrsa" or "native"`)
	pf.String(config.FlagName("easyrsa"), d.EasyRSA, "easyrsa executable")
	pf.String(config.FlagName("docker"), d.Docker, "container runtime executable")
	pf.String(config.FlagName("image"), d.Image, "OpenVPN container image")
	pf.Bool(config.FlagName("debug"), d.Debug, "log at debug level, including toolchain argv")
	pf.Duration(config.FlagName("toolchain_timeout"), d.ToolchainTimeout, "limit for one toolchain invocation")
	pf.Duration(config.FlagName("lock_timeout"), d.LockTimeout, "how long to wait for another operation on the instance")
	pf.Duration(config.FlagName("crl_refresh_window"), d.CRLRefreshWindow, "regenerate the CRL when it expires within this window")
	pf.String(config.FlagName("ca_passphrase_file"), "", "file holding the CA key passphrase")
	pf.String(config.FlagName("backup_passphrase_file"), "", "file holding the snapshot encryption passphrase")
	pf.String(config.FlagName("s3_region"), "", "AWS region for s3:// snapshot locations")
	pf.String(config.FlagName("s3_endpoint"), "", "S3-compatible endpoint for s3:// snapshot locations")
}

// loadConfig layers the file, environment and the flags cmd was given.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile, os.LookupEnv)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

// serviceOptions is extended by tests to stub the container runtime.
var serviceOptions []service.Option

// withService opens the configured instance for the duration of fn.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *service.Service) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	svc, err := openService(cmd, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(cmd.Context(), svc)
}

func openService(cmd *cobra.Command, cfg config.Config) (*service.Service, error) {
	logger := logging.New(cmd.ErrOrStderr(), logging.Text, cfg.Debug)
	opts := append([]service.Option{service.WithLogger(logger)}, serviceOptions...)
	return service.New(cmd.Context(), cfg, opts...)
}

// Package config loads vpnpki settings. Layers apply in order: defaults, the
// YAML file, VPNPKI_* environment variables, then flags the user set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/vpnpki/errs"
)

// EnvPrefix prefixes every environment variable; VPNPKI_CONFIG names the file.
const (
	EnvPrefix  = "VPNPKI_"
	EnvConfig  = EnvPrefix + "CONFIG"
	DefaultDir = "/var/lib/vpnpki"
)

// Toolchain implementations.
const (
	ToolchainEasyRSA = "easyrsa"
	ToolchainNative  = "native"
)

var reInstance = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Config is the full runtime configuration.
type Config struct {
	Instance  string `yaml:"instance"`
	DataDir   string `yaml:"data_dir"`
	Toolchain string `yaml:"toolchain"`
	EasyRSA   string `yaml:"easyrsa"`
	Docker    string `yaml:"docker"`
	Image     string `yaml:"image"`
	Debug     bool   `yaml:"debug"`

	ToolchainTimeout   time.Duration `yaml:"toolchain_timeout"`
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	CRLRefreshInterval time.Duration `yaml:"crl_refresh_interval"`
	CRLRefreshWindow   time.Duration `yaml:"crl_refresh_window"`

	CAPassphraseFile     string `yaml:"ca_passphrase_file"`
	BackupPassphraseFile string `yaml:"backup_passphrase_file"`
	S3Region             string `yaml:"s3_region"`
	S3Endpoint           string `yaml:"s3_endpoint"`

	Listen             string `yaml:"listen"`
	TLSCert            string `yaml:"tls_cert"`
	TLSKey             string `yaml:"tls_key"`
	APITokenFile       string `yaml:"api_token_file"`
	AuditWebhookURL    string `yaml:"audit_webhook_url"`
	AuditWebhookHeader string `yaml:"audit_webhook_header"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Instance:           "default",
		DataDir:            DefaultDir,
		Toolchain:          ToolchainEasyRSA,
		EasyRSA:            "easyrsa",
		Docker:             "docker",
		Image:              "kylemanna/openvpn",
		ToolchainTimeout:   2 * time.Minute,
		LockTimeout:        10 * time.Minute,
		CRLRefreshInterval: time.Hour,
		CRLRefreshWindow:   72 * time.Hour,
		Listen:             ":8080",
	}
}

// ---------------------------------------------------------------------------
// Key bindings shared by the environment and flag layers
// ---------------------------------------------------------------------------

type binding struct {
	key string
	set func(c *Config, v string) error
}

func str(key string, field func(*Config) *string) binding {
	return binding{key, func(c *Config, v string) error { *field(c) = v; return nil }}
}

func boolean(key string, field func(*Config) *bool) binding {
	return binding{key, func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}}
}

func duration(key string, field func(*Config) *time.Duration) binding {
	return binding{key, func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}}
}

var bindings = []binding{
	str("instance", func(c *Config) *string { return &c.Instance }),
	str("data_dir", func(c *Config) *string { return &c.DataDir }),
	str("toolchain", func(c *Config) *string { return &c.Toolchain }),
	str("easyrsa", func(c *Config) *string { return &c.EasyRSA }),
	str("docker", func(c *Config) *string { return &c.Docker }),
	str("image", func(c *Config) *string { return &c.Image }),
	boolean("debug", func(c *Config) *bool { return &c.Debug }),
	duration("toolchain_timeout", func(c *Config) *time.Duration { return &c.ToolchainTimeout }),
	duration("lock_timeout", func(c *Config) *time.Duration { return &c.LockTimeout }),
	duration("crl_refresh_interval", func(c *Config) *time.Duration { return &c.CRLRefreshInterval }),
	duration("crl_refresh_window", func(c *Config) *time.Duration { return &c.CRLRefreshWindow }),
	str("ca_passphrase_file", func(c *Config) *string { return &c.CAPassphraseFile }),
	str("backup_passphrase_file", func(c *Config) *string { return &c.BackupPassphraseFile }),
	str("s3_region", func(c *Config) *string { return &c.S3Region }),
	str("s3_endpoint", func(c *Config) *string { return &c.S3Endpoint }),
	str("listen", func(c *Config) *string { return &c.Listen }),
	str("tls_cert", func(c *Config) *string { return &c.TLSCert }),
	str("tls_key", func(c *Config) *string { return &c.TLSKey }),
	str("api_token_file", func(c *Config) *string { return &c.APITokenFile }),
	str("audit_webhook_url", func(c *Config) *string { return &c.AuditWebhookURL }),
	str("audit_webhook_header", func(c *Config) *string { return &c.AuditWebhookHeader }),
}

// EnvName is the environment variable for key.
func EnvName(key string) string { return EnvPrefix + strings.ToUpper(key) }

// FlagName is the command-line flag for key.
func FlagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LookupEnv matches os.LookupEnv.
type LookupEnv func(string) (string, bool)

// Load builds a Config from defaults, the YAML file at path and env. An empty
// path falls back to VPNPKI_CONFIG; with neither set no file is read.
func Load(path string, env LookupEnv) (Config, error) {
	const op = "config.load"
	if env == nil {
		env = os.LookupEnv
	}
	c := Default()

	if path == "" {
		path, _ = env(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errs.E(op, errs.InvalidInput, fmt.Errorf("reading config file: %w", err))
		}
		if err := c.decode(data); err != nil {
			return Config{}, errs.E(op, errs.InvalidInput, fmt.Errorf("%s: %w", path, err))
		}
	}

	for _, b := range bindings {
		v, ok := env(EnvName(b.key))
		if !ok || v == "" {
			continue
		}
		if err := b.set(&c, v); err != nil {
			return Config{}, errs.Errorf(op, errs.InvalidInput, "%s=%q: %v", EnvName(b.key), v, err)
		}
	}
	return c, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyFlags overlays every flag in fs that the user set and whose name
// matches a configuration key.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	for _, b := range bindings {
		f := fs.Lookup(FlagName(b.key))
		if f == nil || !f.Changed {
			continue
		}
		if err := b.set(c, f.Value.String()); err != nil {
			return errs.Errorf("config.flags", errs.InvalidInput, "--%s: %v", f.Name, err)
		}
	}
	return nil
}

// Validate checks values that cannot be checked while decoding.
func (c Config) Validate() error {
	const op = "config.validate"
	switch {
	case !reInstance.MatchString(c.Instance):
		return errs.Errorf(op, errs.InvalidInput, "instance %q must match %s", c.Instance, reInstance)
	case c.DataDir == "":
		return errs.Errorf(op, errs.InvalidInput, "data_dir is required")
	case c.Toolchain != ToolchainEasyRSA && c.Toolchain != ToolchainNative:
		return errs.Errorf(op, errs.InvalidInput, "toolchain must be %q or %q", ToolchainEasyRSA, ToolchainNative)
	case c.ToolchainTimeout <= 0, c.LockTimeout <= 0, c.CRLRefreshInterval <= 0, c.CRLRefreshWindow <= 0:
		return errs.Errorf(op, errs.InvalidInput, "timeouts and intervals must be positive")
	case (c.TLSCert == "") != (c.TLSKey == ""):
		return errs.Errorf(op, errs.InvalidInput, "tls_cert and tls_key must be set together")
	case c.AuditWebhookHeader != "" && !strings.Contains(c.AuditWebhookHeader, ":"):
		return errs.Errorf(op, errs.InvalidInput, "audit_webhook_header must look like \"Name: value\"")
	}
	return nil
}

// InstanceRoot is the directory holding the instance tree.
func (c Config) InstanceRoot() string {
	return filepath.Join(c.DataDir, "instances", c.Instance)
}

// JournalPath is the audit journal database.
func (c Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}

// CAPassphrase loads the CA passphrase file into an enclave, or returns nil
// when none is configured.
func (c Config) CAPassphrase() (*memguard.Enclave, error) {
	return readSecret("config.ca_passphrase", c.CAPassphraseFile)
}

// BackupPassphrase loads the backup passphrase file into an enclave, or
// returns nil when none is configured.
func (c Config) BackupPassphrase() (*memguard.Enclave, error) {
	return readSecret("config.backup_passphrase", c.BackupPassphraseFile)
}

// APIToken loads the bearer token required by the HTTP API, or returns nil
// when the API is unauthenticated.
func (c Config) APIToken() (*memguard.Enclave, error) {
	return readSecret("config.api_token", c.APITokenFile)
}

func readSecret(op, path string) (*memguard.Enclave, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(op, errs.InvalidInput, fmt.Errorf("reading passphrase file: %w", err))
	}
	secret := bytes.TrimRight(data, "\r\n")
	if len(secret) == 0 {
		memguard.WipeBytes(data)
		return nil, errs.Errorf(op, errs.InvalidInput, "passphrase file %s is empty", path)
	}
	// NewEnclave wipes secret, which aliases data.
	return memguard.NewEnclave(secret), nil
}

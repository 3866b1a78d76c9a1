// Package easyrsa drives the easy-rsa 3 script. Every invocation is an
// argument vector passed straight to the binary; no shell ever sees a client
// name.
package easyrsa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/validate"
	"github.com/jmcleod/vpnpki/storage"
	"github.com/jmcleod/vpnpki/toolchain"
)

const (
	// DefaultTimeout bounds a single easy-rsa invocation.
	DefaultTimeout = 2 * time.Minute
	// DefaultWaitDelay is how long hung children may hold the output pipes
	// after the process is killed.
	DefaultWaitDelay = 5 * time.Second

	passEnv      = "VPNPKI_CA_PASS"
	excerptBytes = 512
)

// Tree is a store backed by a real directory, which easy-rsa writes to.
type Tree interface {
	storage.Store
	Root() string
}

// Adapter implements toolchain.Toolchain on top of the easyrsa script.
type Adapter struct {
	bin        string
	tree       Tree
	timeout    time.Duration
	waitDelay  time.Duration
	passphrase *memguard.Enclave
	logger     *slog.Logger
}

var _ toolchain.Toolchain = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithBinary sets the easyrsa executable name or path.
func WithBinary(bin string) Option {
	return func(a *Adapter) { a.bin = bin }
}

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) Option {
	return func(a *Adapter) { a.waitDelay = d }
}

// WithPassphrase protects the CA key with the passphrase held in e.
func WithPassphrase(e *memguard.Enclave) Option {
	return func(a *Adapter) { a.passphrase = e }
}

// WithLogger sets the logger; argv is logged at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New returns an Adapter operating on tree.
func New(tree Tree, opts ...Option) *Adapter {
	a := &Adapter{
		bin:       "easyrsa",
		tree:      tree,
		timeout:   DefaultTimeout,
		waitDelay: DefaultWaitDelay,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "easyrsa")
	return a
}

// ---------------------------------------------------------------------------
// Toolchain operations
// ---------------------------------------------------------------------------

// InitCA runs init-pki, build-ca and build-server-full for the server host.
func (a *Adapter) InitCA(ctx context.Context, subject toolchain.Subject) (toolchain.CAHandle, error) {
	const op = "easyrsa.init_ca"
	cn := subject.CommonName
	if cn == "" || strings.ContainsAny(cn, "/\\ \t\n\x00") || strings.HasPrefix(cn, "-") {
		return toolchain.CAHandle{}, errs.Errorf(op, errs.InvalidInput, "invalid CA common name %q", cn)
	}
	exists, err := a.tree.Exists(toolchain.PathCACert)
	if err != nil {
		return toolchain.CAHandle{}, errs.E(op, errs.Unknown, err)
	}
	if exists {
		return toolchain.CAHandle{}, errs.Errorf(op, errs.AlreadyExists, "%s already exists", toolchain.PathCACert)
	}

	if _, err := a.run(ctx, op, "", "init-pki"); err != nil {
		return toolchain.CAHandle{}, err
	}
	if _, err := a.run(ctx, op, cn, a.withPass(true, "build-ca", "nopass")...); err != nil {
		return toolchain.CAHandle{}, err
	}
	if _, err := a.run(ctx, op, cn, a.withPass(false, "build-server-full", cn, "nopass")...); err != nil {
		return toolchain.CAHandle{}, err
	}
	h, err := toolchain.ReadCAHandle(a.tree)
	if err != nil {
		return toolchain.CAHandle{}, errs.E(op, errs.ToolchainError, err)
	}
	return h, nil
}

// IssueClientCert runs build-client-full and reads the serial back from the
// issued certificate.
func (a *Adapter) IssueClientCert(ctx context.Context, name string) (toolchain.Serial, error) {
	const op = "easyrsa.issue"
	if err := validate.ClientName(name); err != nil {
		return "", err
	}
	if _, err := a.run(ctx, op, name, a.withPass(false, "build-client-full", name, "nopass")...); err != nil {
		return "", err
	}
	data, err := a.tree.Get(toolchain.IssuedCert(name))
	if err != nil {
		return "", errs.E(op, errs.ToolchainError, fmt.Errorf("easyrsa reported success but left no certificate: %w", err))
	}
	serial, err := toolchain.CertSerial(data)
	if err != nil {
		return "", errs.E(op, errs.ToolchainError, err)
	}
	return serial, nil
}

// RevokeCert finds the issued certificate carrying serial and revokes it by
// name, which is the only handle easy-rsa accepts.
func (a *Adapter) RevokeCert(ctx context.Context, serial toolchain.Serial) error {
	const op = "easyrsa.revoke"
	want, err := toolchain.NormalizeSerial(string(serial))
	if err != nil {
		return errs.E(op, errs.InvalidInput, err)
	}
	name, err := a.nameBySerial(want)
	if err != nil {
		return errs.E(op, errs.Unknown, err)
	}
	if err := validate.ClientName(name); err != nil {
		return err
	}
	_, err = a.run(ctx, op, "", a.withPass(false, "revoke", name)...)
	return err
}

// RegenerateCRL runs gen-crl.
func (a *Adapter) RegenerateCRL(ctx context.Context) (toolchain.CRLInfo, error) {
	const op = "easyrsa.gen_crl"
	if _, err := a.run(ctx, op, "", a.withPass(false, "gen-crl")...); err != nil {
		return toolchain.CRLInfo{}, err
	}
	info, err := toolchain.ReadCRLInfo(a.tree)
	if err != nil {
		return toolchain.CRLInfo{}, errs.E(op, errs.ToolchainError, err)
	}
	return info, nil
}

func (a *Adapter) nameBySerial(serial toolchain.Serial) (string, error) {
	paths, err := a.tree.List(toolchain.IssuedPrefix)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		if !strings.HasSuffix(p, ".crt") {
			continue
		}
		data, err := a.tree.Get(p)
		if err != nil {
			return "", err
		}
		s, err := toolchain.CertSerial(data)
		if err != nil {
			a.logger.Warn("skipping unreadable certificate", "path", p, "error", err)
			continue
		}
		if s == serial {
			return strings.TrimSuffix(strings.TrimPrefix(p, toolchain.IssuedPrefix), ".crt"), nil
		}
	}
	return "", errs.Errorf("easyrsa.lookup", errs.NotFound, "no issued certificate with serial %s", serial)
}

// ---------------------------------------------------------------------------
// Process execution
// ---------------------------------------------------------------------------

// withPass prefixes args with the passphrase options easy-rsa understands.
// When no passphrase is configured the args pass through unchanged.
// newKey drops the trailing nopass so build-ca encrypts the CA key.
func (a *Adapter) withPass(newKey bool, args ...string) []string {
	if a.passphrase == nil {
		return args
	}
	out := []string{"--passin=env:" + passEnv}
	if newKey {
		out = append(out, "--passout=env:"+passEnv)
		if n := len(args); n > 0 && args[n-1] == "nopass" {
			args = args[:n-1]
		}
	}
	return append(out, args...)
}

func (a *Adapter) run(ctx context.Context, op, reqCN string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(a.bin)
	if err != nil {
		return nil, errs.E(op, errs.ToolchainNotFound, fmt.Errorf("locating %s: %w", a.bin, err))
	}

	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"EASYRSA_PKI=" + filepath.Join(a.tree.Root(), toolchain.PKIDir),
		"EASYRSA_BATCH=1",
	}
	if reqCN != "" {
		env = append(env, "EASYRSA_REQ_CN="+reqCN)
	}
	if a.passphrase != nil {
		buf, err := a.passphrase.Open()
		if err != nil {
			return nil, errs.E(op, errs.PassphraseRequired, fmt.Errorf("opening passphrase enclave: %w", err))
		}
		env = append(env, passEnv+"="+buf.String())
		buf.Destroy()
	}

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Dir = a.tree.Root()
	cmd.Env = env
	cmd.Stdin = nil
	cmd.WaitDelay = a.waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("running easyrsa", "argv", args)
	start := time.Now()
	err = cmd.Run()
	a.logger.Debug("easyrsa finished", "argv0", firstArg(args), "duration", time.Since(start), "error", err)

	if err == nil {
		return stdout.Bytes(), nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, errs.Errorf(op, errs.Timeout, "easyrsa %s exceeded %s", firstArg(args), a.timeout)
	}
	if needsPassphrase(stdout.Bytes()) || needsPassphrase(stderr.Bytes()) {
		return nil, errs.Errorf(op, errs.PassphraseRequired, "easyrsa %s asked for a pass phrase", firstArg(args))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, errs.Errorf(op, errs.ToolchainError, "easyrsa %s exited with status %d: %s",
			firstArg(args), exitErr.ExitCode(), excerpt(stderr.Bytes()))
	}
	return nil, errs.E(op, errs.ToolchainError, err)
}

func needsPassphrase(out []byte) bool {
	lower := bytes.ToLower(out)
	return bytes.Contains(lower, []byte("pass phrase")) || bytes.Contains(lower, []byte("bad password read"))
}

func excerpt(b []byte) string {
	if len(b) > excerptBytes {
		b = b[len(b)-excerptBytes:]
	}
	return strings.TrimSpace(string(b))
}

// firstArg is the easy-rsa command, skipping global options.
func firstArg(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			return a
		}
	}
	return ""
}

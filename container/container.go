// Package container runs the OpenVPN daemon for an instance through the
// docker CLI. Only start, stop and status are managed; image builds and
// networking belong to the operator.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/validate"
)

const (
	DefaultBinary  = "docker"
	DefaultImage   = "kylemanna/openvpn"
	DefaultTimeout = time.Minute

	// MountPoint is where the instance directory appears inside the container.
	MountPoint = "/etc/openvpn"

	excerptBytes = 512
)

// Runner executes one CLI invocation and returns its output.
type Runner interface {
	Run(ctx context.Context, bin string, args ...string) (stdout, stderr []byte, err error)
}

// ErrBinaryNotFound is returned by a Runner when bin cannot be located.
var ErrBinaryNotFound = errors.New("container runtime binary not found")

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	WaitDelay time.Duration
}

var _ Runner = ExecRunner{}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, bin, err)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = r.WaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// State is the runtime view of the instance container.
type State struct {
	Name      string    `json:"name"`
	Exists    bool      `json:"exists"`
	Running   bool      `json:"running"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Logs      []string  `json:"logs,omitempty"`
}

// Runtime manages the container of one instance.
type Runtime struct {
	bin     string
	image   string
	name    string
	dir     string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithBinary sets the docker executable.
func WithBinary(bin string) Option {
	return func(r *Runtime) { r.bin = bin }
}

// WithImage sets the OpenVPN image.
func WithImage(image string) Option {
	return func(r *Runtime) { r.image = image }
}

// WithTimeout bounds each CLI invocation.
func WithTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.timeout = d }
}

// WithRunner replaces the process runner.
func WithRunner(run Runner) Option {
	return func(r *Runtime) { r.runner = run }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New returns a Runtime for instance whose tree lives at dir.
func New(instance, dir string, opts ...Option) *Runtime {
	r := &Runtime{
		bin:     DefaultBinary,
		image:   DefaultImage,
		name:    "vpnpki-" + instance,
		dir:     dir,
		timeout: DefaultTimeout,
		runner:  ExecRunner{WaitDelay: 5 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "container", "container", r.name)
	return r
}

// Name is the container name.
func (r *Runtime) Name() string { return r.name }

// Configure renders the daemon configuration for ep into the instance
// directory with the image's ovpn_genconfig helper.
func (r *Runtime) Configure(ctx context.Context, ep validate.Endpoint) error {
	const op = "container.configure"
	_, err := r.docker(ctx, op, "run", "--rm",
		"-v", r.dir+":"+MountPoint,
		r.image, "ovpn_genconfig", "-u", ep.String())
	return err
}

// Start runs the container, creating it on first use. Starting a running
// container is a no-op.
func (r *Runtime) Start(ctx context.Context, ep validate.Endpoint) error {
	const op = "container.start"
	st, err := r.inspect(ctx, op)
	if err != nil {
		return err
	}
	switch {
	case st.Running:
		r.logger.Info("container already running")
		return nil
	case st.Exists:
		_, err = r.docker(ctx, op, "start", r.name)
	default:
		port := strconv.Itoa(ep.Port)
		_, err = r.docker(ctx, op, "run", "-d",
			"--name", r.name,
			"--restart", "unless-stopped",
			"--cap-add", "NET_ADMIN",
			"-p", port+":"+port+"/"+ep.Proto,
			"-v", r.dir+":"+MountPoint,
			r.image)
	}
	if err != nil {
		return err
	}
	r.logger.Info("container started", "created", !st.Exists)
	return nil
}

// Stop stops the container. A missing container yields NotFound.
func (r *Runtime) Stop(ctx context.Context) error {
	const op = "container.stop"
	if _, err := r.docker(ctx, op, "stop", r.name); err != nil {
		return err
	}
	r.logger.Info("container stopped")
	return nil
}

// Status inspects the container and, when tail > 0 and it exists, collects
// the last tail log lines.
func (r *Runtime) Status(ctx context.Context, tail int) (State, error) {
	const op = "container.status"
	st, err := r.inspect(ctx, op)
	if err != nil || !st.Exists || tail <= 0 {
		return st, err
	}
	out, err := r.docker(ctx, op, "logs", "--tail", strconv.Itoa(tail), r.name)
	if err != nil {
		return st, err
	}
	st.Logs = splitLines(out)
	return st, nil
}

// ---------------------------------------------------------------------------
// CLI plumbing
// ---------------------------------------------------------------------------

type inspectState struct {
	Status    string    `json:"Status"`
	Running   bool      `json:"Running"`
	StartedAt time.Time `json:"StartedAt"`
}

func (r *Runtime) inspect(ctx context.Context, op string) (State, error) {
	st := State{Name: r.name}
	out, err := r.docker(ctx, op, "inspect", "--format", "{{json .State}}", r.name)
	if errs.Is(err, errs.NotFound) {
		st.Status = "absent"
		return st, nil
	}
	if err != nil {
		return st, err
	}
	var is inspectState
	if err := json.Unmarshal(bytes.TrimSpace(out), &is); err != nil {
		return st, errs.E(op, errs.RuntimeUnavailable, fmt.Errorf("decoding inspect output: %w", err))
	}
	st.Exists = true
	st.Running = is.Running
	st.Status = is.Status
	if is.Running {
		st.StartedAt = is.StartedAt.UTC()
	}
	return st, nil
}

// docker runs one invocation and classifies its failure. Logs from
// "docker logs" arrive on both streams, so they are merged.
func (r *Runtime) docker(ctx context.Context, op string, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Debug("running docker", "argv", args)
	stdout, stderr, err := r.runner.Run(runCtx, r.bin, args...)
	if err == nil {
		if len(args) > 0 && args[0] == "logs" {
			return append(stdout, stderr...), nil
		}
		return stdout, nil
	}

	switch {
	case errors.Is(err, ErrBinaryNotFound):
		return nil, errs.E(op, errs.RuntimeUnavailable, err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, errs.Errorf(op, errs.Timeout, "docker %s exceeded %s", args[0], r.timeout)
	case isNoSuchContainer(stderr):
		return nil, errs.Errorf(op, errs.NotFound, "container %s does not exist", r.name)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, errs.Errorf(op, errs.RuntimeUnavailable, "docker %s exited with status %d: %s",
			args[0], exitErr.ExitCode(), excerpt(stderr))
	}
	return nil, errs.Errorf(op, errs.RuntimeUnavailable, "docker %s: %v: %s", args[0], err, excerpt(stderr))
}

func isNoSuchContainer(stderr []byte) bool {
	lower := bytes.ToLower(stderr)
	return bytes.Contains(lower, []byte("no such container")) || bytes.Contains(lower, []byte("no such object"))
}

func excerpt(b []byte) string {
	if len(b) > excerptBytes {
		b = b[len(b)-excerptBytes:]
	}
	return strings.TrimSpace(string(b))
}

func splitLines(b []byte) []string {
	s := strings.TrimRight(string(b), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

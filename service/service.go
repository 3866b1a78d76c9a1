// Package service is the orchestration façade: one Service per configured
// instance, wiring the artifact store, toolchain, state machine, backups,
// audit journal and container runtime together. Every mutating call is
// journaled, successful or not.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/jmcleod/vpnpki/backup"
	"github.com/jmcleod/vpnpki/container"
	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/config"
	"github.com/jmcleod/vpnpki/internal/validate"
	"github.com/jmcleod/vpnpki/journal"
	"github.com/jmcleod/vpnpki/ovpn"
	"github.com/jmcleod/vpnpki/pki"
	"github.com/jmcleod/vpnpki/storage"
	"github.com/jmcleod/vpnpki/storage/fs"
	"github.com/jmcleod/vpnpki/toolchain"
	"github.com/jmcleod/vpnpki/toolchain/easyrsa"
	"github.com/jmcleod/vpnpki/toolchain/native"
)

// PathDaemonConfig is written by the image's ovpn_genconfig on first start.
const PathDaemonConfig = "openvpn.conf"

// journalOpenTimeout caps the wait for the journal file lock, which a running
// serve holds for its lifetime.
const journalOpenTimeout = 5 * time.Second

// Service is the façade over one PKI instance.
type Service struct {
	cfg     config.Config
	store   *fs.Store
	inst    *pki.Instance
	backups *backup.Manager
	journal *journal.Journal
	runtime *container.Runtime
	now     func() time.Time
	logger  *slog.Logger
}

type options struct {
	logger    *slog.Logger
	toolchain func(*fs.Store) toolchain.Toolchain
	runner    container.Runner
	s3        backup.S3Factory
	now       func() time.Time
}

// Option configures a Service.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithToolchain overrides the configured toolchain.
func WithToolchain(build func(*fs.Store) toolchain.Toolchain) Option {
	return func(o *options) { o.toolchain = build }
}

// WithContainerRunner replaces the docker process runner.
func WithContainerRunner(r container.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithS3 overrides the S3 client used for s3:// snapshot locations.
func WithS3(f backup.S3Factory) Option {
	return func(o *options) { o.s3 = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens the instance described by cfg. Close releases the journal.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("instance", cfg.Instance)

	store, err := fs.Open(cfg.InstanceRoot(), fs.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	var tc toolchain.Toolchain
	switch {
	case o.toolchain != nil:
		tc = o.toolchain(store)
	case cfg.Toolchain == config.ToolchainNative:
		tc = native.New(store, native.WithLogger(logger), native.WithClock(o.now))
	default:
		pass, err := cfg.CAPassphrase()
		if err != nil {
			return nil, err
		}
		eopts := []easyrsa.Option{
			easyrsa.WithBinary(cfg.EasyRSA),
			easyrsa.WithTimeout(cfg.ToolchainTimeout),
			easyrsa.WithLogger(logger),
		}
		if pass != nil {
			eopts = append(eopts, easyrsa.WithPassphrase(pass))
		}
		tc = easyrsa.New(store, eopts...)
	}

	inst, err := pki.Open(ctx, cfg.Instance, store, tc,
		pki.WithLockTimeout(cfg.LockTimeout),
		pki.WithRefreshWindow(cfg.CRLRefreshWindow),
		pki.WithClock(o.now),
		pki.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	bpass, err := cfg.BackupPassphrase()
	if err != nil {
		return nil, err
	}
	s3f := o.s3
	if s3f == nil {
		s3f = defaultS3(cfg)
	}
	bopts := []backup.Option{backup.WithS3(s3f), backup.WithClock(o.now), backup.WithLogger(logger)}
	if bpass != nil {
		bopts = append(bopts, backup.WithPassphrase(bpass))
	}

	j, err := journal.Open(cfg.JournalPath(),
		journal.WithTimeout(min(cfg.LockTimeout, journalOpenTimeout)),
		journal.WithClock(o.now),
		journal.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	copts := []container.Option{
		container.WithBinary(cfg.Docker),
		container.WithImage(cfg.Image),
		container.WithLogger(logger),
	}
	if o.runner != nil {
		copts = append(copts, container.WithRunner(o.runner))
	}

	return &Service{
		cfg:     cfg,
		store:   store,
		inst:    inst,
		backups: backup.NewManager(inst, bopts...),
		journal: j,
		runtime: container.New(cfg.Instance, store.Root(), copts...),
		now:     o.now,
		logger:  logger.With("component", "service"),
	}, nil
}

// defaultS3 builds the client from the standard AWS credential chain the
// first time an s3:// location is used.
func defaultS3(cfg config.Config) backup.S3Factory {
	return func() (s3iface.S3API, error) {
		ac := aws.NewConfig()
		if cfg.S3Region != "" {
			ac = ac.WithRegion(cfg.S3Region)
		}
		if cfg.S3Endpoint != "" {
			ac = ac.WithEndpoint(cfg.S3Endpoint).WithS3ForcePathStyle(true)
		}
		sess, err := session.NewSession(ac)
		if err != nil {
			return nil, fmt.Errorf("creating AWS session: %w", err)
		}
		return s3.New(sess), nil
	}
}

// Close releases the journal database.
func (s *Service) Close() error {
	return s.journal.Close()
}

// Config returns the configuration the service was built from.
func (s *Service) Config() config.Config { return s.cfg }

// record appends an audit entry. A journal failure is logged, never
// returned: the operation it describes has already happened.
func (s *Service) record(action journal.Action, subject string, err error, detail string) {
	e := journal.Entry{Instance: s.cfg.Instance, Action: action, Subject: subject, Outcome: journal.OutcomeSuccess, Detail: detail}
	if err != nil {
		e.Outcome = journal.OutcomeFailure
		e.Detail = errs.KindOf(err).String() + ": " + err.Error()
	}
	if _, jerr := s.journal.Append(e); jerr != nil {
		s.logger.Error("journal append failed", "action", action, "subject", subject, "error", jerr)
	}
}

// ---------------------------------------------------------------------------
// PKI lifecycle
// ---------------------------------------------------------------------------

// Init creates the CA for serverURL.
func (s *Service) Init(ctx context.Context, serverURL string) (pki.Info, error) {
	info, err := s.inst.Init(ctx, serverURL)
	detail := ""
	if info.CA != nil {
		detail = "fingerprint=" + info.CA.Fingerprint
	}
	s.record(journal.ActionInit, serverURL, err, detail)
	return info, err
}

// AddClient issues a certificate for name.
func (s *Service) AddClient(ctx context.Context, name string) (pki.ClientRecord, error) {
	rec, err := s.inst.AddClient(ctx, name)
	s.record(journal.ActionClientAdded, name, err, "serial="+string(rec.Serial))
	return rec, err
}

// RevokeClient revokes name's active certificate.
func (s *Service) RevokeClient(ctx context.Context, name string) (pki.RevokeResult, error) {
	res, err := s.inst.RevokeClient(ctx, name)
	detail := fmt.Sprintf("serial=%s crl_stale=%t", res.Client.Serial, res.CRLStale)
	s.record(journal.ActionClientRevoked, name, err, detail)
	return res, err
}

// ListClients returns every client record in issuance order.
func (s *Service) ListClients(ctx context.Context) ([]pki.ClientRecord, error) {
	return s.inst.ListClients(ctx)
}

// Client returns the active record for name.
func (s *Service) Client(ctx context.Context, name string) (pki.ClientRecord, error) {
	return s.inst.Client(ctx, name)
}

// ClientConfig renders the inline .ovpn profile for name.
func (s *Service) ClientConfig(ctx context.Context, name string) ([]byte, error) {
	b, err := s.inst.Bundle(ctx, name)
	if err != nil {
		return nil, err
	}
	return ovpn.Inline(b)
}

// ClientArchive renders the zip bundle for name.
func (s *Service) ClientArchive(ctx context.Context, name string) ([]byte, error) {
	b, err := s.inst.Bundle(ctx, name)
	if err != nil {
		return nil, err
	}
	return ovpn.Archive(b, s.now())
}

// RefreshCRL regenerates the CRL when due or forced. Only regenerations
// and failures are journaled.
func (s *Service) RefreshCRL(ctx context.Context, force bool) (toolchain.CRLInfo, bool, error) {
	crl, regenerated, err := s.inst.RefreshCRL(ctx, force)
	if regenerated || err != nil {
		s.record(journal.ActionCRLRefreshed, "", err, fmt.Sprintf("number=%d next_update=%s", crl.Number, crl.NextUpdate.Format(time.RFC3339)))
	}
	return crl, regenerated, err
}

// RunCRLRefresher calls RefreshCRL every interval until ctx is done.
func (s *Service) RunCRLRefresher(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _, err := s.RefreshCRL(ctx, false)
			if err != nil && !errs.Is(err, errs.NotInitialized) && !errors.Is(err, context.Canceled) {
				s.logger.Warn("scheduled CRL refresh failed", "error", err)
			}
		}
	}
}

// Info summarizes the instance.
func (s *Service) Info(ctx context.Context) pki.Info {
	return s.inst.Info(ctx)
}

// CRL returns the current PEM revocation list.
func (s *Service) CRL(ctx context.Context) ([]byte, error) {
	return s.inst.CRL(ctx)
}

// ---------------------------------------------------------------------------
// Backups
// ---------------------------------------------------------------------------

// Backup writes a snapshot to destination.
func (s *Service) Backup(ctx context.Context, destination string) (backup.Result, error) {
	res, err := s.backups.Backup(ctx, destination)
	s.record(journal.ActionBackupCreated, destination, err, res.Manifest.Digest)
	return res, err
}

// Restore replaces the instance with the snapshot at source.
func (s *Service) Restore(ctx context.Context, source string, confirm bool) (pki.Info, error) {
	info, err := s.backups.Restore(ctx, source, confirm)
	s.record(journal.ActionSnapshotRestored, source, err, "phase="+string(info.Phase))
	return info, err
}

// VerifySnapshot checks the snapshot at source without restoring it.
func (s *Service) VerifySnapshot(ctx context.Context, source string) (backup.Manifest, error) {
	return s.backups.Verify(ctx, source)
}

// ---------------------------------------------------------------------------
// Daemon
// ---------------------------------------------------------------------------

// Status combines the instance summary with the container state. It never
// fails; a runtime problem is reported in ContainerError.
type Status struct {
	Instance       pki.Info        `json:"instance"`
	Container      container.State `json:"container"`
	ContainerError string          `json:"container_error,omitempty"`
}

// Start configures the daemon on first use and starts its container.
func (s *Service) Start(ctx context.Context) error {
	err := s.start(ctx)
	s.record(journal.ActionContainerStarted, s.runtime.Name(), err, "")
	return err
}

func (s *Service) start(ctx context.Context) error {
	var server validate.Endpoint
	// The configured check and ovpn_genconfig write into the tree, so they run
	// with the instance's exclusive token like any other tree writer.
	err := s.inst.Exclusive(ctx, func(store storage.Store, info pki.Info) error {
		if info.Phase != pki.PhaseReady || info.Server == nil {
			return errs.Errorf("service.start", errs.NotInitialized, "instance %s is %s; run init first", info.ID, info.Phase)
		}
		server = *info.Server
		configured, err := store.Exists(PathDaemonConfig)
		if err != nil {
			return err
		}
		if configured {
			return nil
		}
		return s.runtime.Configure(ctx, server)
	})
	if err != nil {
		return err
	}
	return s.runtime.Start(ctx, server)
}

// Stop stops the container.
func (s *Service) Stop(ctx context.Context) error {
	err := s.runtime.Stop(ctx)
	s.record(journal.ActionContainerStopped, s.runtime.Name(), err, "")
	return err
}

// Status reports the instance and container state with up to tail log lines.
func (s *Service) Status(ctx context.Context, tail int) Status {
	st := Status{Instance: s.inst.Info(ctx)}
	cs, err := s.runtime.Status(ctx, tail)
	st.Container = cs
	if err != nil {
		st.ContainerError = err.Error()
	}
	return st
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AuditLog returns the instance's journal in append order.
func (s *Service) AuditLog() ([]journal.Entry, error) {
	return s.journal.List(s.cfg.Instance)
}

// VerifyAudit checks the instance's journal chain.
func (s *Service) VerifyAudit() (journal.Result, error) {
	return s.journal.Verify(s.cfg.Instance)
}

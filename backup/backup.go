// Package backup produces and restores consistent snapshots of a PKI
// instance. The tree is read under the instance's exclusive token, so a
// snapshot never mixes pre- and post-mutation artifacts; restore verifies
// the whole archive before the token is even requested.
package backup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/pki"
	"github.com/jmcleod/vpnpki/storage"
)

// Manager backs up and restores one instance.
type Manager struct {
	inst       *pki.Instance
	passphrase *memguard.Enclave
	s3         S3Factory
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPassphrase seals new snapshots and opens sealed ones.
func WithPassphrase(e *memguard.Enclave) Option {
	return func(m *Manager) { m.passphrase = e }
}

// WithS3 enables s3://bucket/key locations.
func WithS3(f S3Factory) Option {
	return func(m *Manager) { m.s3 = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager for inst.
func NewManager(inst *pki.Instance, opts ...Option) *Manager {
	m := &Manager{inst: inst, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "backup", "instance", inst.ID())
	return m
}

// Result describes a written snapshot.
type Result struct {
	Location string   `json:"location"`
	Sealed   bool     `json:"sealed"`
	Bytes    int      `json:"bytes"`
	Manifest Manifest `json:"manifest"`
}

// Backup snapshots the instance tree into destination, a local path or an
// s3://bucket/key URL. All failures are reported as BackupFailed.
func (m *Manager) Backup(ctx context.Context, destination string) (Result, error) {
	const op = "backup.backup"
	dst, err := parseTarget(destination, m.s3)
	if err != nil {
		return Result{}, err
	}

	var (
		archive  []byte
		manifest Manifest
	)
	err = m.inst.Freeze(ctx, func(store storage.Store, info pki.Info) error {
		paths, err := store.List("")
		if err != nil {
			return err
		}
		files := make(map[string][]byte, len(paths))
		for _, p := range paths {
			data, err := store.Get(p)
			if err != nil {
				return err
			}
			files[p] = data
		}
		archive, manifest, err = buildArchive(info.ID, m.now(), files)
		return err
	})
	if err != nil {
		if k := errs.KindOf(err); k == errs.Timeout || k == errs.Canceled {
			return Result{}, errs.E(op, k, err)
		}
		return Result{}, errs.E(op, errs.BackupFailed, err)
	}

	sealed := false
	if m.passphrase != nil {
		if archive, err = seal(archive, m.passphrase); err != nil {
			return Result{}, errs.E(op, errs.BackupFailed, err)
		}
		sealed = true
	}

	// The token is released; writing may be slow.
	if err := dst.write(ctx, archive); err != nil {
		return Result{}, errs.E(op, errs.BackupFailed, err)
	}
	m.logger.Info("snapshot written", "location", dst.String(), "files", len(manifest.Files),
		"digest", manifest.Digest, "sealed", sealed)
	return Result{Location: dst.String(), Sealed: sealed, Bytes: len(archive), Manifest: manifest}, nil
}

// Restore replaces the instance tree with the snapshot at source. Without
// confirm it fails before reading anything. The archive is verified in full
// before the current state is touched.
func (m *Manager) Restore(ctx context.Context, source string, confirm bool) (pki.Info, error) {
	const op = "backup.restore"
	if !confirm {
		return pki.Info{}, errs.Errorf(op, errs.InvalidInput, "restore replaces all current state and must be confirmed")
	}
	src, err := parseTarget(source, m.s3)
	if err != nil {
		return pki.Info{}, err
	}

	data, err := src.read(ctx)
	if err != nil {
		if errs.KindOf(err) == errs.Unknown {
			return pki.Info{}, errs.E(op, errs.BackupFailed, err)
		}
		return pki.Info{}, errs.E(op, errs.Unknown, err)
	}
	manifest, files, err := m.open(data)
	if err != nil {
		return pki.Info{}, errs.E(op, errs.Unknown, err)
	}

	info, err := m.inst.Replace(ctx, files)
	if err != nil {
		return pki.Info{}, errs.E(op, errs.Unknown, err)
	}
	m.logger.Info("snapshot restored", "location", src.String(), "source_instance", manifest.InstanceID,
		"created_at", manifest.CreatedAt, "phase", info.Phase)
	return info, nil
}

// Verify reads and checks the snapshot at source without restoring it.
func (m *Manager) Verify(ctx context.Context, source string) (Manifest, error) {
	const op = "backup.verify"
	src, err := parseTarget(source, m.s3)
	if err != nil {
		return Manifest{}, err
	}
	data, err := src.read(ctx)
	if err != nil {
		if errs.KindOf(err) == errs.Unknown {
			return Manifest{}, errs.E(op, errs.BackupFailed, err)
		}
		return Manifest{}, errs.E(op, errs.Unknown, err)
	}
	manifest, _, err := m.open(data)
	if err != nil {
		return Manifest{}, errs.E(op, errs.Unknown, err)
	}
	return manifest, nil
}

// open unseals when needed and verifies the archive.
func (m *Manager) open(data []byte) (Manifest, map[string][]byte, error) {
	if isSealed(data) {
		if m.passphrase == nil {
			return Manifest{}, nil, errs.Errorf("backup.open", errs.PassphraseRequired, "snapshot is encrypted and no backup passphrase is configured")
		}
		plain, err := unseal(data, m.passphrase)
		if err != nil {
			return Manifest{}, nil, classify(err)
		}
		data = plain
	}
	manifest, files, err := readArchive(data)
	if err != nil {
		return Manifest{}, nil, classify(err)
	}
	return manifest, files, nil
}

func classify(err error) error {
	if errors.Is(err, errCorrupt) {
		return errs.E("backup.verify", errs.CorruptSnapshot, err)
	}
	return errs.E("backup.verify", errs.BackupFailed, err)
}

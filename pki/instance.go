// Package pki is the lifecycle state machine of one PKI instance. It owns the
// per-instance exclusive token, drives the toolchain through the init, issue
// and revoke sequences, and persists the client registry and phase next to
// the toolchain's tree in the artifact store.
//
// Mutations hold the whole weight of a FIFO semaphore. Registry reads never
// take it: they load an immutable view that is swapped in only after a
// mutation has been fully persisted, so a reader sees either the state
// before a mutation or the state after it. Reads that go to the tree itself
// hold one unit, which excludes mutations but not each other.
package pki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/validate"
	"github.com/jmcleod/vpnpki/storage"
	"github.com/jmcleod/vpnpki/toolchain"
)

// Registry paths, relative to the instance root.
const (
	PathInstance = "state/instance.json"
	PathClients  = "state/clients.json"
)

// Defaults for Open options.
const (
	DefaultLockTimeout   = 10 * time.Minute
	DefaultRefreshWindow = 72 * time.Hour
)

// exclusiveWeight is the semaphore size. A mutation takes all of it.
const exclusiveWeight int64 = 1 << 20

// Phase is the lifecycle phase of an instance.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseReady         Phase = "ready"
	PhaseCorrupted     Phase = "corrupted"
)

// Status of a client certificate record.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// ClientRecord is one issued client certificate. Revoked records are kept.
type ClientRecord struct {
	Name      string           `json:"name"`
	Serial    toolchain.Serial `json:"serial"`
	Status    Status           `json:"status"`
	IssuedAt  time.Time        `json:"issued_at"`
	RevokedAt *time.Time       `json:"revoked_at,omitempty"`
	NotAfter  time.Time        `json:"not_after,omitzero"`
}

// CAInfo is the public description of the instance CA.
type CAInfo struct {
	Subject     toolchain.Subject `json:"subject"`
	Fingerprint string            `json:"fingerprint"`
	NotBefore   time.Time         `json:"not_before"`
	NotAfter    time.Time         `json:"not_after"`
}

// Info is a point-in-time summary of an instance.
type Info struct {
	ID             string             `json:"id"`
	Phase          Phase              `json:"phase"`
	Server         *validate.Endpoint `json:"server,omitempty"`
	CA             *CAInfo            `json:"ca,omitempty"`
	CRL            *toolchain.CRLInfo `json:"crl,omitempty"`
	CRLStale       bool               `json:"crl_stale"`
	ActiveClients  int                `json:"active_clients"`
	RevokedClients int                `json:"revoked_clients"`
}

// meta is the persisted form of state/instance.json.
type meta struct {
	ID        string             `json:"id"`
	Phase     Phase              `json:"phase"`
	Server    *validate.Endpoint `json:"server,omitempty"`
	CA        *CAInfo            `json:"ca,omitempty"`
	CRLStale  bool               `json:"crl_stale"`
	CRL       *toolchain.CRLInfo `json:"crl,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// view is an immutable snapshot. Never modify one after publishing it.
type view struct {
	meta    meta
	clients []ClientRecord
}

// ---------------------------------------------------------------------------
// Instance
// ---------------------------------------------------------------------------

// Instance is a PKI instance bound to its store and toolchain.
type Instance struct {
	id            string
	store         storage.Store
	tc            toolchain.Toolchain
	sem           *semaphore.Weighted
	lockTimeout   time.Duration
	refreshWindow time.Duration
	now           func() time.Time
	logger        *slog.Logger

	state atomic.Pointer[view]
}

// Option configures an Instance.
type Option func(*Instance)

// WithLockTimeout bounds how long a mutation waits for the exclusive token.
func WithLockTimeout(d time.Duration) Option {
	return func(i *Instance) { i.lockTimeout = d }
}

// WithRefreshWindow sets how close to NextUpdate RefreshCRL regenerates.
func WithRefreshWindow(d time.Duration) Option {
	return func(i *Instance) { i.refreshWindow = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Instance) { i.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Instance) { i.logger = l }
}

// Open loads the persisted phase and client registry of instance id.
func Open(ctx context.Context, id string, store storage.Store, tc toolchain.Toolchain, opts ...Option) (*Instance, error) {
	if id == "" {
		return nil, errs.Errorf("pki.open", errs.InvalidInput, "instance id is required")
	}
	i := &Instance{
		id:            id,
		store:         store,
		tc:            tc,
		sem:           semaphore.NewWeighted(exclusiveWeight),
		lockTimeout:   DefaultLockTimeout,
		refreshWindow: DefaultRefreshWindow,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "pki", "instance", id)

	if err := ctx.Err(); err != nil {
		return nil, errs.E("pki.open", errs.Unknown, err)
	}
	v, err := i.load()
	if err != nil {
		return nil, err
	}
	i.state.Store(v)
	return i, nil
}

// ID returns the instance identifier.
func (i *Instance) ID() string {
	return i.id
}

// load reads the registry from the store. An unreadable registry, or one
// left in the initializing phase by a crash, loads as corrupted.
func (i *Instance) load() (*view, error) {
	data, err := i.store.Get(PathInstance)
	switch {
	case errs.Is(err, errs.NotFound):
		return &view{meta: meta{ID: i.id, Phase: PhaseUninitialized}}, nil
	case err != nil:
		return nil, errs.E("pki.load", errs.Unknown, err)
	}

	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		i.logger.Error("instance registry unreadable", "error", err)
		return &view{meta: meta{ID: i.id, Phase: PhaseCorrupted}}, nil
	}
	m.ID = i.id

	switch m.Phase {
	case PhaseInitializing:
		i.logger.Warn("found interrupted init, marking corrupted")
		m.Phase = PhaseCorrupted
		return &view{meta: m}, nil
	case PhaseUninitialized, PhaseCorrupted:
		return &view{meta: m}, nil
	case PhaseReady:
	default:
		i.logger.Error("unknown phase in registry", "phase", m.Phase)
		m.Phase = PhaseCorrupted
		return &view{meta: m}, nil
	}

	clients := []ClientRecord{}
	data, err = i.store.Get(PathClients)
	switch {
	case errs.Is(err, errs.NotFound):
		i.logger.Error("client registry missing for ready instance")
		m.Phase = PhaseCorrupted
	case err != nil:
		return nil, errs.E("pki.load", errs.Unknown, err)
	default:
		if err := json.Unmarshal(data, &clients); err != nil {
			i.logger.Error("client registry unreadable", "error", err)
			m.Phase = PhaseCorrupted
		}
	}
	return &view{meta: m, clients: clients}, nil
}

// reload re-reads the store and publishes the result.
func (i *Instance) reload() error {
	v, err := i.load()
	if err != nil {
		return err
	}
	i.publish(v)
	return nil
}

func (i *Instance) publish(v *view) {
	prev := i.state.Swap(v)
	if prev == nil || prev.meta.Phase != v.meta.Phase {
		from := Phase("")
		if prev != nil {
			from = prev.meta.Phase
		}
		i.logger.Info("phase transition", "from", from, "to", v.meta.Phase)
	}
}

// ---------------------------------------------------------------------------
// Exclusive token
// ---------------------------------------------------------------------------

// acquire waits for the exclusive token. Waiters are served in FIFO order.
func (i *Instance) acquire(ctx context.Context, op string) (func(), error) {
	return i.acquireN(ctx, op, exclusiveWeight)
}

// acquireShared waits for a read share of the token. A queued mutation
// blocks later readers, so writers are not starved.
func (i *Instance) acquireShared(ctx context.Context, op string) (func(), error) {
	return i.acquireN(ctx, op, 1)
}

func (i *Instance) acquireN(ctx context.Context, op string, n int64) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, i.lockTimeout)
	defer cancel()
	if err := i.sem.Acquire(waitCtx, n); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			if errors.Is(cerr, context.DeadlineExceeded) {
				return nil, errs.E(op, errs.Timeout, cerr)
			}
			return nil, errs.E(op, errs.Canceled, cerr)
		}
		return nil, errs.Errorf(op, errs.Timeout, "waiting for instance lock exceeded %s", i.lockTimeout)
	}
	return func() { i.sem.Release(n) }, nil
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func (i *Instance) persistMeta(m meta) error {
	m.UpdatedAt = i.now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding instance registry: %w", err)
	}
	return i.store.Put(PathInstance, data)
}

func (i *Instance) persistClients(clients []ClientRecord) error {
	if clients == nil {
		clients = []ClientRecord{}
	}
	data, err := json.MarshalIndent(clients, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding client registry: %w", err)
	}
	return i.store.Put(PathClients, data)
}

// markCorrupted records that the tree and registry may disagree. The phase is
// persisted on a best-effort basis since the store may be what failed.
func (i *Instance) markCorrupted(cur *view, cause error) {
	m := cur.meta
	m.Phase = PhaseCorrupted
	if err := i.persistMeta(m); err != nil {
		i.logger.Error("persisting corrupted phase failed", "error", err)
	}
	i.logger.Error("instance corrupted", "cause", cause)
	i.publish(&view{meta: m, clients: cur.clients})
}

// ---------------------------------------------------------------------------
// View helpers
// ---------------------------------------------------------------------------

func (v *view) info() Info {
	out := Info{
		ID:       v.meta.ID,
		Phase:    v.meta.Phase,
		Server:   v.meta.Server,
		CA:       v.meta.CA,
		CRL:      v.meta.CRL,
		CRLStale: v.meta.CRLStale,
	}
	for _, c := range v.clients {
		if c.Status == StatusActive {
			out.ActiveClients++
		} else {
			out.RevokedClients++
		}
	}
	return out
}

func (v *view) active(name string) (int, bool) {
	for idx, c := range v.clients {
		if c.Name == name && c.Status == StatusActive {
			return idx, true
		}
	}
	return -1, false
}

func (v *view) serialUsed(s toolchain.Serial) bool {
	for _, c := range v.clients {
		if c.Serial == s {
			return true
		}
	}
	return false
}

func (v *view) cloneClients() []ClientRecord {
	out := make([]ClientRecord, len(v.clients))
	copy(out, v.clients)
	return out
}

// requireReady maps a non-ready phase to its error kind.
func requireReady(op string, v *view) error {
	switch v.meta.Phase {
	case PhaseReady:
		return nil
	case PhaseCorrupted:
		return errs.Errorf(op, errs.Corrupted, "instance %s is corrupted; restore a backup", v.meta.ID)
	default:
		return errs.Errorf(op, errs.NotInitialized, "instance %s is %s", v.meta.ID, v.meta.Phase)
	}
}

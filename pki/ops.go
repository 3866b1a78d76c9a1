package pki

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/validate"
	"github.com/jmcleod/vpnpki/storage"
	"github.com/jmcleod/vpnpki/toolchain"
)

// RevokeResult reports a completed revocation. CRLStale is set when the
// revocation stands but the CRL could not be regenerated; RefreshCRL retries.
type RevokeResult struct {
	Client   ClientRecord `json:"client"`
	CRLStale bool         `json:"crl_stale"`
}

// Bundle is the PEM material a client profile is rendered from.
type Bundle struct {
	Name     string
	Server   validate.Endpoint
	CA       []byte
	Cert     []byte
	Key      []byte
	TLSCrypt []byte
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Init creates the CA for serverURL (proto://host[:port]). It is legal only
// from the uninitialized phase.
func (i *Instance) Init(ctx context.Context, serverURL string) (Info, error) {
	const op = "pki.init"
	ep, err := validate.ServerURL(serverURL)
	if err != nil {
		return Info{}, err
	}
	release, err := i.acquire(ctx, op)
	if err != nil {
		return Info{}, err
	}
	defer release()
	tcCtx := context.WithoutCancel(ctx)

	cur := i.state.Load()
	switch cur.meta.Phase {
	case PhaseUninitialized:
	case PhaseReady:
		return Info{}, errs.Errorf(op, errs.AlreadyExists, "instance %s is already initialized", i.id)
	default:
		return Info{}, requireReady(op, cur)
	}

	m := cur.meta
	m.Phase = PhaseInitializing
	m.Server = &ep
	if err := i.persistMeta(m); err != nil {
		return Info{}, errs.E(op, errs.Unknown, err)
	}
	i.publish(&view{meta: m})

	ca, err := i.tc.InitCA(tcCtx, toolchain.Subject{CommonName: ep.Host})
	if err != nil {
		return Info{}, i.failInit(op, m, err)
	}
	crl, err := i.tc.RegenerateCRL(tcCtx)
	if err != nil {
		return Info{}, i.failInit(op, m, err)
	}
	if err := i.persistClients(nil); err != nil {
		return Info{}, i.failInit(op, m, err)
	}

	m.Phase = PhaseReady
	m.CA = &CAInfo{
		Subject:     ca.Subject,
		Fingerprint: ca.Fingerprint,
		NotBefore:   ca.NotBefore,
		NotAfter:    ca.NotAfter,
	}
	m.CRL = &crl
	m.CRLStale = false
	if err := i.persistMeta(m); err != nil {
		return Info{}, i.failInit(op, m, err)
	}
	v := &view{meta: m, clients: []ClientRecord{}}
	i.publish(v)
	i.logger.Info("instance initialized", "server", ep.String(), "fingerprint", ca.Fingerprint)
	return v.info(), nil
}

// failInit decides where a failed init leaves the instance. When the
// toolchain provably never touched the tree the instance returns to
// uninitialized so init can simply be retried; otherwise it is corrupted.
func (i *Instance) failInit(op string, m meta, cause error) error {
	revert := false
	switch errs.KindOf(cause) {
	case errs.ToolchainNotFound, errs.InvalidInput:
		revert = true
	default:
		exists, err := i.store.Exists(toolchain.PathCACert)
		revert = err == nil && !exists
	}

	if revert {
		m = meta{ID: i.id, Phase: PhaseUninitialized}
	} else {
		m.Phase = PhaseCorrupted
	}
	if err := i.persistMeta(m); err != nil {
		i.logger.Error("persisting phase after failed init", "error", err)
	}
	i.publish(&view{meta: m})
	i.logger.Error("init failed", "phase", m.Phase, "error", cause)
	return errs.E(op, errs.Unknown, cause)
}

// AddClient issues a certificate for name. An active client with the same
// name yields AlreadyExists and leaves state unchanged.
func (i *Instance) AddClient(ctx context.Context, name string) (ClientRecord, error) {
	const op = "pki.add_client"
	if err := validate.ClientName(name); err != nil {
		return ClientRecord{}, err
	}
	if err := checkNotServer(op, i.state.Load(), name); err != nil {
		return ClientRecord{}, err
	}
	release, err := i.acquire(ctx, op)
	if err != nil {
		return ClientRecord{}, err
	}
	defer release()

	cur := i.state.Load()
	if err := requireReady(op, cur); err != nil {
		return ClientRecord{}, err
	}
	if err := checkNotServer(op, cur, name); err != nil {
		return ClientRecord{}, err
	}
	if _, ok := cur.active(name); ok {
		return ClientRecord{}, errs.Errorf(op, errs.AlreadyExists, "client %q already has an active certificate", name)
	}

	serial, err := i.tc.IssueClientCert(context.WithoutCancel(ctx), name)
	if err != nil {
		return ClientRecord{}, errs.E(op, errs.Unknown, err)
	}
	if cur.serialUsed(serial) {
		err := errs.Errorf(op, errs.Corrupted, "toolchain reused serial %s", serial)
		i.markCorrupted(cur, err)
		return ClientRecord{}, err
	}

	rec := ClientRecord{
		Name:     name,
		Serial:   serial,
		Status:   StatusActive,
		IssuedAt: i.now().UTC(),
	}
	if data, err := i.store.Get(toolchain.IssuedCert(name)); err == nil {
		if cert, err := toolchain.ParseCertPEM(data); err == nil {
			rec.NotAfter = cert.NotAfter.UTC()
		}
	}

	clients := append(cur.cloneClients(), rec)
	if err := i.persistClients(clients); err != nil {
		i.markCorrupted(cur, err)
		return ClientRecord{}, errs.E(op, errs.Unknown, err)
	}
	i.publish(&view{meta: cur.meta, clients: clients})
	i.logger.Info("client added", "name", name, "serial", serial)
	return rec, nil
}

// checkNotServer rejects the server certificate's common name, whose
// certificate and key share the client artifact paths.
func checkNotServer(op string, v *view, name string) error {
	if v.meta.Server != nil && v.meta.Server.Host == name {
		return errs.Errorf(op, errs.InvalidInput, "client name %q is the server's common name", name)
	}
	return nil
}

// RevokeClient revokes the active certificate of name and regenerates the
// CRL. A CRL failure does not undo the revocation; it is reported through
// RevokeResult.CRLStale.
func (i *Instance) RevokeClient(ctx context.Context, name string) (RevokeResult, error) {
	const op = "pki.revoke_client"
	if err := validate.ClientName(name); err != nil {
		return RevokeResult{}, err
	}
	release, err := i.acquire(ctx, op)
	if err != nil {
		return RevokeResult{}, err
	}
	defer release()
	tcCtx := context.WithoutCancel(ctx)

	cur := i.state.Load()
	if err := requireReady(op, cur); err != nil {
		return RevokeResult{}, err
	}
	idx, ok := cur.active(name)
	if !ok {
		return RevokeResult{}, errs.Errorf(op, errs.NotFound, "no active client named %q", name)
	}

	rec := cur.clients[idx]
	if err := i.tc.RevokeCert(tcCtx, rec.Serial); err != nil {
		return RevokeResult{}, errs.E(op, errs.Unknown, err)
	}
	now := i.now().UTC()
	rec.Status = StatusRevoked
	rec.RevokedAt = &now
	clients := cur.cloneClients()
	clients[idx] = rec
	if err := i.persistClients(clients); err != nil {
		i.markCorrupted(cur, err)
		return RevokeResult{}, errs.E(op, errs.Unknown, err)
	}

	m := cur.meta
	crl, crlErr := i.tc.RegenerateCRL(tcCtx)
	if crlErr != nil {
		i.logger.Warn("CRL regeneration failed after revoke", "name", name, "error", crlErr)
		m.CRLStale = true
	} else {
		m.CRL = &crl
		m.CRLStale = false
	}
	if err := i.persistMeta(m); err != nil {
		i.markCorrupted(&view{meta: m, clients: clients}, err)
		return RevokeResult{}, errs.E(op, errs.Unknown, err)
	}
	i.publish(&view{meta: m, clients: clients})
	i.logger.Info("client revoked", "name", name, "serial", rec.Serial, "crl_stale", m.CRLStale)
	return RevokeResult{Client: rec, CRLStale: m.CRLStale}, nil
}

// RefreshCRL regenerates the CRL when it is stale, when NextUpdate falls
// within the refresh window, or when force is set. It reports whether a new
// CRL was written.
func (i *Instance) RefreshCRL(ctx context.Context, force bool) (toolchain.CRLInfo, bool, error) {
	const op = "pki.refresh_crl"
	release, err := i.acquire(ctx, op)
	if err != nil {
		return toolchain.CRLInfo{}, false, err
	}
	defer release()

	cur := i.state.Load()
	if err := requireReady(op, cur); err != nil {
		return toolchain.CRLInfo{}, false, err
	}
	m := cur.meta
	due := force || m.CRLStale || m.CRL == nil || !i.now().Add(i.refreshWindow).Before(m.CRL.NextUpdate)
	if !due {
		return *m.CRL, false, nil
	}

	crl, err := i.tc.RegenerateCRL(context.WithoutCancel(ctx))
	if err != nil {
		if !m.CRLStale {
			m.CRLStale = true
			if perr := i.persistMeta(m); perr == nil {
				i.publish(&view{meta: m, clients: cur.clients})
			}
		}
		return toolchain.CRLInfo{}, false, errs.E(op, errs.Unknown, err)
	}
	m.CRL = &crl
	m.CRLStale = false
	if err := i.persistMeta(m); err != nil {
		return toolchain.CRLInfo{}, false, errs.E(op, errs.Unknown, err)
	}
	i.publish(&view{meta: m, clients: cur.clients})
	i.logger.Info("CRL regenerated", "number", crl.Number, "next_update", crl.NextUpdate)
	return crl, true, nil
}

// Freeze runs fn while holding the exclusive token, so the tree it reads is
// consistent. fn must not call back into mutating Instance methods.
func (i *Instance) Freeze(ctx context.Context, fn func(store storage.Store, info Info) error) error {
	return i.exclusive(ctx, "pki.freeze", fn)
}

// Exclusive runs fn with the exclusive token for writers outside the state
// machine, such as the daemon's generated configuration. fn may change files
// in the tree but must leave the registry and the toolchain's artifacts alone.
func (i *Instance) Exclusive(ctx context.Context, fn func(store storage.Store, info Info) error) error {
	return i.exclusive(ctx, "pki.exclusive", fn)
}

func (i *Instance) exclusive(ctx context.Context, op string, fn func(store storage.Store, info Info) error) error {
	release, err := i.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()
	return fn(i.store, i.state.Load().info())
}

// Replace swaps the whole tree for files and reloads the phase from it. It
// is legal from any phase.
func (i *Instance) Replace(ctx context.Context, files map[string][]byte) (Info, error) {
	const op = "pki.replace"
	release, err := i.acquire(ctx, op)
	if err != nil {
		return Info{}, err
	}
	defer release()

	if err := i.store.Replace(files); err != nil {
		return Info{}, errs.E(op, errs.Unknown, err)
	}
	if err := i.reload(); err != nil {
		return Info{}, errs.E(op, errs.Unknown, err)
	}
	info := i.state.Load().info()
	i.logger.Info("tree replaced", "files", len(files), "phase", info.Phase)
	return info, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Info summarizes the instance. It never blocks on a running mutation.
func (i *Instance) Info(_ context.Context) Info {
	return i.state.Load().info()
}

// ListClients returns every record in issuance order. When the instance is
// not ready it returns an empty slice with NotInitialized or Corrupted.
func (i *Instance) ListClients(_ context.Context) ([]ClientRecord, error) {
	v := i.state.Load()
	if err := requireReady("pki.list_clients", v); err != nil {
		return []ClientRecord{}, err
	}
	return v.cloneClients(), nil
}

// Client returns the active record for name.
func (i *Instance) Client(_ context.Context, name string) (ClientRecord, error) {
	const op = "pki.client"
	if err := validate.ClientName(name); err != nil {
		return ClientRecord{}, err
	}
	v := i.state.Load()
	if err := requireReady(op, v); err != nil {
		return ClientRecord{}, err
	}
	idx, ok := v.active(name)
	if !ok {
		return ClientRecord{}, errs.Errorf(op, errs.NotFound, "no active client named %q", name)
	}
	return v.clients[idx], nil
}

// Bundle loads the PEM material for the active client name. The files are
// read under a read share of the token so they come from one tree.
func (i *Instance) Bundle(ctx context.Context, name string) (Bundle, error) {
	const op = "pki.bundle"
	if err := validate.ClientName(name); err != nil {
		return Bundle{}, err
	}
	release, err := i.acquireShared(ctx, op)
	if err != nil {
		return Bundle{}, err
	}
	defer release()

	if _, err := i.Client(ctx, name); err != nil {
		return Bundle{}, err
	}
	v := i.state.Load()
	b := Bundle{Name: name}
	if v.meta.Server != nil {
		b.Server = *v.meta.Server
	}

	if b.CA, err = i.store.Get(toolchain.PathCACert); err != nil {
		return Bundle{}, errs.E(op, errs.Unknown, err)
	}
	if b.Cert, err = i.store.Get(toolchain.IssuedCert(name)); err != nil {
		return Bundle{}, errs.E(op, errs.Unknown, fmt.Errorf("certificate for %s: %w", name, err))
	}
	if b.Key, err = i.store.Get(toolchain.PrivateKey(name)); err != nil {
		return Bundle{}, errs.E(op, errs.Unknown, fmt.Errorf("key for %s: %w", name, err))
	}
	b.TLSCrypt, err = i.store.Get(toolchain.PathTLSKey)
	if err != nil && !errs.Is(err, errs.NotFound) {
		return Bundle{}, errs.E(op, errs.Unknown, err)
	}
	return b, nil
}

// CRL returns the current PEM revocation list.
func (i *Instance) CRL(ctx context.Context) ([]byte, error) {
	const op = "pki.crl"
	if err := requireReady(op, i.state.Load()); err != nil {
		return nil, err
	}
	release, err := i.acquireShared(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()
	data, err := i.store.Get(toolchain.PathCRL)
	if err != nil {
		return nil, errs.E(op, errs.Unknown, err)
	}
	return data, nil
}

// NextCRLUpdate reports when the current CRL expires, or the zero time.
func (i *Instance) NextCRLUpdate() time.Time {
	if crl := i.state.Load().meta.CRL; crl != nil {
		return crl.NextUpdate
	}
	return time.Time{}
}

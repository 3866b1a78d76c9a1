// Package native is an in-process toolchain built on crypto/x509. It writes
// the same tree layout as easy-rsa so the rest of vpnpki cannot tell the two
// apart: index.txt, serial, crlnumber, issued/, private/, revoked/ and crl.pem.
package native

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/util"
	"github.com/jmcleod/vpnpki/internal/validate"
	"github.com/jmcleod/vpnpki/storage"
	"github.com/jmcleod/vpnpki/toolchain"
)

// Validity defaults match easy-rsa 3.
const (
	DefaultCAValidity   = 3650 * 24 * time.Hour
	DefaultCertValidity = 825 * 24 * time.Hour
	DefaultCRLValidity  = 180 * 24 * time.Hour
)

// Toolchain implements toolchain.Toolchain in process.
type Toolchain struct {
	store        storage.Store
	keys         KeyStore
	now          func() time.Time
	caValidity   time.Duration
	certValidity time.Duration
	crlValidity  time.Duration
	logger       *slog.Logger

	// mu serializes access to index.txt and the serial counters.
	mu sync.Mutex
}

var _ toolchain.Toolchain = (*Toolchain)(nil)

// Option configures a Toolchain.
type Option func(*Toolchain)

// WithKeyStore replaces the default SoftwareKeyStore.
func WithKeyStore(ks KeyStore) Option {
	return func(t *Toolchain) { t.keys = ks }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Toolchain) { t.now = now }
}

// WithCRLValidity sets how far in the future NextUpdate is placed.
func WithCRLValidity(d time.Duration) Option {
	return func(t *Toolchain) { t.crlValidity = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Toolchain) { t.logger = l }
}

// New returns a Toolchain writing into store.
func New(store storage.Store, opts ...Option) *Toolchain {
	t := &Toolchain{
		store:        store,
		keys:         NewSoftwareKeyStore(),
		now:          time.Now,
		caValidity:   DefaultCAValidity,
		certValidity: DefaultCertValidity,
		crlValidity:  DefaultCRLValidity,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "native-toolchain")
	return t
}

// ---------------------------------------------------------------------------
// Toolchain operations
// ---------------------------------------------------------------------------

// InitCA creates a self-signed CA, the server certificate for the CA's common
// name, the tls-crypt key and empty CA database files.
func (t *Toolchain) InitCA(_ context.Context, subject toolchain.Subject) (toolchain.CAHandle, error) {
	const op = "native.init_ca"
	cn := subject.CommonName
	if cn == "" || strings.ContainsAny(cn, "/\\ \t\n\x00") {
		return toolchain.CAHandle{}, errs.Errorf(op, errs.InvalidInput, "invalid CA common name %q", cn)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	exists, err := t.store.Exists(toolchain.PathCACert)
	if err != nil {
		return toolchain.CAHandle{}, errs.E(op, errs.Unknown, err)
	}
	if exists {
		return toolchain.CAHandle{}, errs.Errorf(op, errs.AlreadyExists, "%s already exists", toolchain.PathCACert)
	}

	keyID, err := t.keys.GenerateKey()
	if err != nil {
		return toolchain.CAHandle{}, errs.E(op, errs.ToolchainError, fmt.Errorf("generating CA key: %w", err))
	}
	defer t.keys.Delete(keyID)
	signer, err := t.keys.Signer(keyID)
	if err != nil {
		return toolchain.CAHandle{}, errs.E(op, errs.ToolchainError, err)
	}

	now := t.now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(t.caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return toolchain.CAHandle{}, errs.E(op, errs.ToolchainError, fmt.Errorf("creating CA certificate: %w", err))
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return toolchain.CAHandle{}, errs.E(op, errs.ToolchainError, err)
	}
	keyPEM, err := t.keys.ExportPEM(keyID)
	if err != nil {
		return toolchain.CAHandle{}, errs.E(op, errs.ToolchainError, fmt.Errorf("exporting CA key: %w", err))
	}
	ta, err := staticKey()
	if err != nil {
		return toolchain.CAHandle{}, errs.E(op, errs.ToolchainError, err)
	}

	writes := []struct {
		path string
		data []byte
	}{
		{toolchain.PathCAKey, []byte(keyPEM)},
		{toolchain.PathIndex, nil},
		{toolchain.PathSerial, serialFile(big.NewInt(2))},
		{toolchain.PathCRLNumber, []byte("01\n")},
		{toolchain.PathTLSKey, ta},
		{toolchain.PathCACert, encodeCertPEM(der)},
	}
	for _, w := range writes {
		if err := t.store.Put(w.path, w.data); err != nil {
			return toolchain.CAHandle{}, errs.E(op, errs.Unknown, err)
		}
	}

	if _, err := t.issueLocked(op, cn, caCert, signer, x509.ExtKeyUsageServerAuth); err != nil {
		return toolchain.CAHandle{}, err
	}
	t.logger.Info("CA created", "cn", cn, "fingerprint", toolchain.Fingerprint(caCert))

	return toolchain.CAHandle{
		Subject:     subject,
		Fingerprint: toolchain.Fingerprint(caCert),
		NotBefore:   caCert.NotBefore.UTC(),
		NotAfter:    caCert.NotAfter.UTC(),
		KeyRef:      toolchain.PathCAKey,
	}, nil
}

// IssueClientCert generates a key pair and a client-auth certificate for name.
func (t *Toolchain) IssueClientCert(_ context.Context, name string) (toolchain.Serial, error) {
	const op = "native.issue"
	if err := validate.ClientName(name); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	caCert, caKeyID, err := t.loadCA(op)
	if err != nil {
		return "", err
	}
	defer t.keys.Delete(caKeyID)
	signer, err := t.keys.Signer(caKeyID)
	if err != nil {
		return "", errs.E(op, errs.ToolchainError, err)
	}
	return t.issueLocked(op, name, caCert, signer, x509.ExtKeyUsageClientAuth)
}

// RevokeCert marks serial revoked in index.txt and moves its certificate and
// key under pki/revoked.
func (t *Toolchain) RevokeCert(_ context.Context, serial toolchain.Serial) error {
	const op = "native.revoke"
	want, err := toolchain.NormalizeSerial(string(serial))
	if err != nil {
		return errs.E(op, errs.InvalidInput, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := t.readIndex(op)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if e.Serial == want && e.Status == toolchain.StatusValid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.Errorf(op, errs.NotFound, "no valid certificate with serial %s", want)
	}
	name := entries[idx].CommonName
	entries[idx].Status = toolchain.StatusRevoked
	entries[idx].RevokedAt = t.now().UTC()

	if err := t.move(toolchain.IssuedCert(name), toolchain.RevokedCert(want)); err != nil {
		return errs.E(op, errs.Unknown, err)
	}
	if err := t.move(toolchain.PrivateKey(name), toolchain.RevokedKey(want)); err != nil {
		return errs.E(op, errs.Unknown, err)
	}
	if err := t.store.Put(toolchain.PathIndex, toolchain.FormatIndex(entries)); err != nil {
		return errs.E(op, errs.Unknown, err)
	}
	t.logger.Info("certificate revoked", "name", name, "serial", want)
	return nil
}

// RegenerateCRL signs a new CRL listing every revoked entry of index.txt.
func (t *Toolchain) RegenerateCRL(_ context.Context) (toolchain.CRLInfo, error) {
	const op = "native.gen_crl"
	t.mu.Lock()
	defer t.mu.Unlock()

	caCert, caKeyID, err := t.loadCA(op)
	if err != nil {
		return toolchain.CRLInfo{}, err
	}
	defer t.keys.Delete(caKeyID)
	signer, err := t.keys.Signer(caKeyID)
	if err != nil {
		return toolchain.CRLInfo{}, errs.E(op, errs.ToolchainError, err)
	}

	entries, err := t.readIndex(op)
	if err != nil {
		return toolchain.CRLInfo{}, err
	}
	revoked := make([]x509.RevocationListEntry, 0)
	for _, e := range entries {
		if e.Status != toolchain.StatusRevoked {
			continue
		}
		n, err := toolchain.ParseSerial(string(e.Serial))
		if err != nil {
			return toolchain.CRLInfo{}, errs.E(op, errs.ToolchainError, err)
		}
		revoked = append(revoked, x509.RevocationListEntry{SerialNumber: n, RevocationTime: e.RevokedAt})
	}

	number, err := t.readCounter(op, toolchain.PathCRLNumber)
	if err != nil {
		return toolchain.CRLInfo{}, err
	}
	now := t.now().UTC()
	template := &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(t.crlValidity),
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, caCert, signer)
	if err != nil {
		return toolchain.CRLInfo{}, errs.E(op, errs.ToolchainError, fmt.Errorf("creating CRL: %w", err))
	}
	if err := t.store.Put(toolchain.PathCRL, pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})); err != nil {
		return toolchain.CRLInfo{}, errs.E(op, errs.Unknown, err)
	}
	next := new(big.Int).Add(number, big.NewInt(1))
	if err := t.store.Put(toolchain.PathCRLNumber, serialFile(next)); err != nil {
		return toolchain.CRLInfo{}, errs.E(op, errs.Unknown, err)
	}
	return toolchain.CRLInfo{
		Number:     number.Int64(),
		ThisUpdate: template.ThisUpdate,
		NextUpdate: template.NextUpdate,
		Revoked:    len(revoked),
	}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// issueLocked signs a leaf for cn with the next serial. t.mu must be held.
func (t *Toolchain) issueLocked(op, cn string, caCert *x509.Certificate, caSigner crypto.Signer, usage x509.ExtKeyUsage) (toolchain.Serial, error) {
	certPath, keyPath := toolchain.IssuedCert(cn), toolchain.PrivateKey(cn)
	exists, err := t.store.Exists(certPath)
	if err != nil {
		return "", errs.E(op, errs.Unknown, err)
	}
	if exists {
		return "", errs.Errorf(op, errs.AlreadyExists, "%s already exists", certPath)
	}

	serial, err := t.readCounter(op, toolchain.PathSerial)
	if err != nil {
		return "", err
	}
	entries, err := t.readIndex(op)
	if err != nil {
		return "", err
	}

	keyID, err := t.keys.GenerateKey()
	if err != nil {
		return "", errs.E(op, errs.ToolchainError, fmt.Errorf("generating key: %w", err))
	}
	defer t.keys.Delete(keyID)
	leaf, err := t.keys.Signer(keyID)
	if err != nil {
		return "", errs.E(op, errs.ToolchainError, err)
	}

	now := t.now().UTC()
	notAfter := now.Add(t.certValidity)
	if notAfter.After(caCert.NotAfter) {
		notAfter = caCert.NotAfter
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		BasicConstraintsValid: true,
	}
	if usage == x509.ExtKeyUsageServerAuth {
		template.DNSNames = []string{cn}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, leaf.Public(), caSigner)
	if err != nil {
		return "", errs.E(op, errs.ToolchainError, fmt.Errorf("creating certificate for %s: %w", cn, err))
	}
	keyPEM, err := t.keys.ExportPEM(keyID)
	if err != nil {
		return "", errs.E(op, errs.ToolchainError, err)
	}

	s := toolchain.FormatSerial(serial)
	entries = append(entries, toolchain.IndexEntry{
		Status:     toolchain.StatusValid,
		Expiry:     notAfter,
		Serial:     s,
		CommonName: cn,
	})
	next := new(big.Int).Add(serial, big.NewInt(1))

	// The counter moves first so a crash can skip a serial but never repeat one.
	if err := t.store.Put(toolchain.PathSerial, serialFile(next)); err != nil {
		return "", errs.E(op, errs.Unknown, err)
	}
	if err := t.store.Put(keyPath, []byte(keyPEM)); err != nil {
		return "", errs.E(op, errs.Unknown, err)
	}
	if err := t.store.Put(certPath, encodeCertPEM(der)); err != nil {
		return "", errs.E(op, errs.Unknown, err)
	}
	if err := t.store.Put(toolchain.PathIndex, toolchain.FormatIndex(entries)); err != nil {
		return "", errs.E(op, errs.Unknown, err)
	}
	t.logger.Debug("certificate issued", "cn", cn, "serial", s)
	return s, nil
}

// loadCA reads the CA certificate and imports its key. The caller deletes the
// returned key ID when done.
func (t *Toolchain) loadCA(op string) (*x509.Certificate, string, error) {
	certPEM, err := t.store.Get(toolchain.PathCACert)
	if err != nil {
		return nil, "", errs.E(op, errs.Unknown, err)
	}
	caCert, err := toolchain.ParseCertPEM(certPEM)
	if err != nil {
		return nil, "", errs.E(op, errs.ToolchainError, fmt.Errorf("parsing CA certificate: %w", err))
	}
	keyPEM, err := t.store.Get(toolchain.PathCAKey)
	if err != nil {
		return nil, "", errs.E(op, errs.Unknown, err)
	}
	keyID, err := t.keys.ImportPEM(string(keyPEM))
	util.WipeBytes(keyPEM)
	if err != nil {
		return nil, "", errs.E(op, errs.ToolchainError, fmt.Errorf("loading CA key: %w", err))
	}
	return caCert, keyID, nil
}

func (t *Toolchain) readIndex(op string) ([]toolchain.IndexEntry, error) {
	data, err := t.store.Get(toolchain.PathIndex)
	if err != nil {
		return nil, errs.E(op, errs.Unknown, err)
	}
	entries, err := toolchain.ParseIndex(data)
	if err != nil {
		return nil, errs.E(op, errs.ToolchainError, err)
	}
	return entries, nil
}

func (t *Toolchain) readCounter(op, path string) (*big.Int, error) {
	data, err := t.store.Get(path)
	if err != nil {
		return nil, errs.E(op, errs.Unknown, err)
	}
	n, err := toolchain.ParseSerial(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, errs.E(op, errs.ToolchainError, fmt.Errorf("%s: %w", path, err))
	}
	return n, nil
}

func (t *Toolchain) move(from, to string) error {
	data, err := t.store.Get(from)
	if errs.Is(err, errs.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.store.Put(to, data); err != nil {
		return err
	}
	return t.store.Delete(from)
}

func serialFile(n *big.Int) []byte {
	return []byte(string(toolchain.FormatSerial(n)) + "\n")
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// staticKey renders a 2048-bit OpenVPN static key, as written by
// "openvpn --genkey secret".
func staticKey() ([]byte, error) {
	raw, err := util.RandomBytes(256)
	if err != nil {
		return nil, err
	}
	var buf strings.Builder
	buf.WriteString("#\n# 2048 bit OpenVPN static key\n#\n-----BEGIN OpenVPN Static key V1-----\n")
	for i := 0; i < len(raw); i += 16 {
		buf.WriteString(util.HexEncode(raw[i : i+16]))
		buf.WriteByte('\n')
	}
	buf.WriteString("-----END OpenVPN Static key V1-----\n")
	return []byte(buf.String()), nil
}

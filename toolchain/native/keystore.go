package native

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"
)

// KeyStore abstracts private-key operations so the native toolchain can sign
// with software keys today and hardware-backed keys later without touching
// the issuance code. A key ID is opaque and implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns its identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns a crypto.Signer for keyID, as needed by
	// x509.CreateCertificate and x509.CreateRevocationList.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key PEM that is written to pki/private.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM private key read back from pki/private.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete forgets keyID.
	Delete(keyID string) error
}

var (
	// ErrKeyNotFound is returned when the referenced key ID does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidPEM is returned when key material cannot be decoded.
	ErrInvalidPEM = errors.New("invalid PEM data")
)

// ---------------------------------------------------------------------------
// SoftwareKeyStore: in-memory ECDSA P-256 keys
// ---------------------------------------------------------------------------

// SoftwareKeyStore holds ECDSA P-256 private keys in memory. Keys are only
// cached for the duration of an operation; the tree is the durable copy.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
	rand io.Reader
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]*ecdsa.PrivateKey),
		rand: rand.Reader,
	}
}

func (s *SoftwareKeyStore) put(priv *ecdsa.PrivateKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = priv
	return id
}

func (s *SoftwareKeyStore) get(keyID string) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return priv, nil
}

// GenerateKey creates a new ECDSA P-256 key pair.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), s.rand)
	if err != nil {
		return "", fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	return s.put(priv), nil
}

// Signer returns the *ecdsa.PrivateKey, which implements crypto.Signer.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	return s.get(keyID)
}

// ExportPEM encodes the key as PKCS#8 "PRIVATE KEY", the form easy-rsa writes.
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	priv, err := s.get(keyID)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ImportPEM accepts PKCS#8 or SEC1 EC keys.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}

	var priv *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		priv = k
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		k, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return "", fmt.Errorf("%w: not an ECDSA key", ErrInvalidPEM)
		}
		priv = k
	default:
		return "", fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	return s.put(priv), nil
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}

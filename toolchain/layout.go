package toolchain

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/storage"
)

// Artifact paths, relative to the instance root.
const (
	PKIDir        = "pki"
	PathCACert    = "pki/ca.crt"
	PathCAKey     = "pki/private/ca.key"
	PathIndex     = "pki/index.txt"
	PathSerial    = "pki/serial"
	PathCRLNumber = "pki/crlnumber"
	PathCRL       = "pki/crl.pem"
	PathTLSKey    = "pki/ta.key"
	IssuedPrefix  = "pki/issued/"
)

// IssuedCert is the certificate path for name.
func IssuedCert(name string) string { return IssuedPrefix + name + ".crt" }

// PrivateKey is the private key path for name.
func PrivateKey(name string) string { return "pki/private/" + name + ".key" }

// Request is the CSR path easy-rsa keeps for name.
func Request(name string) string { return "pki/reqs/" + name + ".req" }

// RevokedCert is where a revoked certificate is moved.
func RevokedCert(s Serial) string { return "pki/revoked/certs_by_serial/" + string(s) + ".crt" }

// RevokedKey is where a revoked private key is moved.
func RevokedKey(s Serial) string { return "pki/revoked/private_by_serial/" + string(s) + ".key" }

// FormatSerial renders n the way OpenSSL writes index.txt: uppercase hex with
// an even number of digits.
func FormatSerial(n *big.Int) Serial {
	b := n.Bytes()
	if len(b) == 0 {
		b = []byte{0}
	}
	return Serial(strings.ToUpper(hex.EncodeToString(b)))
}

// ParseSerial accepts hex in either case, optionally with colons.
func ParseSerial(s string) (*big.Int, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	n, ok := new(big.Int).SetString(clean, 16)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid serial %q", s)
	}
	return n, nil
}

// NormalizeSerial rewrites s into the canonical FormatSerial form.
func NormalizeSerial(s string) (Serial, error) {
	n, err := ParseSerial(s)
	if err != nil {
		return "", err
	}
	return FormatSerial(n), nil
}

// ParseCertPEM decodes the first CERTIFICATE block in data.
func ParseCertPEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no CERTIFICATE PEM block found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// CertSerial returns the serial of the PEM certificate in data.
func CertSerial(data []byte) (Serial, error) {
	cert, err := ParseCertPEM(data)
	if err != nil {
		return "", err
	}
	return FormatSerial(cert.SerialNumber), nil
}

// Fingerprint is the lowercase hex SHA-256 of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ReadCAHandle describes the CA certificate currently in store.
func ReadCAHandle(store storage.Store) (CAHandle, error) {
	data, err := store.Get(PathCACert)
	if err != nil {
		return CAHandle{}, err
	}
	cert, err := ParseCertPEM(data)
	if err != nil {
		return CAHandle{}, errs.E("toolchain.read_ca", errs.ToolchainError, fmt.Errorf("parsing %s: %w", PathCACert, err))
	}
	return CAHandle{
		Subject:     Subject{CommonName: cert.Subject.CommonName},
		Fingerprint: Fingerprint(cert),
		NotBefore:   cert.NotBefore.UTC(),
		NotAfter:    cert.NotAfter.UTC(),
		KeyRef:      PathCAKey,
	}, nil
}

// ReadCRLInfo describes the CRL currently in store.
func ReadCRLInfo(store storage.Store) (CRLInfo, error) {
	data, err := store.Get(PathCRL)
	if err != nil {
		return CRLInfo{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "X509 CRL" {
		return CRLInfo{}, errs.Errorf("toolchain.read_crl", errs.ToolchainError, "%s holds no X509 CRL block", PathCRL)
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return CRLInfo{}, errs.E("toolchain.read_crl", errs.ToolchainError, err)
	}
	info := CRLInfo{
		ThisUpdate: crl.ThisUpdate.UTC(),
		NextUpdate: crl.NextUpdate.UTC(),
		Revoked:    len(crl.RevokedCertificateEntries),
	}
	if crl.Number != nil {
		info.Number = crl.Number.Int64()
	}
	return info, nil
}

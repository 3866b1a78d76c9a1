// Package toolchain defines the contract between the PKI state machine and
// the program that actually creates keys and certificates, plus helpers for
// reading the easy-rsa style tree every implementation writes.
package toolchain

import (
	"context"
	"time"
)

// Subject identifies the CA being created.
type Subject struct {
	CommonName string `json:"common_name"`
}

func (s Subject) String() string {
	return "CN=" + s.CommonName
}

// CAHandle describes a freshly created CA. KeyRef is the opaque store path of
// the private key; it is never handed to API callers.
type CAHandle struct {
	Subject     Subject   `json:"subject"`
	Fingerprint string    `json:"fingerprint"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	KeyRef      string    `json:"-"`
}

// Serial is a certificate serial number in uppercase hex.
type Serial string

// CRLInfo summarizes the revocation list most recently written.
type CRLInfo struct {
	Number     int64     `json:"number"`
	ThisUpdate time.Time `json:"this_update"`
	NextUpdate time.Time `json:"next_update"`
	Revoked    int       `json:"revoked"`
}

// Toolchain performs the cryptographic operations on an instance's tree.
// Implementations validate their inputs again, never retry, and return
// errors classified with the errs package.
type Toolchain interface {
	InitCA(ctx context.Context, subject Subject) (CAHandle, error)
	IssueClientCert(ctx context.Context, name string) (Serial, error)
	RevokeCert(ctx context.Context, serial Serial) error
	RegenerateCRL(ctx context.Context) (CRLInfo, error)
}

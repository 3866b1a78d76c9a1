// Package ovpn renders OpenVPN client profiles from a client's PKI bundle.
package ovpn

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/pki"
)

// header holds the directives shared by inline and file-referencing
// profiles.
const header = `client
dev tun
proto %s
remote %s %d
resolv-retry infinite
nobind
persist-key
persist-tun
cipher AES-256-GCM
auth SHA512
remote-cert-tls server
verb 3
`

func check(op string, b pki.Bundle) error {
	switch {
	case b.Server.Host == "" || b.Server.Port <= 0:
		return errs.Errorf(op, errs.InvalidInput, "instance has no server endpoint")
	case len(pemOnly(b.CA)) == 0 || len(pemOnly(b.Cert)) == 0 || len(pemOnly(b.Key)) == 0:
		return errs.Errorf(op, errs.InvalidInput, "bundle for %s is incomplete", b.Name)
	}
	return nil
}

// Inline renders a single-file profile with every PEM block embedded.
func Inline(b pki.Bundle) ([]byte, error) {
	if err := check("ovpn.inline", b); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, header, b.Server.Proto, b.Server.Host, b.Server.Port)
	if len(b.TLSCrypt) > 0 {
		buf.WriteString("key-direction 1\n")
	}
	buf.WriteByte('\n')
	block := func(tag string, data []byte) {
		fmt.Fprintf(&buf, "<%s>\n%s\n</%s>\n", tag, data, tag)
	}
	block("ca", pemOnly(b.CA))
	block("cert", pemOnly(b.Cert))
	block("key", pemOnly(b.Key))
	if len(b.TLSCrypt) > 0 {
		block("tls-crypt", bytes.TrimSpace(b.TLSCrypt))
	}
	return buf.Bytes(), nil
}

// Archive renders a zip with the PEM files, a file-referencing profile and
// the inline profile, all under a directory named after the client.
func Archive(b pki.Bundle, now time.Time) ([]byte, error) {
	inline, err := Inline(b)
	if err != nil {
		return nil, err
	}

	var ref bytes.Buffer
	fmt.Fprintf(&ref, header, b.Server.Proto, b.Server.Host, b.Server.Port)
	fmt.Fprintf(&ref, "\nca ca.crt\ncert %s.crt\nkey %s.key\n", b.Name, b.Name)
	if len(b.TLSCrypt) > 0 {
		ref.WriteString("tls-crypt ta.key\n")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	add := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: path.Join(b.Name, name), Method: zip.Deflate, Modified: now})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	caSum := sha256.Sum256(pemOnly(b.CA))
	files := []struct {
		name string
		data []byte
	}{
		{"ca.crt", pemOnly(b.CA)},
		{b.Name + ".crt", pemOnly(b.Cert)},
		{b.Name + ".key", pemOnly(b.Key)},
		{"client.ovpn", ref.Bytes()},
		{"client-inline.ovpn", inline},
		{".bundle.meta", fmt.Appendf(nil, "cn=%s\ngenerated_at_utc=%s\nremote=%s\nca_sha256=%s\n",
			b.Name, now.UTC().Format(time.RFC3339), b.Server, hex.EncodeToString(caSum[:]))},
	}
	if len(b.TLSCrypt) > 0 {
		files = append(files, struct {
			name string
			data []byte
		}{"ta.key", b.TLSCrypt})
	}
	for _, f := range files {
		if err := add(f.name, f.data); err != nil {
			return nil, errs.E("ovpn.archive", errs.Unknown, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errs.E("ovpn.archive", errs.Unknown, err)
	}
	return buf.Bytes(), nil
}

// pemOnly drops the human-readable preamble easy-rsa writes in front of
// certificates, keeping everything from the first PEM boundary.
func pemOnly(data []byte) []byte {
	if i := bytes.Index(data, []byte("-----BEGIN ")); i > 0 {
		data = data[i:]
	}
	return bytes.TrimSpace(data)
}

package toolchain

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"
)

// IndexTimeLayout is the UTCTime form used by the OpenSSL CA database.
const IndexTimeLayout = "060102150405Z"

// Index entry status flags.
const (
	StatusValid   = "V"
	StatusRevoked = "R"
	StatusExpired = "E"
)

// IndexEntry is one line of pki/index.txt.
type IndexEntry struct {
	Status    string
	Expiry    time.Time
	RevokedAt time.Time
	// Reason is the optional CRL reason that follows the revocation date.
	Reason     string
	Serial     Serial
	CommonName string
}

// ParseIndex reads an OpenSSL CA database. Blank lines are skipped.
func ParseIndex(data []byte) ([]IndexEntry, error) {
	var out []IndexEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != 6 {
			return nil, fmt.Errorf("index line %d: want 6 tab-separated fields, got %d", n, len(cols))
		}
		e := IndexEntry{Status: cols[0]}
		switch e.Status {
		case StatusValid, StatusRevoked, StatusExpired:
		default:
			return nil, fmt.Errorf("index line %d: unknown status %q", n, e.Status)
		}
		exp, err := time.Parse(IndexTimeLayout, cols[1])
		if err != nil {
			return nil, fmt.Errorf("index line %d: expiry: %w", n, err)
		}
		e.Expiry = exp
		if cols[2] != "" {
			date, reason, _ := strings.Cut(cols[2], ",")
			rev, err := time.Parse(IndexTimeLayout, date)
			if err != nil {
				return nil, fmt.Errorf("index line %d: revocation date: %w", n, err)
			}
			e.RevokedAt, e.Reason = rev, reason
		}
		serial, err := NormalizeSerial(cols[3])
		if err != nil {
			return nil, fmt.Errorf("index line %d: %w", n, err)
		}
		e.Serial = serial
		e.CommonName = commonName(cols[5])
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatIndex renders entries in OpenSSL CA database form.
func FormatIndex(entries []IndexEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		rev := ""
		if !e.RevokedAt.IsZero() {
			rev = e.RevokedAt.UTC().Format(IndexTimeLayout)
			if e.Reason != "" {
				rev += "," + e.Reason
			}
		}
		fmt.Fprintf(&buf, "%s\t%s\t%s\t%s\tunknown\t/CN=%s\n",
			e.Status, e.Expiry.UTC().Format(IndexTimeLayout), rev, e.Serial, e.CommonName)
	}
	return buf.Bytes()
}

// commonName extracts CN from an OpenSSL one-line DN such as /C=US/CN=alice.
func commonName(dn string) string {
	for _, part := range strings.Split(dn, "/") {
		if v, ok := strings.CutPrefix(part, "CN="); ok {
			return v
		}
	}
	return ""
}

package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/vpnpki/internal/validate"
)

// Snapshot format identifiers.
const (
	Format  = "vpnpki-snapshot"
	Version = 1

	manifestName = "snapshot.json"
	treePrefix   = "tree/"

	// maxArchiveBytes caps the expanded size of a snapshot.
	maxArchiveBytes = 256 << 20
)

// errCorrupt marks every archive verification failure.
var errCorrupt = errors.New("snapshot verification failed")

// FileEntry describes one artifact in a snapshot.
type FileEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest is the first entry of every snapshot archive.
type Manifest struct {
	Format     string      `json:"format"`
	Version    int         `json:"version"`
	InstanceID string      `json:"instance_id"`
	CreatedAt  time.Time   `json:"created_at"`
	Digest     string      `json:"digest"`
	Files      []FileEntry `json:"files"`
}

// Digest hashes the sorted "path NUL sha256 LF" lines of entries.
func Digest(entries []FileEntry) string {
	sorted := make([]FileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Path < sorted[b].Path })

	h := sha256.New()
	for _, e := range sorted {
		io.WriteString(h, e.Path)
		h.Write([]byte{0})
		io.WriteString(h, e.SHA256)
		h.Write([]byte{'\n'})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// buildArchive renders files as a gzip-compressed tar with the manifest first.
func buildArchive(instanceID string, createdAt time.Time, files map[string][]byte) ([]byte, Manifest, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	m := Manifest{
		Format:     Format,
		Version:    Version,
		InstanceID: instanceID,
		CreatedAt:  createdAt.UTC(),
		Files:      make([]FileEntry, 0, len(paths)),
	}
	for _, p := range paths {
		sum := sha256.Sum256(files[p])
		m.Files = append(m.Files, FileEntry{Path: p, Size: int64(len(files[p])), SHA256: hex.EncodeToString(sum[:])})
	}
	m.Digest = Digest(m.Files)

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, Manifest{}, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	write := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o600,
			Size:     int64(len(data)),
			ModTime:  m.CreatedAt,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}
	if err := write(manifestName, manifest); err != nil {
		return nil, Manifest{}, err
	}
	for _, p := range paths {
		if err := write(treePrefix+p, files[p]); err != nil {
			return nil, Manifest{}, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, Manifest{}, err
	}
	if err := gz.Close(); err != nil {
		return nil, Manifest{}, err
	}
	return buf.Bytes(), m, nil
}

// readArchive parses and fully verifies an archive: manifest first, exact
// file set, per-file size and sum, and the content digest. Every failure
// wraps errCorrupt.
func readArchive(data []byte) (Manifest, map[string][]byte, error) {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errCorrupt, fmt.Sprintf(format, args...))
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return Manifest{}, nil, corrupt("not a gzip stream: %v", err)
	}
	defer gz.Close()
	tr := tar.NewReader(io.LimitReader(gz, maxArchiveBytes))

	var (
		m        Manifest
		sawFirst bool
		files    = make(map[string][]byte)
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, nil, corrupt("reading tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return Manifest{}, nil, corrupt("entry %q is not a regular file", hdr.Name)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return Manifest{}, nil, corrupt("reading %q: %v", hdr.Name, err)
		}

		if !sawFirst {
			sawFirst = true
			if hdr.Name != manifestName {
				return Manifest{}, nil, corrupt("first entry is %q, want %s", hdr.Name, manifestName)
			}
			if err := json.Unmarshal(body, &m); err != nil {
				return Manifest{}, nil, corrupt("manifest: %v", err)
			}
			continue
		}

		p, ok := strings.CutPrefix(hdr.Name, treePrefix)
		if !ok {
			return Manifest{}, nil, corrupt("unexpected entry %q", hdr.Name)
		}
		if err := validate.StorePath(p); err != nil {
			return Manifest{}, nil, corrupt("entry %q: %v", hdr.Name, err)
		}
		if _, dup := files[p]; dup {
			return Manifest{}, nil, corrupt("duplicate entry %q", p)
		}
		files[p] = body
	}
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return Manifest{}, nil, corrupt("trailing data: %v", err)
	}
	if !sawFirst {
		return Manifest{}, nil, corrupt("archive is empty")
	}
	if m.Format != Format || m.Version != Version {
		return Manifest{}, nil, corrupt("unsupported format %q version %d", m.Format, m.Version)
	}

	if len(m.Files) != len(files) {
		return Manifest{}, nil, corrupt("manifest lists %d files, archive holds %d", len(m.Files), len(files))
	}
	for _, e := range m.Files {
		body, ok := files[e.Path]
		if !ok {
			return Manifest{}, nil, corrupt("%s listed in manifest but missing", e.Path)
		}
		if int64(len(body)) != e.Size {
			return Manifest{}, nil, corrupt("%s: size %d, manifest says %d", e.Path, len(body), e.Size)
		}
		sum := sha256.Sum256(body)
		if hex.EncodeToString(sum[:]) != e.SHA256 {
			return Manifest{}, nil, corrupt("%s: checksum mismatch", e.Path)
		}
	}
	if got := Digest(m.Files); got != m.Digest {
		return Manifest{}, nil, corrupt("digest %s, manifest says %s", got, m.Digest)
	}
	return m, files, nil
}

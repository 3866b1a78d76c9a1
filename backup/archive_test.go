package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFiles = map[string][]byte{
	"pki/ca.crt":          []byte("ca"),
	"pki/index.txt":       []byte("V\t270101000000Z\t\t03\tunknown\t/CN=alice\n"),
	"state/instance.json": []byte(`{"phase":"ready"}`),
}

type rawEntry struct {
	name string
	body []byte
}

// rawArchive writes entries verbatim so tests can build malformed archives.
func rawArchive(t *testing.T, entries ...rawEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Mode: 0o600, Size: int64(len(e.body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(e.body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func manifestFor(t *testing.T, files map[string][]byte) (Manifest, []byte) {
	t.Helper()
	_, m, err := buildArchive("default", time.Unix(1700000000, 0), files)
	require.NoError(t, err)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return m, data
}

func TestArchiveRoundTrip(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, m, err := buildArchive("default", created, testFiles)
	require.NoError(t, err)

	assert.Equal(t, Format, m.Format)
	assert.Equal(t, Version, m.Version)
	require.Len(t, m.Files, 3)
	assert.Equal(t, "pki/ca.crt", m.Files[0].Path)
	assert.Equal(t, int64(2), m.Files[0].Size)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, m.Digest)

	got, files, err := readArchive(data)
	require.NoError(t, err)
	assert.Equal(t, m.Digest, got.Digest)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, testFiles, files)
}

func TestDigestIgnoresOrder(t *testing.T) {
	a := []FileEntry{{Path: "a", SHA256: "1"}, {Path: "b", SHA256: "2"}}
	b := []FileEntry{{Path: "b", SHA256: "2"}, {Path: "a", SHA256: "1"}}
	assert.Equal(t, Digest(a), Digest(b))
	assert.NotEqual(t, Digest(a), Digest([]FileEntry{{Path: "a", SHA256: "1"}}))
}

func TestReadArchive_Corruption(t *testing.T) {
	_, manifest := manifestFor(t, testFiles)
	tree := func(p string) rawEntry { return rawEntry{name: treePrefix + p, body: testFiles[p]} }

	tampered, _ := manifestFor(t, testFiles)
	tampered.Digest = "sha256:" + string(bytes.Repeat([]byte("0"), 64))
	tamperedJSON, err := json.Marshal(tampered)
	require.NoError(t, err)

	cases := map[string][]byte{
		"not gzip":        []byte("plain text"),
		"empty":           rawArchive(t),
		"manifest second": rawArchive(t, tree("pki/ca.crt"), rawEntry{manifestName, manifest}),
		"missing file":    rawArchive(t, rawEntry{manifestName, manifest}, tree("pki/ca.crt"), tree("pki/index.txt")),
		"extra file": rawArchive(t, rawEntry{manifestName, manifest}, tree("pki/ca.crt"), tree("pki/index.txt"),
			tree("state/instance.json"), rawEntry{treePrefix + "pki/extra", []byte("x")}),
		"modified file": rawArchive(t, rawEntry{manifestName, manifest}, rawEntry{treePrefix + "pki/ca.crt", []byte("CA")},
			tree("pki/index.txt"), tree("state/instance.json")),
		"digest mismatch": rawArchive(t, rawEntry{manifestName, tamperedJSON}, tree("pki/ca.crt"), tree("pki/index.txt"),
			tree("state/instance.json")),
		"escaping path": rawArchive(t, rawEntry{manifestName, manifest}, rawEntry{treePrefix + "../etc/passwd", []byte("x")}),
		"bad manifest":  rawArchive(t, rawEntry{manifestName, []byte("{")}),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := readArchive(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errCorrupt), "got %v", err)
		})
	}
}

func TestSealRoundTrip(t *testing.T) {
	archive, _, err := buildArchive("default", time.Now(), testFiles)
	require.NoError(t, err)
	pass := memguard.NewEnclave([]byte("correct horse"))

	sealed, err := seal(archive, pass)
	require.NoError(t, err)
	assert.True(t, isSealed(sealed))
	assert.False(t, isSealed(archive))

	plain, err := unseal(sealed, pass)
	require.NoError(t, err)
	assert.Equal(t, archive, plain)

	_, err = unseal(sealed, memguard.NewEnclave([]byte("wrong horse")))
	assert.True(t, errors.Is(err, errCorrupt))

	flipped := bytes.Clone(sealed)
	flipped[len(flipped)-1] ^= 0x01
	_, err = unseal(flipped, pass)
	assert.True(t, errors.Is(err, errCorrupt))

	// The salt is bound as additional data.
	salted := bytes.Clone(sealed)
	salted[len(sealMagic)] ^= 0x01
	_, err = unseal(salted, pass)
	assert.True(t, errors.Is(err, errCorrupt))

	_, err = unseal(sealed[:10], pass)
	assert.True(t, errors.Is(err, errCorrupt))
}

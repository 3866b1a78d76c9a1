package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/vpnpki/errs"
)

func TestMemoryStore(t *testing.T) {
	s := NewStore()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, s.Put("pki/ca.crt", []byte("ca")))

		got, err := s.Get("pki/ca.crt")
		require.NoError(t, err)
		assert.Equal(t, []byte("ca"), got)

		// Returned slices are copies.
		got[0] = 'X'
		again, err := s.Get("pki/ca.crt")
		require.NoError(t, err)
		assert.Equal(t, []byte("ca"), again)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := s.Get("pki/missing.crt")
		assert.True(t, errs.Is(err, errs.NotFound))
	})

	t.Run("InvalidPath", func(t *testing.T) {
		assert.True(t, errs.Is(s.Put("../escape", nil), errs.InvalidInput))
		_, err := s.Get("/abs")
		assert.True(t, errs.Is(err, errs.InvalidInput))
	})

	t.Run("ListSorted", func(t *testing.T) {
		require.NoError(t, s.Put("pki/issued/bob.crt", []byte("b")))
		require.NoError(t, s.Put("pki/issued/alice.crt", []byte("a")))
		require.NoError(t, s.Put("state/clients.json", []byte("[]")))

		paths, err := s.List("pki/issued/")
		require.NoError(t, err)
		assert.Equal(t, []string{"pki/issued/alice.crt", "pki/issued/bob.crt"}, paths)

		all, err := s.List("")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("ExistsAndDelete", func(t *testing.T) {
		ok, err := s.Exists("pki/issued/bob.crt")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete("pki/issued/bob.crt"))
		ok, err = s.Exists("pki/issued/bob.crt")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, errs.Is(s.Delete("pki/issued/bob.crt"), errs.NotFound))
	})

	t.Run("Replace", func(t *testing.T) {
		err := s.Replace(map[string][]byte{"ok": nil, "../bad": nil})
		assert.True(t, errs.Is(err, errs.InvalidInput))
		_, err = s.Get("pki/ca.crt")
		require.NoError(t, err, "failed replace must not modify the store")

		require.NoError(t, s.Replace(map[string][]byte{"state/instance.json": []byte("{}")}))
		all, err := s.List("")
		require.NoError(t, err)
		assert.Equal(t, []string{"state/instance.json"}, all)
	})
}

package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESWithAAD(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	require.NoError(t, err)
	plain := []byte("snapshot archive")
	aad := []byte("header")

	ct, err := EncryptAESWithAAD(plain, key, aad)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ct, plain))

	got, err := DecryptAESWithAAD(ct, key, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	t.Run("wrong aad", func(t *testing.T) {
		_, err := DecryptAESWithAAD(ct, key, []byte("other"))
		assert.Error(t, err)
	})

	t.Run("tampered", func(t *testing.T) {
		bad := CopyBytes(ct)
		bad[len(bad)-1] ^= 0x01
		_, err := DecryptAESWithAAD(bad, key, aad)
		assert.Error(t, err)
	})

	t.Run("short", func(t *testing.T) {
		_, err := DecryptAESWithAAD(ct[:10], key, aad)
		assert.ErrorContains(t, err, "too short")
	})

	t.Run("bad key size", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plain, key[:16], aad)
		assert.ErrorContains(t, err, "invalid AES key size")
	})
}

func TestDeriveArgon2idKey(t *testing.T) {
	params := Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: AESKeySize}
	salt := bytes.Repeat([]byte{7}, 16)

	k1, err := DeriveArgon2idKey("correct horse", salt, params)
	require.NoError(t, err)
	assert.Len(t, k1, AESKeySize)

	k2, err := DeriveArgon2idKey("correct horse", salt, params)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveArgon2idKey("correct horse", bytes.Repeat([]byte{8}, 16), params)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = DeriveArgon2idKey("x", salt[:8], params)
	assert.ErrorContains(t, err, "salt")

	params.KeyLen = 16
	_, err = DeriveArgon2idKey("x", salt, params)
	assert.Error(t, err)
}

func TestDefaultArgon2idParams_MeetsOWASPMinimums(t *testing.T) {
	p := DefaultArgon2idParams()
	assert.GreaterOrEqual(t, p.MemoryKiB, uint32(19*1024))
	assert.GreaterOrEqual(t, p.Time, uint32(2))
	assert.Equal(t, uint32(AESKeySize), p.KeyLen)
}

func TestBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	dst := CopyBytes(src)
	dst[0] = 9
	assert.Equal(t, byte(1), src[0])
	assert.Nil(t, CopyBytes(nil))

	WipeBytes(src)
	assert.Equal(t, []byte{0, 0, 0}, src)

	r, err := RandomBytes(32)
	require.NoError(t, err)
	assert.Len(t, r, 32)
	assert.NotEqual(t, make([]byte, 32), r)

	assert.Equal(t, "00ff", HexEncode([]byte{0x00, 0xff}))
}

func TestNormalize(t *testing.T) {
	// U+00E9 and e + U+0301 derive the same key.
	assert.Equal(t, Normalize("caf\u00e9"), Normalize("cafe\u0301"))
}

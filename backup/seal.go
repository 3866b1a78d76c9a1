package backup

import (
	"bytes"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/vpnpki/internal/util"
)

const saltSize = 16

// sealMagic prefixes encrypted snapshots.
var sealMagic = []byte("VPNPKI\x00E1")

// isSealed reports whether data starts with the sealed snapshot magic.
func isSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealMagic)
}

// deriveKey stretches the normalized passphrase with argon2id.
func deriveKey(pass *memguard.Enclave, salt []byte) ([]byte, error) {
	buf, err := pass.Open()
	if err != nil {
		return nil, fmt.Errorf("opening passphrase enclave: %w", err)
	}
	defer buf.Destroy()
	return util.DeriveArgon2idKey(util.Normalize(buf.String()), salt, util.DefaultArgon2idParams())
}

// seal encrypts archive as magic || salt || AES-GCM(nonce || ciphertext).
// The header is bound as additional data.
func seal(archive []byte, pass *memguard.Enclave) ([]byte, error) {
	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(pass, salt)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	header := append(util.CopyBytes(sealMagic), salt...)
	ct, err := util.EncryptAESWithAAD(archive, key, header)
	if err != nil {
		return nil, err
	}
	return append(header, ct...), nil
}

// unseal reverses seal. A wrong passphrase and a tampered file look the same.
func unseal(data []byte, pass *memguard.Enclave) ([]byte, error) {
	if len(data) < len(sealMagic)+saltSize {
		return nil, fmt.Errorf("%w: sealed snapshot truncated", errCorrupt)
	}
	header := data[:len(sealMagic)+saltSize]
	salt := header[len(sealMagic):]
	key, err := deriveKey(pass, salt)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	plain, err := util.DecryptAESWithAAD(data[len(header):], key, header)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or tampered snapshot", errCorrupt)
	}
	return plain, nil
}

package toolchain_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/vpnpki/toolchain"
)

const sampleIndex = "V\t270101000000Z\t\t01\tunknown\t/CN=vpn.example.com\n" +
	"R\t270101000000Z\t250305101500Z,keyCompromise\t0a3f\tunknown\t/CN=alice\n" +
	"\n" +
	"V\t270101000000Z\t\t03\tunknown\t/C=US/CN=bob\n"

func TestParseIndex(t *testing.T) {
	entries, err := toolchain.ParseIndex([]byte(sampleIndex))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, toolchain.StatusValid, entries[0].Status)
	assert.Equal(t, "vpn.example.com", entries[0].CommonName)

	alice := entries[1]
	assert.Equal(t, toolchain.StatusRevoked, alice.Status)
	assert.Equal(t, toolchain.Serial("0A3F"), alice.Serial)
	assert.Equal(t, "keyCompromise", alice.Reason)
	assert.Equal(t, time.Date(2025, 3, 5, 10, 15, 0, 0, time.UTC), alice.RevokedAt)

	assert.Equal(t, "bob", entries[2].CommonName)
}

func TestParseIndex_Malformed(t *testing.T) {
	_, err := toolchain.ParseIndex([]byte("V\t270101000000Z\t\t01\n"))
	assert.Error(t, err)
	_, err = toolchain.ParseIndex([]byte("X\t270101000000Z\t\t01\tunknown\t/CN=a\n"))
	assert.Error(t, err)
	_, err = toolchain.ParseIndex([]byte("V\tnot-a-date\t\t01\tunknown\t/CN=a\n"))
	assert.Error(t, err)
}

func TestFormatIndex_RoundTrip(t *testing.T) {
	entries, err := toolchain.ParseIndex([]byte(sampleIndex))
	require.NoError(t, err)

	again, err := toolchain.ParseIndex(toolchain.FormatIndex(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, again)
}

func TestSerials(t *testing.T) {
	assert.Equal(t, toolchain.Serial("00"), toolchain.FormatSerial(big.NewInt(0)))
	assert.Equal(t, toolchain.Serial("0100"), toolchain.FormatSerial(big.NewInt(256)))

	s, err := toolchain.NormalizeSerial("de:ad:be:ef")
	require.NoError(t, err)
	assert.Equal(t, toolchain.Serial("DEADBEEF"), s)

	_, err = toolchain.NormalizeSerial("xyz")
	assert.Error(t, err)
	_, err = toolchain.NormalizeSerial("-1")
	assert.Error(t, err)
}

package validate_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/validate"
)

func TestClientName(t *testing.T) {
	for _, name := range []string{"alice", "bob.laptop", "ci_runner-01", "x", "_", "no"} {
		assert.NoError(t, validate.ClientName(name), name)
	}
	for _, name := range []string{"", ".", "-", "..", "../etc", strings.Repeat("a", 65), "a b", "alice;rm", "-flag", ".hidden", "server", "CA", "ta"} {
		err := validate.ClientName(name)
		require.Error(t, err, name)
		assert.True(t, errs.Is(err, errs.InvalidInput), name)
	}
}

func TestServerURL(t *testing.T) {
	ep, err := validate.ServerURL("udp://vpn.example.com")
	require.NoError(t, err)
	assert.Equal(t, validate.Endpoint{Proto: "udp", Host: "vpn.example.com", Port: 1194}, ep)

	ep, err = validate.ServerURL("TCP://10.0.0.1:443")
	require.NoError(t, err)
	assert.Equal(t, "tcp", ep.Proto)
	assert.Equal(t, 443, ep.Port)
	assert.Equal(t, "tcp://10.0.0.1:443", ep.String())

	for _, raw := range []string{"vpn.example.com", "http://vpn.example.com", "udp://", "udp://host:0", "udp://host:99999", "udp://bad host"} {
		_, err := validate.ServerURL(raw)
		assert.True(t, errs.Is(err, errs.InvalidInput), raw)
	}
}

func TestStorePath(t *testing.T) {
	assert.NoError(t, validate.StorePath("pki/issued/alice.crt"))
	for _, p := range []string{"", "/etc/passwd", "pki//ca.crt", "pki/../state", "./pki", "pki\\ca"} {
		assert.True(t, errs.Is(validate.StorePath(p), errs.InvalidInput), p)
	}
}

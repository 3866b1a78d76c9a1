package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/vpnpki/internal/logging"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(&buf, logging.JSON, false)
	l.Debug("hidden")
	l.With("component", "pki").Info("phase transition", "to", "ready")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "phase transition", rec["msg"])
	assert.Equal(t, "vpnpki", rec["service"])
	assert.Equal(t, "pki", rec["component"])
	assert.Equal(t, "ready", rec["to"])
}

func TestNew_TextDebug(t *testing.T) {
	var buf bytes.Buffer
	logging.New(&buf, logging.Text, true).Debug("running easyrsa", "argv", []string{"gen-crl"})
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "msg=\"running easyrsa\"")
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { logging.Discard().Error("nothing") })
}

package container_test

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/vpnpki/container"
	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/validate"
)

type reply struct {
	stdout, stderr string
	err            error
}

// fakeRunner answers invocations by their first argument.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	replies map[string]reply
}

func (f *fakeRunner) Run(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{bin}, args...))
	r := f.replies[args[0]]
	return []byte(r.stdout), []byte(r.stderr), r.err
}

func (f *fakeRunner) argv() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// exitErr produces a real *exec.ExitError with the given status.
func exitErr(t *testing.T, code string) error {
	t.Helper()
	err := exec.Command("/bin/sh", "-c", "exit "+code).Run()
	require.Error(t, err)
	return err
}

var endpoint = validate.Endpoint{Proto: "udp", Host: "vpn.example.com", Port: 1194}

func TestStart_CreatesContainer(t *testing.T) {
	f := &fakeRunner{replies: map[string]reply{
		"inspect": {stderr: "Error: No such object: vpnpki-default", err: exitErr(t, "1")},
	}}
	rt := container.New("default", "/var/lib/vpnpki/instances/default", container.WithRunner(f))
	require.NoError(t, rt.Start(t.Context(), endpoint))

	assert.Equal(t, []string{
		"docker inspect --format {{json .State}} vpnpki-default",
		"docker run -d --name vpnpki-default --restart unless-stopped --cap-add NET_ADMIN -p 1194:1194/udp -v /var/lib/vpnpki/instances/default:/etc/openvpn kylemanna/openvpn",
	}, f.argv())
}

func TestStart_RestartsStoppedContainer(t *testing.T) {
	f := &fakeRunner{replies: map[string]reply{
		"inspect": {stdout: `{"Status":"exited","Running":false,"StartedAt":"2026-01-01T00:00:00Z"}` + "\n"},
	}}
	rt := container.New("default", "/data", container.WithRunner(f), container.WithBinary("podman"))
	require.NoError(t, rt.Start(t.Context(), endpoint))
	assert.Equal(t, "podman start vpnpki-default", f.argv()[1])
}

func TestStart_RunningIsNoop(t *testing.T) {
	f := &fakeRunner{replies: map[string]reply{
		"inspect": {stdout: `{"Status":"running","Running":true,"StartedAt":"2026-01-01T00:00:00Z"}`},
	}}
	rt := container.New("default", "/data", container.WithRunner(f))
	require.NoError(t, rt.Start(t.Context(), endpoint))
	assert.Len(t, f.calls, 1)
}

func TestConfigure(t *testing.T) {
	f := &fakeRunner{}
	rt := container.New("default", "/data", container.WithRunner(f), container.WithImage("example/openvpn:2"))
	require.NoError(t, rt.Configure(t.Context(), validate.Endpoint{Proto: "tcp", Host: "10.0.0.1", Port: 443}))
	assert.Equal(t, []string{"docker run --rm -v /data:/etc/openvpn example/openvpn:2 ovpn_genconfig -u tcp://10.0.0.1:443"}, f.argv())
}

func TestStop(t *testing.T) {
	f := &fakeRunner{}
	rt := container.New("default", "/data", container.WithRunner(f))
	require.NoError(t, rt.Stop(t.Context()))
	assert.Equal(t, []string{"docker stop vpnpki-default"}, f.argv())

	f.replies = map[string]reply{"stop": {stderr: "Error response from daemon: No such container: vpnpki-default", err: exitErr(t, "1")}}
	err := rt.Stop(t.Context())
	assert.True(t, errs.Is(err, errs.NotFound), "got %v", err)
}

func TestStatus(t *testing.T) {
	f := &fakeRunner{replies: map[string]reply{
		"inspect": {stdout: `{"Status":"running","Running":true,"StartedAt":"2026-03-04T05:06:07.123Z"}`},
		"logs":    {stdout: "Initialization Sequence Completed\n", stderr: "warning: something\n"},
	}}
	rt := container.New("default", "/data", container.WithRunner(f))
	st, err := rt.Status(t.Context(), 20)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.True(t, st.Running)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, time.Date(2026, 3, 4, 5, 6, 7, 123000000, time.UTC), st.StartedAt)
	assert.Equal(t, []string{"Initialization Sequence Completed", "warning: something"}, st.Logs)
	assert.Equal(t, "docker logs --tail 20 vpnpki-default", f.argv()[1])
}

func TestStatus_Absent(t *testing.T) {
	f := &fakeRunner{replies: map[string]reply{
		"inspect": {stderr: "Error: No such object: vpnpki-default", err: exitErr(t, "1")},
	}}
	rt := container.New("default", "/data", container.WithRunner(f))
	st, err := rt.Status(t.Context(), 20)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.Equal(t, "absent", st.Status)
	assert.Len(t, f.calls, 1)
}

func TestRuntimeUnavailable(t *testing.T) {
	t.Run("binary missing", func(t *testing.T) {
		rt := container.New("default", "/data", container.WithBinary("definitely-not-docker-vpnpki"))
		err := rt.Stop(t.Context())
		assert.True(t, errs.Is(err, errs.RuntimeUnavailable), "got %v", err)
		assert.Equal(t, 10, errs.KindOf(err).ExitCode())
	})

	t.Run("daemon down", func(t *testing.T) {
		f := &fakeRunner{replies: map[string]reply{
			"inspect": {stderr: "Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?", err: exitErr(t, "1")},
		}}
		rt := container.New("default", "/data", container.WithRunner(f))
		err := rt.Start(t.Context(), endpoint)
		assert.True(t, errs.Is(err, errs.RuntimeUnavailable), "got %v", err)
		assert.Contains(t, err.Error(), "Cannot connect to the Docker daemon")
	})

	t.Run("runner error", func(t *testing.T) {
		f := &fakeRunner{replies: map[string]reply{"stop": {err: errors.New("boom")}}}
		rt := container.New("default", "/data", container.WithRunner(f))
		assert.True(t, errs.Is(rt.Stop(t.Context()), errs.RuntimeUnavailable))
	})
}

func TestTimeout(t *testing.T) {
	rt := container.New("default", "/data", container.WithRunner(slowRunner{}), container.WithTimeout(20*time.Millisecond))
	err := rt.Stop(t.Context())
	assert.True(t, errs.Is(err, errs.Timeout), "got %v", err)
}

type slowRunner struct{}

func (slowRunner) Run(ctx context.Context, _ string, _ ...string) ([]byte, []byte, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

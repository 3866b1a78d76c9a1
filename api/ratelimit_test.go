package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*authLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := newAuthLimiter()
	rl.now = clock.now
	return rl, clock
}

func TestAuthLimiter_BlocksAtThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for range maxFailures - 1 {
		rl.recordFailure("192.0.2.1")
		blocked, _ := rl.check("192.0.2.1")
		require.False(t, blocked)
	}
	rl.recordFailure("192.0.2.1")
	blocked, retryAfter := rl.check("192.0.2.1")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, retryAfter)

	blocked, _ = rl.check("192.0.2.2")
	assert.False(t, blocked, "addresses are tracked separately")
}

func TestAuthLimiter_ExponentialBackoffIsCapped(t *testing.T) {
	rl, _ := newTestLimiter()
	for range maxFailures {
		rl.recordFailure("192.0.2.1")
	}
	rl.recordFailure("192.0.2.1")
	_, second := rl.check("192.0.2.1")
	assert.Equal(t, 2*baseLockout, second)

	for range 20 {
		rl.recordFailure("192.0.2.1")
	}
	_, capped := rl.check("192.0.2.1")
	assert.Equal(t, maxLockout, capped)
}

func TestAuthLimiter_LockoutExpires(t *testing.T) {
	rl, clock := newTestLimiter()
	for range maxFailures {
		rl.recordFailure("192.0.2.1")
	}
	clock.advance(baseLockout + time.Second)
	blocked, _ := rl.check("192.0.2.1")
	assert.False(t, blocked)
}

func TestAuthLimiter_SuccessClears(t *testing.T) {
	rl, _ := newTestLimiter()
	for range maxFailures - 1 {
		rl.recordFailure("192.0.2.1")
	}
	rl.recordSuccess("192.0.2.1")
	rl.recordFailure("192.0.2.1")
	blocked, _ := rl.check("192.0.2.1")
	assert.False(t, blocked, "the count restarts after a success")
}

func TestAuthLimiter_Sweep(t *testing.T) {
	rl, clock := newTestLimiter()
	rl.recordFailure("192.0.2.1")
	clock.advance(30 * time.Minute)
	rl.recordFailure("192.0.2.2")
	clock.advance(31 * time.Minute)

	rl.sweep()
	assert.NotContains(t, rl.attempts, "192.0.2.1")
	assert.Contains(t, rl.attempts, "192.0.2.2")
}

func TestExtractClientIPWithProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		proxies    []netip.Prefix
		want       string
	}{
		{"remote ipv4", "192.168.1.1:12345", nil, nil, "192.168.1.1"},
		{"remote ipv6", "[::1]:8080", nil, nil, "::1"},
		{"headers ignored without trusted proxies", "10.0.0.1:80",
			map[string]string{"X-Forwarded-For": "198.51.100.25"}, nil, "10.0.0.1"},
		{"trusted proxy honors XFF", "10.0.0.1:80",
			map[string]string{"X-Forwarded-For": "198.51.100.25, 203.0.113.9"}, trusted, "198.51.100.25"},
		{"XFF skips invalid entries", "10.0.0.1:80",
			map[string]string{"X-Forwarded-For": "unknown, 203.0.113.7"}, trusted, "203.0.113.7"},
		{"untrusted peer ignores XFF", "192.168.1.1:80",
			map[string]string{"X-Forwarded-For": "198.51.100.25"}, trusted, "192.168.1.1"},
		{"forwarded fallback", "10.0.0.1:80",
			map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https`}, trusted, "2001:db8::1"},
		{"x-real-ip fallback", "10.0.0.1:80",
			map[string]string{"X-Real-IP": "203.0.113.11"}, trusted, "203.0.113.11"},
		{"zone dropped", "[fe80::1%eth0]:80", nil, nil, "fe80::1"},
		{"nothing parseable", "not-a-hostport", nil, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

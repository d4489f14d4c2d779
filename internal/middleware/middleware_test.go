package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMiddleware_ClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		trusted string
		want    string
	}{
		{name: "remote only", remote: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "remote v6", remote: "[2001:db8::1]:5555", want: "2001:db8::1"},
		{name: "xff first", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, remote: "10.0.0.1:1", want: "203.0.113.7"},
		{name: "cf", headers: map[string]string{"CF-Connecting-IP": "198.51.100.2"}, remote: "10.0.0.1:1", want: "198.51.100.2"},
		{name: "forwarded", headers: map[string]string{"Forwarded": `for="[2001:db8::7]:4711";proto=https`}, remote: "10.0.0.1:1", want: "2001:db8::7"},
		{name: "forwarded v4", headers: map[string]string{"Forwarded": "for=192.0.2.60;proto=http, for=198.51.100.17"}, remote: "10.0.0.1:1", want: "192.0.2.60"},
		{name: "trusted header only", headers: map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Edge-IP": "198.51.100.9"}, trusted: "X-Edge-IP", remote: "10.0.0.1:1", want: "198.51.100.9"},
		{name: "trusted header missing", headers: map[string]string{"X-Forwarded-For": "203.0.113.7"}, trusted: "X-Edge-IP", remote: "10.0.0.1:1", want: "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			require.Equal(t, tt.want, ClientIP(r, tt.trusted))
		})
	}
}

func TestMiddleware_AllowList(t *testing.T) {
	t.Parallel()

	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewAllowList(l, []string{"10.0.0.0/33"}, "")
	require.Error(t, err)

	open, err := NewAllowList(l, nil, "")
	require.NoError(t, err)
	require.True(t, open.Allowed(netip.MustParseAddr("8.8.8.8")))

	a, err := NewAllowList(l, []string{"10.1.0.0/16", " 192.0.2.5 ", "2001:db8::/32", ""}, "")
	require.NoError(t, err)
	require.True(t, a.Allowed(netip.MustParseAddr("10.1.200.3")))
	require.True(t, a.Allowed(netip.MustParseAddr("::ffff:192.0.2.5")))
	require.True(t, a.Allowed(netip.MustParseAddr("2001:db8:1::1")))
	require.False(t, a.Allowed(netip.MustParseAddr("192.0.2.6")))

	h := a.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	for remote, want := range map[string]int{
		"10.1.2.3:80":    http.StatusNoContent,
		"172.16.0.1:80":  http.StatusForbidden,
		"not-an-address": http.StatusForbidden,
	} {
		r := httptest.NewRequest(http.MethodPost, "/admin/refresh", nil)
		r.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		require.Equal(t, want, rec.Code, remote)
	}
}

func TestMiddleware_RateLimiter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(1, 2)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	require.True(t, l.Allow("b"), "visitors have independent buckets")

	now = now.Add(time.Second)
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))

	now = now.Add(idleAfter + time.Second)
	require.True(t, l.Allow("c"))
	require.Equal(t, 1, l.Len(), "idle visitors are swept")
}

func TestMiddleware_RateLimiter_Middleware(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(0.5, 0)
	h := l.Middleware(func(r *http.Request) string { return ClientIP(r, "") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/1.1.1.1", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}
	require.Equal(t, http.StatusOK, do().Code)
	rec := do()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("retry-after"))
}

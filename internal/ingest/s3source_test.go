package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIngest_ParseS3URL(t *testing.T) {
	t.Parallel()

	b, k, err := ParseS3URL("s3://geo-bucket/maxmind/GeoLite2-City.tar.gz")
	require.NoError(t, err)
	require.Equal(t, "geo-bucket", b)
	require.Equal(t, "maxmind/GeoLite2-City.tar.gz", k)

	for _, raw := range []string{"s3://bucket", "s3:///key", "https://bucket/key", "::"} {
		_, _, err := ParseS3URL(raw)
		require.Error(t, err, raw)
	}
	require.True(t, IsS3URL("S3://b/k"))
	require.False(t, IsS3URL("https://b/k"))
}

func newS3TestSource(t *testing.T, srv *httptest.Server, maxSize int64) *S3Source {
	t.Helper()
	s, err := NewS3Source(context.Background(), S3SourceConfig{
		URL:         "s3://geo/db/GeoLite2-City.mmdb",
		EndpointURL: srv.URL,
		Anonymous:   true,
		Timeout:     5 * time.Second,
		MaxSize:     maxSize,
		MaxAttempts: 1,
		HTTPClient:  srv.Client(),
		Logger:      newTestLogger(),
	})
	require.NoError(t, err)
	return s
}

func TestIngest_S3Source_Fetch(t *testing.T) {
	t.Parallel()

	lastMod := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/geo/db/GeoLite2-City.mmdb" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("If-None-Match") == `"s3v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"s3v1"`)
		w.Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
		w.Header().Set("Content-Length", "14")
		_, _ = w.Write([]byte("object payload"))
	}))
	defer srv.Close()
	s := newS3TestSource(t, srv, 0)

	out, err := s.Fetch(context.Background(), Validator{})
	require.NoError(t, err)
	require.True(t, out.Changed)
	require.Equal(t, []byte("object payload"), out.Body)
	require.Equal(t, `"s3v1"`, out.Validator.ETag)
	require.Equal(t, lastMod.Format(http.TimeFormat), out.Validator.LastModified)

	out, err = s.Fetch(context.Background(), out.Validator)
	require.NoError(t, err)
	require.False(t, out.Changed)
	require.Equal(t, `"s3v1"`, out.Validator.ETag)
}

func TestIngest_S3Source_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/geo/db/GeoLite2-City.mmdb" {
			_, _ = w.Write(make([]byte, 512))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newS3TestSource(t, srv, 100).Fetch(context.Background(), Validator{})
	require.ErrorIs(t, err, ErrTooLarge)

	s, err := NewS3Source(context.Background(), S3SourceConfig{
		URL: "s3://other/key.mmdb", EndpointURL: srv.URL, Anonymous: true,
		MaxAttempts: 1, HTTPClient: srv.Client(), Logger: newTestLogger(),
	})
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), Validator{})
	require.ErrorIs(t, err, ErrDownload)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Code)
}

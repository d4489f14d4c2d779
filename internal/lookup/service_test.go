package lookup

import (
	"sync/atomic"
	"testing"
	"time"

	"geoip-api/internal/ingest"
	"geoip-api/internal/localdb"
	"geoip-api/internal/localdb/localdbtest"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type source struct {
	p atomic.Pointer[localdb.Snapshot]
}

func (s *source) Current() *localdb.Snapshot { return s.p.Load() }

func snapshot(t *testing.T, epoch uint, records map[string]string, v ingest.Validator) *localdb.Snapshot {
	t.Helper()
	raw := localdbtest.Build(epoch, records)
	r, err := localdbtest.Open(raw)
	require.NoError(t, err)
	return localdb.NewSnapshot(r, raw, v, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
}

var records = map[string]string{
	"81.2.69.0/24":  "GB/London",
	"81.2.69.0/28":  "GB/Islington",
	"2001:db8::/32": "JP/Tokyo",
}

func TestLookup_Service_NoSnapshot(t *testing.T) {
	t.Parallel()

	svc := New(&source{})
	require.False(t, svc.Ready())

	_, err := svc.Lookup("81.2.69.142")
	require.ErrorIs(t, err, ErrNoSnapshot)
	_, err = svc.Metadata()
	require.ErrorIs(t, err, ErrNoSnapshot)

	// 无效地址优先于未加载
	_, err = svc.Lookup("not-an-ip")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestLookup_Service_Lookup(t *testing.T) {
	t.Parallel()

	src := &source{}
	src.p.Store(snapshot(t, 1700000000, records, ingest.Validator{}))
	svc := New(src)
	require.True(t, svc.Ready())

	tests := []struct {
		name    string
		ip      string
		city    string
		network string
		err     error
	}{
		{name: "ipv4 most specific", ip: "81.2.69.5", city: "Islington", network: "81.2.69.0/28"},
		{name: "ipv4 broader", ip: "81.2.69.142", city: "London", network: "81.2.69.0/24"},
		{name: "ipv4 mapped", ip: "::ffff:81.2.69.142", city: "London", network: "81.2.69.0/24"},
		{name: "ipv6", ip: "2001:db8::1", city: "Tokyo", network: "2001:db8::/32"},
		{name: "surrounding space", ip: " 81.2.69.142 ", city: "London", network: "81.2.69.0/24"},
		{name: "not found", ip: "10.0.0.1", err: ErrNotFound},
		{name: "garbage", ip: "300.1.1.1", err: ErrInvalidAddress},
		{name: "empty", ip: "", err: ErrInvalidAddress},
		{name: "zone", ip: "fe80::1%eth0", err: ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := svc.Lookup(tt.ip)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				require.Nil(t, res)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.city, res.Record.City.Names["en"])
			require.Equal(t, tt.network, res.Network)
			require.EqualValues(t, 1700000000, res.BuildEpoch)
		})
	}
}

func TestLookup_Service_SeesSwap(t *testing.T) {
	t.Parallel()

	src := &source{}
	src.p.Store(snapshot(t, 1, map[string]string{"1.0.0.0/8": "AU/Old"}, ingest.Validator{}))
	svc := New(src)

	res, err := svc.Lookup("1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, "Old", res.Record.City.Names["en"])

	src.p.Store(snapshot(t, 2, map[string]string{"1.0.0.0/8": "AU/New"}, ingest.Validator{}))
	res, err = svc.Lookup("1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, "New", res.Record.City.Names["en"])
	require.EqualValues(t, 2, res.BuildEpoch)
}

func TestLookup_Service_Version(t *testing.T) {
	t.Parallel()

	src := &source{}
	svc := New(src)
	_, _, ok := svc.Version()
	require.False(t, ok)

	a := snapshot(t, 5, map[string]string{"1.0.0.0/8": "AU/Sydney"}, ingest.Validator{})
	src.p.Store(a)
	epoch, digest, ok := svc.Version()
	require.True(t, ok)
	require.EqualValues(t, 5, epoch)
	require.Equal(t, a.Digest(), digest)

	res, err := svc.Lookup("1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, a.Digest(), res.Digest)

	// 相同 build_epoch、不同内容
	src.p.Store(snapshot(t, 5, map[string]string{"1.0.0.0/8": "AU/Perth"}, ingest.Validator{}))
	epoch2, digest2, _ := svc.Version()
	require.Equal(t, epoch, epoch2)
	require.NotEqual(t, digest, digest2)
}

func TestLookup_Service_Metadata(t *testing.T) {
	t.Parallel()

	built := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	src := &source{}
	src.p.Store(snapshot(t, uint(built.Unix()), records, ingest.Validator{ETag: `"abc"`}))
	clock := clockwork.NewFakeClockAt(built.Add(72 * time.Hour))
	svc := New(src).WithClock(clock)

	md, err := svc.Metadata()
	require.NoError(t, err)
	require.Equal(t, built, md.BuildTime)
	require.Equal(t, "3 days ago", md.BuildAge)
	require.Equal(t, "Fake-City", md.DatabaseType)
	require.Equal(t, `"abc"`, md.ETag)
	require.Len(t, md.Digest, 64)
	require.Positive(t, md.SizeBytes)
	require.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), md.LoadedAt)
}

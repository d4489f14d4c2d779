package localdb_test

import (
	"net"
	"testing"
	"time"

	"geoip-api/internal/localdb"
	"geoip-api/internal/localdb/localdbtest"

	"github.com/stretchr/testify/require"
)

var mmdbRecords = map[string]string{
	"81.2.69.0/24":  "GB/London",
	"81.2.69.0/28":  "GB/Islington",
	"2001:218::/32": "JP/Tokyo",
}

func TestLocalDB_OpenMMDB_Lookup(t *testing.T) {
	t.Parallel()

	r, err := localdb.OpenMMDB(localdbtest.BuildMMDB(t, mmdbRecords))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	tests := []struct {
		name    string
		ip      string
		iso     string
		city    string
		network string
	}{
		{name: "ipv4 most specific", ip: "81.2.69.5", iso: "GB", city: "Islington", network: "81.2.69.0/28"},
		{name: "ipv4 broader", ip: "81.2.69.142", iso: "GB", city: "London", network: "81.2.69.0/24"},
		{name: "ipv6", ip: "2001:218::1", iso: "JP", city: "Tokyo", network: "2001:218::/32"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, network, ok, err := r.Lookup(net.ParseIP(tt.ip))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tt.iso, rec.Country.IsoCode)
			require.Equal(t, tt.iso, rec.RegisteredCountry.IsoCode)
			require.Equal(t, tt.city, rec.City.Names["en"])
			require.Equal(t, tt.network, network.String())
		})
	}

	t.Run("miss", func(t *testing.T) {
		t.Parallel()
		rec, _, ok, err := r.Lookup(net.ParseIP("8.8.8.8"))
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, rec)
	})
}

func TestLocalDB_OpenMMDB_Metadata(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Minute).Unix()
	r, err := localdb.OpenMMDB(localdbtest.BuildMMDB(t, mmdbRecords))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	md := r.Metadata()
	require.EqualValues(t, 2, md.BinaryFormatMajorVersion)
	require.EqualValues(t, 0, md.BinaryFormatMinorVersion)
	require.Equal(t, localdbtest.MMDBType, md.DatabaseType)
	require.Equal(t, map[string]string{"en": "geoip-api test database"}, md.Description)
	require.EqualValues(t, 6, md.IPVersion)
	require.Equal(t, []string{"en"}, md.Languages)
	require.EqualValues(t, 24, md.RecordSize)
	require.NotZero(t, md.NodeCount)
	require.GreaterOrEqual(t, int64(md.BuildEpoch), before)
	require.LessOrEqual(t, int64(md.BuildEpoch), time.Now().Add(time.Minute).Unix())
}

func TestLocalDB_OpenMMDB_Invalid(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string][]byte{
		"garbage": []byte("garbage"),
		"empty":   nil,
		"fake":    localdbtest.Build(1, map[string]string{"1.0.0.0/8": "AU/Sydney"}),
	} {
		t.Run(name, func(t *testing.T) {
			r, err := localdb.OpenMMDB(raw)
			require.ErrorIs(t, err, localdb.ErrLoad)
			require.Nil(t, r)
		})
	}
}

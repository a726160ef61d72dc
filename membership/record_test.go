package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	want := BackendRecord{
		Host:         "10.1.2.3",
		Port:         8765,
		Load:         0.25,
		Weight:       4,
		RegisteredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		LeaseID:      42,
	}
	data, err := EncodeRecord(want)
	require.NoError(t, err)

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	require.Equal(t, want.Host, got.Host)
	require.Equal(t, want.Port, got.Port)
	require.Equal(t, want.Load, got.Load)
	require.Equal(t, want.Weight, got.Weight)
	require.True(t, want.RegisteredAt.Equal(got.RegisteredAt))
	// The lease id is session state, never serialized.
	require.Zero(t, got.LeaseID)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":    `{{`,
		"no host":     `{"port": 8765}`,
		"no port":     `{"host": "a"}`,
		"bad port":    `{"host": "a", "port": -1}`,
		"empty value": ``,
	}
	for name, raw := range cases {
		_, err := DecodeRecord([]byte(raw))
		require.Error(t, err, name)
	}
}

func TestIDAndAddr(t *testing.T) {
	rec := BackendRecord{Host: "10.0.0.1", Port: 8765}
	require.Equal(t, "10.0.0.1:8765", rec.Addr())
	require.Equal(t, BackendID("10.0.0.1:8765"), rec.ID())
}

func TestIDFromKey(t *testing.T) {
	id, ok := idFromKey("/query-balancer/backends/", "/query-balancer/backends/10.0.0.1:8765")
	require.True(t, ok)
	require.Equal(t, BackendID("10.0.0.1:8765"), id)

	_, ok = idFromKey("/query-balancer/backends/", "/other/path/10.0.0.1:8765")
	require.False(t, ok)

	_, ok = idFromKey("/query-balancer/backends/", "/query-balancer/backends/")
	require.False(t, ok)
}

func TestDiff(t *testing.T) {
	a := BackendRecord{Host: "a", Port: 1}
	b := BackendRecord{Host: "b", Port: 1}
	c := BackendRecord{Host: "c", Port: 1}
	bReloaded := BackendRecord{Host: "b", Port: 1, Load: 0.9}

	old := map[BackendID]BackendRecord{a.ID(): a, b.ID(): b}
	fetched := map[BackendID]BackendRecord{b.ID(): bReloaded, c.ID(): c}

	adds, removes := diff(old, fetched)
	require.Len(t, adds, 2, "new backend and changed record both count as adds")
	require.Equal(t, []BackendID{a.ID()}, removes)
}

func TestDiffNoChanges(t *testing.T) {
	// Session lost and restored with membership unchanged upstream: the
	// reconciliation must emit nothing, leaving the snapshot as it was.
	a := BackendRecord{Host: "a", Port: 1, Weight: 2}
	b := BackendRecord{Host: "b", Port: 1}
	old := map[BackendID]BackendRecord{a.ID(): a, b.ID(): b}
	fetched := map[BackendID]BackendRecord{a.ID(): a, b.ID(): b}

	adds, removes := diff(old, fetched)
	require.Empty(t, adds)
	require.Empty(t, removes)
}

package dht

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populatedTable(t *testing.T, clock *manualClock, n int) *RoutingTable {
	t.Helper()
	table := NewRoutingTable(RandomKey(), nil, clock)
	for i := 0; i < n; i++ {
		table.Insert(NewEntry(testAddr(i), RandomKey(), clock.Now()))
	}
	return table
}

func TestSaveAndLoadTable(t *testing.T) {
	clock := newManualClock()
	table := populatedTable(t, clock, 80)
	path := filepath.Join(t.TempDir(), "table.ipv4")

	require.NoError(t, SaveTable(table, path, 4))

	restored := NewRoutingTable(table.ownID, nil, clock)
	n := LoadTable(restored, path, 4)
	assert.Equal(t, table.NumEntries(), n)
	assert.Equal(t, table.NumEntries(), restored.NumEntries())
	for _, e := range table.Entries() {
		found := false
		for _, b := range restored.Buckets() {
			if b.Contains(e) {
				found = true
			}
		}
		assert.True(t, found, "entry %s restored", e.ID)
	}
}

func TestMarshalTableFiltersFamily(t *testing.T) {
	clock := newManualClock()
	table := NewRoutingTable(RandomKey(), nil, clock)
	table.Insert(NewEntry(testAddr(1), RandomKey(), clock.Now()))
	table.Insert(NewEntry(netip.MustParseAddrPort("[2001:db8::1]:6881"), RandomKey(), clock.Now()))

	v4, err := UnmarshalTable(MarshalTable(table, 4), 4)
	require.NoError(t, err)
	assert.Len(t, v4, 1)

	v6, err := UnmarshalTable(MarshalTable(table, 6), 6)
	require.NoError(t, err)
	require.Len(t, v6, 1)
	assert.Equal(t, 6, ipVersion(v6[0].Addr))

	data := MarshalTable(table, 4)
	assert.Equal(t, []byte{0, 0, 1}, data[:3], "bucket 0, one entry")
	assert.Len(t, data, 3+PackedNodeSizeV4)
}

func TestUnmarshalTableCorrupt(t *testing.T) {
	clock := newManualClock()
	good := MarshalTable(populatedTable(t, clock, 10), 4)

	tests := []struct {
		name string
		data []byte
	}{
		{"short header", []byte{0, 0}},
		{"zero count", []byte{0, 0, 0}},
		{"count above K", []byte{0, 0, K + 1}},
		{"truncated entries", good[:len(good)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalTable(tt.data, 4)
			assert.ErrorIs(t, err, ErrCorruptTable)
		})
	}

	entries, err := UnmarshalTable(nil, 4)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadTableIgnoresBadFiles(t *testing.T) {
	clock := newManualClock()
	dir := t.TempDir()
	table := NewRoutingTable(RandomKey(), nil, clock)

	assert.Zero(t, LoadTable(table, filepath.Join(dir, "missing"), 4))

	corrupt := filepath.Join(dir, "corrupt")
	require.NoError(t, os.WriteFile(corrupt, []byte{0, 0, 5, 1, 2}, 0o600))
	assert.Zero(t, LoadTable(table, corrupt, 4))
	assert.Zero(t, table.NumEntries())
}

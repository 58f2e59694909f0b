package dht

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/btdht/simnet"
)

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		host    string
		port    uint16
		wantErr bool
	}{
		{"hostname", "router.bittorrent.com:6881", "router.bittorrent.com", 6881, false},
		{"ipv4", "10.0.0.1:25401", "10.0.0.1", 25401, false},
		{"ipv6", "[2001:db8::1]:6881", "2001:db8::1", 6881, false},
		{"missing port", "router.bittorrent.com", "", 0, true},
		{"zero port", "10.0.0.1:0", "", 0, true},
		{"port out of range", "10.0.0.1:70000", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := splitHostPort(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestBootstrapErrorUnwraps(t *testing.T) {
	err := &BootstrapError{Type: "round", Node: "2 routers", Cause: ErrNotEnoughNodes}
	assert.ErrorIs(t, err, ErrNotEnoughNodes)
	assert.Contains(t, err.Error(), "2 routers")

	var berr *BootstrapError
	assert.True(t, errors.As(error(err), &berr))
	assert.Equal(t, "round", berr.Type)
}

func TestBootstrapPingsRouters(t *testing.T) {
	network := simnet.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = network.Run(ctx) }()

	router := startOnNetwork(t, network, testAddr(1), t.TempDir())
	defer router.Stop()

	cfg := DefaultConfig()
	cfg.BootstrapNodes = []string{"router.test:6881", "unknown.test:6881", "garbage"}
	cfg.MinBootstrapNodes = 1
	cfg.BootstrapBackoff = 10 * time.Millisecond

	resolver := func(_ context.Context, host string) ([]netip.Addr, error) {
		if host == "router.test" {
			return []netip.Addr{testAddr(1).Addr()}, nil
		}
		return nil, errors.New("no such host")
	}
	addr := testAddr(2)
	d := New(cfg,
		WithResolver(resolver),
		WithTransportFactory(func(port uint16) (Transport, error) {
			return network.Listen(netip.AddrPortFrom(addr.Addr(), port))
		}))
	dir := t.TempDir()
	require.NoError(t, d.Start(filepath.Join(dir, "dht_table"), filepath.Join(dir, "dht_key"), addr.Port()))
	defer d.Stop()

	assert.Eventually(t, func() bool {
		s, err := d.Stats()
		return err == nil && s.NumEntries() == 1
	}, 5*time.Second, 10*time.Millisecond)

	good := d.GetClosestGoodNodes(8)
	require.Len(t, good, 1)
	assert.Equal(t, testAddr(1), good[0])
}

func TestBootstrapWithoutRouters(t *testing.T) {
	network := simnet.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = network.Run(ctx) }()

	d := startOnNetwork(t, network, testAddr(1), t.TempDir())
	defer d.Stop()

	s, err := d.Stats()
	require.NoError(t, err)
	assert.Zero(t, s.NumEntries())
}

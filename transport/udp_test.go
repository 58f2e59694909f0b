package transport

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func listenLoopback(t *testing.T, limit rate.Limit, burst int) *UDPTransport {
	t.Helper()
	tr, err := Listen(Config{Addr4: "127.0.0.1:0", Rate: limit, Burst: burst})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

type received struct {
	data []byte
	from netip.AddrPort
}

func serve(t *testing.T, tr *UDPTransport) <-chan received {
	t.Helper()
	ch := make(chan received, 16)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tr.Serve(ctx, func(data []byte, from netip.AddrPort) {
			ch <- received{data: append([]byte(nil), data...), from: from}
		})
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return ch
}

func TestUDPTransportSendReceive(t *testing.T) {
	a := listenLoopback(t, 0, 0)
	b := listenLoopback(t, 0, 0)
	rx := serve(t, b)

	require.NoError(t, a.Send([]byte("d1:y1:qe"), b.LocalAddr(4)))

	select {
	case got := <-rx:
		assert.Equal(t, []byte("d1:y1:qe"), got.data)
		assert.Equal(t, a.LocalAddr(4), got.from)
		assert.True(t, got.from.Addr().Is4())
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
}

func TestUDPTransportRateLimit(t *testing.T) {
	a := listenLoopback(t, rate.Every(time.Hour), 1)
	b := listenLoopback(t, 0, 0)

	require.NoError(t, a.Send([]byte("x"), b.LocalAddr(4)))
	assert.ErrorIs(t, a.Send([]byte("x"), b.LocalAddr(4)), ErrRateLimited)
}

func TestUDPTransportNoIPv6Socket(t *testing.T) {
	a := listenLoopback(t, 0, 0)
	assert.False(t, a.LocalAddr(6).IsValid())

	err := a.Send([]byte("x"), netip.MustParseAddrPort("[2001:db8::1]:6881"))
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestUDPTransportMappedDestination(t *testing.T) {
	a := listenLoopback(t, 0, 0)
	b := listenLoopback(t, 0, 0)
	rx := serve(t, b)

	mapped := netip.AddrPortFrom(netip.AddrFrom16(b.LocalAddr(4).Addr().As16()), b.LocalAddr(4).Port())
	require.NoError(t, a.Send([]byte("mapped"), mapped))

	select {
	case got := <-rx:
		assert.Equal(t, []byte("mapped"), got.data)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
}

func TestUDPTransportClose(t *testing.T) {
	a := listenLoopback(t, 0, 0)

	done := make(chan error, 1)
	go func() {
		done <- a.Serve(context.Background(), func([]byte, netip.AddrPort) {})
	}()

	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	assert.ErrorIs(t, a.Send([]byte("x"), netip.MustParseAddrPort("127.0.0.1:1")), ErrClosed)
	assert.NoError(t, a.Close())
}

func TestListenWithoutAddresses(t *testing.T) {
	_, err := Listen(Config{})
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestUDPTransportQueriesArePaced(t *testing.T) {
	a := listenLoopback(t, rate.Limit(200), 1)
	b := listenLoopback(t, 0, 0)
	rx := serve(t, b)
	serve(t, a)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, a.SendQuery([]byte{byte(i)}, b.LocalAddr(4)))
	}
	for i := 0; i < n; i++ {
		select {
		case got := <-rx:
			assert.Equal(t, []byte{byte(i)}, got.data, "queries keep their order")
		case <-time.After(5 * time.Second):
			t.Fatalf("query %d not received", i)
		}
	}
	assert.Zero(t, a.NumQueuedQueries())
}

func TestUDPTransportSendQueryWithoutLimit(t *testing.T) {
	a := listenLoopback(t, 0, 0)
	b := listenLoopback(t, 0, 0)
	rx := serve(t, b)

	require.NoError(t, a.SendQuery([]byte("q"), b.LocalAddr(4)))
	assert.Zero(t, a.NumQueuedQueries())
	select {
	case got := <-rx:
		assert.Equal(t, []byte("q"), got.data)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}

	assert.ErrorIs(t, a.SendQuery([]byte("q"), netip.MustParseAddrPort("[2001:db8::1]:6881")), ErrNoSocket)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.SendQuery([]byte("q"), b.LocalAddr(4)), ErrClosed)
}

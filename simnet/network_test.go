package simnet

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:6881")
	addrB = netip.MustParseAddrPort("10.0.0.2:6881")
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
	from []netip.AddrPort
}

func (i *inbox) handle(data []byte, from netip.AddrPort) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, string(data))
	i.from = append(i.from, from)
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func TestFlushDeliversQueuedDatagrams(t *testing.T) {
	n := New()
	a, err := n.Listen(addrA)
	require.NoError(t, err)
	b, err := n.Listen(addrB)
	require.NoError(t, err)

	var got inbox
	b.SetHandler(got.handle)

	require.NoError(t, a.Send([]byte("one"), addrB))
	require.NoError(t, a.Send([]byte("two"), addrB))
	assert.Equal(t, 0, got.len(), "nothing moves before Flush")
	assert.Equal(t, 2, n.Pending())

	assert.Equal(t, 2, n.Flush())
	assert.Equal(t, []string{"one", "two"}, got.msgs)
	assert.Equal(t, []netip.AddrPort{addrA, addrA}, got.from)
	assert.Equal(t, Stats{Sent: 2, Delivered: 2}, n.Stats())
}

func TestRepliesWaitForNextFlush(t *testing.T) {
	n := New()
	a, _ := n.Listen(addrA)
	b, _ := n.Listen(addrB)

	var got inbox
	a.SetHandler(got.handle)
	b.SetHandler(func(data []byte, from netip.AddrPort) {
		_ = b.Send(append([]byte("re:"), data...), from)
	})

	require.NoError(t, a.Send([]byte("ping"), addrB))
	assert.Equal(t, 1, n.Flush())
	assert.Equal(t, 1, n.Pending())
	assert.Equal(t, 1, n.Flush())
	assert.Equal(t, []string{"re:ping"}, got.msgs)
}

func TestDownAndUnknownAddressesDrop(t *testing.T) {
	n := New()
	n.KeepLog(true)
	a, _ := n.Listen(addrA)
	b, _ := n.Listen(addrB)
	var got inbox
	b.SetHandler(got.handle)

	n.SetDown(addrB, true)
	require.NoError(t, a.Send([]byte("x"), addrB))
	require.NoError(t, a.Send([]byte("x"), netip.MustParseAddrPort("10.0.0.9:1")))
	assert.Equal(t, 0, n.Flush())
	assert.Equal(t, 0, got.len())

	n.SetDown(addrB, false)
	require.NoError(t, a.Send([]byte("x"), addrB))
	assert.Equal(t, 1, n.Flush())

	log := n.Log()
	require.Len(t, log, 3)
	assert.True(t, log[0].Dropped)
	assert.True(t, log[1].Dropped)
	assert.False(t, log[2].Dropped)
	assert.Equal(t, Stats{Sent: 3, Delivered: 1, Dropped: 2}, n.Stats())
}

func TestLossRate(t *testing.T) {
	n := New()
	n.SetLossRate(1, 42)
	a, _ := n.Listen(addrA)
	b, _ := n.Listen(addrB)
	var got inbox
	b.SetHandler(got.handle)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send([]byte("x"), addrB))
	}
	assert.Equal(t, 0, n.Flush())

	n.SetLossRate(0, 42)
	require.NoError(t, a.Send([]byte("x"), addrB))
	assert.Equal(t, 1, n.Flush())
}

func TestListenAddressInUse(t *testing.T) {
	n := New()
	_, err := n.Listen(addrA)
	require.NoError(t, err)
	_, err = n.Listen(addrA)
	assert.ErrorIs(t, err, ErrAddrInUse)
}

func TestCloseDetaches(t *testing.T) {
	n := New()
	a, _ := n.Listen(addrA)
	b, _ := n.Listen(addrB)
	var got inbox
	b.SetHandler(got.handle)

	require.NoError(t, b.Close())
	require.NoError(t, a.Send([]byte("x"), addrB))
	assert.Equal(t, 0, n.Flush())
	assert.ErrorIs(t, b.Send([]byte("x"), addrA), ErrClosed)

	_, err := n.Listen(addrB)
	assert.NoError(t, err, "closed address can be reused")
}

func TestServeAndRun(t *testing.T) {
	n := New()
	a, _ := n.Listen(addrA)
	b, _ := n.Listen(addrB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	received := make(chan string, 1)
	served := make(chan error, 1)
	go func() {
		served <- b.Serve(ctx, func(data []byte, from netip.AddrPort) {
			select {
			case received <- string(data):
			default:
			}
		})
	}()

	// the handler is installed asynchronously
	require.Eventually(t, func() bool {
		_ = a.Send([]byte("hello"), addrB)
		select {
		case msg := <-received:
			return msg == "hello"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

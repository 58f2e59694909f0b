package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSingleUse(t *testing.T) {
	clock := newManualClock()
	db := NewDatabase(clock)
	addr := netip.MustParseAddrPort("10.0.0.1:6881")

	tok := db.GenToken(addr)
	require.Len(t, tok, TokenSize)

	assert.False(t, db.CheckToken(tok, netip.MustParseAddrPort("10.0.0.2:6881")), "bound to the requester")
	assert.True(t, db.CheckToken(tok, addr))
	assert.False(t, db.CheckToken(tok, addr), "accepted only once")
	assert.False(t, db.CheckToken([]byte("forged"), addr))
}

func TestTokensDifferPerAddressAndTime(t *testing.T) {
	clock := newManualClock()
	db := NewDatabase(clock)
	a := netip.MustParseAddrPort("10.0.0.1:6881")
	b := netip.MustParseAddrPort("10.0.0.1:6882")

	ta := db.GenToken(a)
	tb := db.GenToken(b)
	assert.NotEqual(t, ta, tb)

	clock.Advance(time.Millisecond)
	assert.NotEqual(t, ta, db.GenToken(a))

	other := NewDatabase(clock)
	assert.False(t, other.CheckToken(ta, a), "secrets are per database")
}

func TestExpireTokens(t *testing.T) {
	clock := newManualClock()
	db := NewDatabase(clock)
	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	tok := db.GenToken(addr)

	clock.Advance(MaxItemAge - time.Second)
	db.Expire(clock.Now())
	assert.Equal(t, 1, db.NumTokens())

	clock.Advance(time.Second)
	db.Expire(clock.Now())
	assert.Zero(t, db.NumTokens())
	assert.False(t, db.CheckToken(tok, addr))
}

func TestExpireItemsExactlyAndInOrder(t *testing.T) {
	clock := newManualClock()
	db := NewDatabase(clock)
	key := RandomKey()

	for i := 0; i < 5; i++ {
		db.StorePeer(key, testAddr(i))
		clock.Advance(time.Minute)
	}
	// items were stored at t0 .. t0+4m, the clock is at t0+5m

	clock.Advance(MaxItemAge - 5*time.Minute - time.Nanosecond)
	db.Expire(clock.Now())
	assert.Equal(t, 5, db.NumItems(key), "nothing is 30 minutes old yet")

	clock.Advance(time.Nanosecond)
	db.Expire(clock.Now())
	require.Equal(t, 4, db.NumItems(key), "the oldest item is exactly 30 minutes old")
	got := db.Sample(key, 10, 4)
	assert.Equal(t, testAddr(1), got[0].Addr)
	assert.Equal(t, testAddr(4), got[3].Addr)

	clock.Advance(4 * time.Minute)
	db.Expire(clock.Now())
	assert.False(t, db.Contains(key), "empty keys are removed")
	assert.Zero(t, db.NumKeys())
}

func TestSampleFiltersByFamily(t *testing.T) {
	clock := newManualClock()
	db := NewDatabase(clock)
	key := RandomKey()
	for i := 0; i < 60; i++ {
		db.StorePeer(key, testAddr(i))
	}
	db.StorePeer(key, testAddr6(1))

	v4 := db.Sample(key, 50, 4)
	assert.Len(t, v4, 50)
	assert.Equal(t, testAddr(0), v4[0].Addr)

	v6 := db.Sample(key, 50, 6)
	require.Len(t, v6, 1)
	assert.Equal(t, testAddr6(1), v6[0].Addr)

	assert.Empty(t, db.Sample(RandomKey(), 50, 4))
}

func TestInsertCreatesEmptyList(t *testing.T) {
	db := NewDatabase(newManualClock())
	key := RandomKey()
	assert.False(t, db.Contains(key))
	db.Insert(key)
	assert.True(t, db.Contains(key))
	assert.Zero(t, db.NumItems(key))

	db.StorePeer(key, testAddr(1))
	db.Insert(key)
	assert.Equal(t, 1, db.NumItems(key), "insert keeps existing items")
}

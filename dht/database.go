package dht

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const (
	// MaxItemAge is how long a stored peer and an issued token stay valid.
	MaxItemAge = 30 * time.Minute

	// TokenSize is the length of the write tokens we issue.
	TokenSize = 20
)

// DBItem is a peer stored under an info-hash.
type DBItem struct {
	Addr netip.AddrPort
	Time time.Time
}

// NewDBItem creates an item stamped with t.
func NewDBItem(addr netip.AddrPort, t time.Time) DBItem {
	return DBItem{Addr: normalizeAddr(addr), Time: t}
}

// Expired reports whether the item is at least MaxItemAge old.
func (i DBItem) Expired(now time.Time) bool {
	return now.Sub(i.Time) >= MaxItemAge
}

// Database stores announced peers per info-hash and issues the write
// tokens that protect announce_peer. Items of a key are kept in insertion
// order, which is also time order.
type Database struct {
	items  map[Key][]DBItem
	tokens map[string]time.Time
	secret [32]byte
	tp     TimeProvider
}

// NewDatabase creates an empty database with a random token secret.
func NewDatabase(tp TimeProvider) *Database {
	db := &Database{
		items:  make(map[Key][]DBItem),
		tokens: make(map[string]time.Time),
		tp:     getTimeProvider(tp),
	}
	if _, err := rand.Read(db.secret[:]); err != nil {
		panic("dht: reading token secret: " + err.Error())
	}
	return db
}

// Store appends item to the list of key.
func (db *Database) Store(key Key, item DBItem) {
	db.items[key] = append(db.items[key], item)
}

// StorePeer stores addr under key, stamped with the current time.
func (db *Database) StorePeer(key Key, addr netip.AddrPort) {
	db.Store(key, NewDBItem(addr, db.tp.Now()))
}

// Sample returns up to max items of key whose address has the given IP
// version, oldest first.
func (db *Database) Sample(key Key, max int, version int) []DBItem {
	var out []DBItem
	for _, it := range db.items[key] {
		if len(out) >= max {
			break
		}
		if ipVersion(it.Addr) == version {
			out = append(out, it)
		}
	}
	return out
}

// Expire drops items and tokens that are at least MaxItemAge old. Keys
// left without items are removed.
func (db *Database) Expire(now time.Time) {
	removed := 0
	for key, list := range db.items {
		n := 0
		for n < len(list) && list[n].Expired(now) {
			n++
		}
		removed += n
		if n == len(list) {
			delete(db.items, key)
			continue
		}
		db.items[key] = list[n:]
	}
	for tok, issued := range db.tokens {
		if now.Sub(issued) >= MaxItemAge {
			delete(db.tokens, tok)
		}
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Database.Expire",
			"removed":  removed,
			"keys":     len(db.items),
		}).Debug("Expired stored peers")
	}
}

// tokenFor computes the keyed hash of addr and issued.
func (db *Database) tokenFor(addr netip.AddrPort, issued time.Time) []byte {
	h, err := blake2b.New(TokenSize, db.secret[:])
	if err != nil {
		// only fails for bad sizes or keys longer than 64 bytes
		panic("dht: blake2b: " + err.Error())
	}
	h.Write(PackAddr(normalizeAddr(addr)))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issued.UnixMilli()))
	h.Write(ts[:])
	return h.Sum(nil)
}

// GenToken issues a fresh token for addr.
func (db *Database) GenToken(addr netip.AddrPort) []byte {
	now := db.tp.Now().Truncate(time.Millisecond)
	tok := db.tokenFor(addr, now)
	db.tokens[string(tok)] = now
	return tok
}

// CheckToken verifies that token was issued to addr and consumes it. A
// token is accepted at most once.
func (db *Database) CheckToken(token []byte, addr netip.AddrPort) bool {
	issued, ok := db.tokens[string(token)]
	if !ok {
		return false
	}
	want := db.tokenFor(addr, issued)
	if subtle.ConstantTimeCompare(token, want) != 1 {
		logrus.WithFields(logrus.Fields{
			"function": "CheckToken",
			"addr":     addr.String(),
		}).Debug("Invalid token")
		return false
	}
	delete(db.tokens, string(token))
	return true
}

// Contains reports whether key has an item list, even an empty one.
func (db *Database) Contains(key Key) bool {
	_, ok := db.items[key]
	return ok
}

// Insert creates an empty item list for key if there is none.
func (db *Database) Insert(key Key) {
	if _, ok := db.items[key]; !ok {
		db.items[key] = nil
	}
}

// NumKeys returns the number of keys with an item list.
func (db *Database) NumKeys() int { return len(db.items) }

// NumItems returns the number of items stored under key.
func (db *Database) NumItems(key Key) int { return len(db.items[key]) }

// NumTokens returns the number of outstanding tokens.
func (db *Database) NumTokens() int { return len(db.tokens) }

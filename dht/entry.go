package dht

import (
	"net/netip"
	"time"
)

const (
	// K is the bucket size and the number of closest nodes returned by lookups.
	K = 20

	// QuestionableAfter is how long a node stays good after its last response.
	QuestionableAfter = 15 * time.Minute

	// maxFailures is the number of failed queries or questionable pings a
	// node may accumulate before it is considered bad.
	maxFailures = 2
)

// EntryStatus is the liveness classification of a routing table entry.
type EntryStatus uint8

const (
	StatusGood EntryStatus = iota
	StatusQuestionable
	StatusBad
)

// String returns the lowercase name of the status.
func (s EntryStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusQuestionable:
		return "questionable"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Entry is a contact in the routing table: a remote node's id and address
// plus liveness bookkeeping.
type Entry struct {
	Addr              netip.AddrPort
	ID                Key
	LastResponded     time.Time
	FailedQueries     uint32
	QuestionablePings uint32
}

// NewEntry creates an entry that counts as having just responded.
func NewEntry(addr netip.AddrPort, id Key, now time.Time) Entry {
	return Entry{
		Addr:          normalizeAddr(addr),
		ID:            id,
		LastResponded: now,
	}
}

// Status classifies the entry at the given time. Too many failures make an
// entry bad even if it answered recently.
func (e *Entry) Status(now time.Time) EntryStatus {
	if e.FailedQueries > maxFailures || e.QuestionablePings > maxFailures {
		return StatusBad
	}
	if now.Sub(e.LastResponded) <= QuestionableAfter {
		return StatusGood
	}
	return StatusQuestionable
}

// IsGood reports whether the entry responded within QuestionableAfter and has not failed too often.
func (e *Entry) IsGood(now time.Time) bool { return e.Status(now) == StatusGood }

// IsQuestionable reports whether the entry is neither good nor bad.
func (e *Entry) IsQuestionable(now time.Time) bool { return e.Status(now) == StatusQuestionable }

// IsBad reports whether the entry failed too many queries or pings.
func (e *Entry) IsBad(now time.Time) bool { return e.Status(now) == StatusBad }

// HasResponded records a response and resets the failure counters.
func (e *Entry) HasResponded(now time.Time) {
	e.LastResponded = now
	e.FailedQueries = 0
	e.QuestionablePings = 0
}

// RequestTimeout records a query that went unanswered.
func (e *Entry) RequestTimeout() {
	e.FailedQueries++
}

// OnPingQuestionable records that the entry was pinged because it was questionable.
func (e *Entry) OnPingQuestionable() {
	e.QuestionablePings++
}

// Same reports whether two entries refer to the same node at the same address.
func (e Entry) Same(o Entry) bool {
	return e.ID == o.ID && e.Addr == o.Addr
}

// entryKey identifies an entry inside task sets.
type entryKey struct {
	id   Key
	addr netip.AddrPort
}

func (e Entry) key() entryKey {
	return entryKey{id: e.ID, addr: e.Addr}
}

// normalizeAddr unmaps IPv4-mapped IPv6 addresses so that each node has a
// single canonical address.
func normalizeAddr(addr netip.AddrPort) netip.AddrPort {
	if addr.Addr().Is4In6() {
		return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	return addr
}

// ipVersion returns 4 or 6 for the given address.
func ipVersion(addr netip.AddrPort) int {
	if addr.Addr().Unmap().Is4() {
		return 4
	}
	return 6
}

package dht

import (
	"errors"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// BucketRefreshInterval is how long a bucket may go unmodified before a
	// lookup inside its range is started.
	BucketRefreshInterval = 15 * time.Minute

	// maxBusyPings bounds the questionable pings a bucket has in flight.
	maxBusyPings = 2
)

// ErrUnableToSplit is returned when a bucket's range cannot be divided further.
var ErrUnableToSplit = errors.New("unable to split bucket")

// Caller issues RPC calls. It returns nil when the call could not be made.
type Caller interface {
	DoCall(req *Message, l CallListener) *RPCCall
}

// Bucket holds up to K entries whose ids fall in [Min, Max]. Entries are
// kept oldest first.
type Bucket struct {
	Min Key
	Max Key

	ownID        Key
	entries      []Entry
	pending      []Entry
	busy         map[*RPCCall]Entry
	lastModified time.Time
	refreshTask  Task

	rpc Caller
	tp  TimeProvider
}

// NewBucket creates an empty bucket for the range [min, max].
func NewBucket(min, max, ownID Key, rpc Caller, tp TimeProvider) *Bucket {
	tp = getTimeProvider(tp)
	return &Bucket{
		Min:          min,
		Max:          max,
		ownID:        ownID,
		busy:         make(map[*RPCCall]Entry),
		lastModified: tp.Now(),
		rpc:          rpc,
		tp:           tp,
	}
}

// KeyInRange reports whether k lies in [Min, Max].
func (b *Bucket) KeyInRange(k Key) bool {
	return b.Min.LessOrEqual(k) && k.LessOrEqual(b.Max)
}

// SplitAllowed reports whether the bucket contains our own id and spans
// more than K keys.
func (b *Bucket) SplitAllowed() bool {
	if !b.KeyInRange(b.ownID) {
		return false
	}
	return AddUint8(b.Min, K).Less(b.Max)
}

// Split divides the bucket at Mid(Min, Max) into [Min, m] and [m+1, Max].
// Entries and pending replacements are partitioned by range.
func (b *Bucket) Split() (*Bucket, *Bucket, error) {
	m := Mid(b.Min, b.Max)
	if m == b.Min || AddUint8(m, 1) == b.Max {
		return nil, nil, ErrUnableToSplit
	}
	left := NewBucket(b.Min, m, b.ownID, b.rpc, b.tp)
	right := NewBucket(AddUint8(m, 1), b.Max, b.ownID, b.rpc, b.tp)
	for _, e := range b.entries {
		if left.KeyInRange(e.ID) {
			left.entries = append(left.entries, e)
		} else {
			right.entries = append(right.entries, e)
		}
	}
	for _, e := range b.pending {
		if left.KeyInRange(e.ID) {
			left.pending = append(left.pending, e)
		} else {
			right.pending = append(right.pending, e)
		}
	}
	return left, right, nil
}

// Insert adds e to the bucket and reports whether the bucket must be split
// before e can be placed.
func (b *Bucket) Insert(e Entry) bool {
	return b.insert(e, true)
}

func (b *Bucket) insert(e Entry, allowPing bool) bool {
	now := b.tp.Now()
	for i := range b.entries {
		if b.entries[i].ID == e.ID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			e.HasResponded(now)
			b.entries = append(b.entries, e)
			b.lastModified = now
			return false
		}
	}

	if len(b.entries) < K {
		b.entries = append(b.entries, e)
		b.lastModified = now
		return false
	}
	if b.replaceBadEntry(e) {
		return false
	}
	if b.SplitAllowed() {
		return true
	}
	if allowPing {
		b.pingQuestionable(e)
	}
	return false
}

// replaceBadEntry evicts the oldest bad entry in favour of e.
func (b *Bucket) replaceBadEntry(e Entry) bool {
	now := b.tp.Now()
	for i := range b.entries {
		if b.entries[i].IsBad(now) {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append(b.entries, e)
			b.lastModified = now
			return true
		}
	}
	return false
}

// pingQuestionable pings one questionable entry on behalf of replacement.
// When enough pings are already in flight the replacement waits in pending.
func (b *Bucket) pingQuestionable(replacement Entry) {
	if len(b.busy) >= maxBusyPings {
		b.removePending(replacement.ID)
		for len(b.pending) >= K {
			b.pending = b.pending[:len(b.pending)-1]
		}
		b.pending = append([]Entry{replacement}, b.pending...)
		return
	}
	if b.rpc == nil {
		return
	}

	now := b.tp.Now()
	for i := range b.entries {
		e := &b.entries[i]
		if !e.IsQuestionable(now) || b.beingPinged(e.Addr) {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "pingQuestionable",
			"addr":     e.Addr.String(),
		}).Debug("Pinging questionable node")
		c := b.rpc.DoCall(NewPingRequest(b.ownID, e.Addr), b)
		if c == nil {
			return
		}
		e.OnPingQuestionable()
		b.busy[c] = replacement
		return
	}
}

func (b *Bucket) beingPinged(addr netip.AddrPort) bool {
	for c := range b.busy {
		if c.Request.Origin == addr {
			return true
		}
	}
	return false
}

func (b *Bucket) removePending(id Key) {
	for i := range b.pending {
		if b.pending[i].ID == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}

// OnResponse is called when a questionable ping was answered. The pinged
// entry stays and the replacement tries the next candidate.
func (b *Bucket) OnResponse(c *RPCCall, rsp *Message) {
	now := b.tp.Now()
	b.lastModified = now
	replacement, ok := b.busy[c]
	if !ok {
		return
	}
	delete(b.busy, c)
	for i := range b.entries {
		if b.entries[i].Addr == c.Request.Origin {
			b.entries[i].HasResponded(now)
			break
		}
	}
	if !b.replaceBadEntry(replacement) {
		b.pingQuestionable(replacement)
	}
}

// OnTimeout is called when a questionable ping went unanswered. The pinged
// entry is replaced and the next pending candidate, if any, is tried.
func (b *Bucket) OnTimeout(c *RPCCall) {
	replacement, ok := b.busy[c]
	if !ok {
		return
	}
	now := b.tp.Now()
	for i := range b.entries {
		if b.entries[i].Addr == c.Request.Origin {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append(b.entries, replacement)
			b.lastModified = now
			break
		}
	}
	delete(b.busy, c)

	if len(b.busy) < maxBusyPings && len(b.pending) > 0 {
		next := b.pending[0]
		b.pending = b.pending[1:]
		if !b.replaceBadEntry(next) {
			b.pingQuestionable(next)
		}
	}
}

// Contains reports whether an entry with the same id and address is present.
func (b *Bucket) Contains(e Entry) bool {
	for _, o := range b.entries {
		if o.Same(e) {
			return true
		}
	}
	return false
}

// FindClosest feeds every entry to the search.
func (b *Bucket) FindClosest(s *KClosestNodesSearch) {
	for _, e := range b.entries {
		s.TryInsert(e)
	}
}

// RequestTimeout records a failed query against the entry at addr.
func (b *Bucket) RequestTimeout(addr netip.AddrPort) bool {
	for i := range b.entries {
		if b.entries[i].Addr == addr {
			b.entries[i].RequestTimeout()
			return true
		}
	}
	return false
}

// NeedsRefresh reports whether the bucket has entries, no running refresh
// and has not been modified for BucketRefreshInterval.
func (b *Bucket) NeedsRefresh(now time.Time) bool {
	if b.lastModified.After(now) {
		b.lastModified = now
		return false
	}
	if b.refreshTask != nil && !b.refreshTask.IsFinished() {
		return false
	}
	return len(b.entries) > 0 && now.Sub(b.lastModified) > BucketRefreshInterval
}

// UpdateRefreshTimer marks the bucket as modified now.
func (b *Bucket) UpdateRefreshTimer() {
	b.lastModified = b.tp.Now()
}

// SetRefreshTask records the lookup refreshing this bucket.
func (b *Bucket) SetRefreshTask(t Task) {
	b.refreshTask = t
}

// Entries returns a copy of the entries, oldest first.
func (b *Bucket) Entries() []Entry {
	return append([]Entry(nil), b.entries...)
}

// Len returns the number of entries.
func (b *Bucket) Len() int { return len(b.entries) }

// NumPending returns the number of queued replacement candidates.
func (b *Bucket) NumPending() int { return len(b.pending) }

// randomKeyInRange returns a random key in [min, max]. Buckets produced by
// splitting cover aligned power-of-two ranges, so keeping the common prefix
// of min and max and randomizing the rest stays in range.
func randomKeyInRange(min, max Key) Key {
	r := RandomKey()
	for i := 0; i < KeyBits; i++ {
		mb := bit(min, i)
		if mb != bit(max, i) {
			break
		}
		setBit(&r, i, mb)
	}
	if r.Less(min) {
		return min
	}
	if r.Greater(max) {
		return max
	}
	return r
}

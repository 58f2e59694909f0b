package dht

import (
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// RoutingTable partitions the key space into buckets for one IP version.
// Buckets are kept in key order and start as a single bucket covering
// everything.
type RoutingTable struct {
	ownID   Key
	buckets []*Bucket
	rpc     Caller
	tp      TimeProvider
}

// NewRoutingTable creates an empty table for ownID. rpc is used by buckets
// to ping questionable entries.
func NewRoutingTable(ownID Key, rpc Caller, tp TimeProvider) *RoutingTable {
	return &RoutingTable{
		ownID: ownID,
		rpc:   rpc,
		tp:    getTimeProvider(tp),
	}
}

// Insert adds e to the bucket covering its id, splitting buckets as needed.
func (t *RoutingTable) Insert(e Entry) {
	t.insert(e, true)
}

// insert places e, splitting until the covering bucket stops asking for
// it. Loaded entries are inserted without pinging questionable entries.
func (t *RoutingTable) insert(e Entry, allowPing bool) {
	if e.ID == t.ownID {
		return
	}
	if len(t.buckets) == 0 {
		t.buckets = append(t.buckets, NewBucket(MinKey(), MaxKey(), t.ownID, t.rpc, t.tp))
	}
	for {
		i := t.findBucket(e.ID)
		if i < 0 {
			logrus.WithFields(logrus.Fields{
				"function": "RoutingTable.insert",
				"id":       e.ID.String(),
			}).Error("Unable to find bucket")
			return
		}
		b := t.buckets[i]
		if !b.insert(e, allowPing) {
			return
		}
		left, right, err := b.Split()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RoutingTable.insert",
				"min":      b.Min.String(),
				"max":      b.Max.String(),
			}).Warn("Unable to split buckets further")
			return
		}
		t.buckets = append(t.buckets[:i], append([]*Bucket{left, right}, t.buckets[i+1:]...)...)
	}
}

func (t *RoutingTable) findBucket(id Key) int {
	for i, b := range t.buckets {
		if b.KeyInRange(id) {
			return i
		}
	}
	return -1
}

// NumEntries returns the total number of entries over all buckets.
func (t *RoutingTable) NumEntries() int {
	n := 0
	for _, b := range t.buckets {
		n += b.Len()
	}
	return n
}

// NumBuckets returns the number of buckets.
func (t *RoutingTable) NumBuckets() int { return len(t.buckets) }

// Buckets returns the buckets in key order.
func (t *RoutingTable) Buckets() []*Bucket {
	return append([]*Bucket(nil), t.buckets...)
}

// Entries returns every entry in the table.
func (t *RoutingTable) Entries() []Entry {
	out := make([]Entry, 0, t.NumEntries())
	for _, b := range t.buckets {
		out = append(out, b.entries...)
	}
	return out
}

// FindClosest feeds every entry of every bucket to the search.
func (t *RoutingTable) FindClosest(s *KClosestNodesSearch) {
	for _, b := range t.buckets {
		b.FindClosest(s)
	}
}

// OnTimeout records a failed query against the entry at addr.
func (t *RoutingTable) OnTimeout(addr netip.AddrPort) {
	addr = normalizeAddr(addr)
	for _, b := range t.buckets {
		if b.RequestTimeout(addr) {
			return
		}
	}
}

// refreshTarget picks a random key inside b. Buckets that do not hold our
// own id cover exactly the keys sharing one prefix length with it.
func (t *RoutingTable) refreshTarget(b *Bucket) Key {
	if !b.KeyInRange(t.ownID) {
		if k := RandomKeyInBucket(t.ownID, BucketIndex(b.Min, t.ownID)); b.KeyInRange(k) {
			return k
		}
	}
	return randomKeyInRange(b.Min, b.Max)
}

// RefreshFunc starts a lookup for target seeded from bucket. It returns
// nil when no lookup could be started.
type RefreshFunc func(target Key, bucket *Bucket) Task

// Refresh starts a lookup for a random key inside every bucket that needs
// refreshing and records it as the bucket's refresh task.
func (t *RoutingTable) Refresh(now time.Time, refresh RefreshFunc) {
	for _, b := range t.buckets {
		if !b.NeedsRefresh(now) {
			continue
		}
		if task := refresh(t.refreshTarget(b), b); task != nil {
			b.SetRefreshTask(task)
		}
	}
}

package dht

import "container/heap"

// entryHeap implements heap.Interface for finding closest entries efficiently.
// It's a max-heap on distance so the farthest kept entry sits at the root.
type entryHeap struct {
	entries []Entry
	dists   []Key
}

func (h *entryHeap) Len() int { return len(h.entries) }

func (h *entryHeap) Less(i, j int) bool {
	// Max-heap: i sorts first when it is farther than j
	return h.dists[i].Greater(h.dists[j])
}

func (h *entryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.dists[i], h.dists[j] = h.dists[j], h.dists[i]
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(distEntry)
	h.entries = append(h.entries, e.entry)
	h.dists = append(h.dists, e.dist)
}

func (h *entryHeap) Pop() interface{} {
	n := len(h.entries) - 1
	e := distEntry{entry: h.entries[n], dist: h.dists[n]}
	h.entries = h.entries[:n]
	h.dists = h.dists[:n]
	return e
}

type distEntry struct {
	entry Entry
	dist  Key
}

// KClosestNodesSearch collects the entries closest to a target key, keeping
// at most Max of them. Entries at equal distance (the same id) are kept once.
type KClosestNodesSearch struct {
	Target Key
	Max    int

	h entryHeap
}

// NewKClosestNodesSearch creates a search for the max entries closest to target.
func NewKClosestNodesSearch(target Key, max int) *KClosestNodesSearch {
	return &KClosestNodesSearch{Target: target, Max: max}
}

// TryInsert offers e to the search. It is kept if there is room or if it is
// closer than the farthest entry kept so far, which is then evicted.
func (s *KClosestNodesSearch) TryInsert(e Entry) {
	if s.Max <= 0 {
		return
	}
	d := Distance(s.Target, e.ID)
	for _, kept := range s.h.dists {
		if kept == d {
			return
		}
	}
	if s.h.Len() < s.Max {
		heap.Push(&s.h, distEntry{entry: e, dist: d})
		return
	}
	if d.Less(s.h.dists[0]) {
		heap.Pop(&s.h)
		heap.Push(&s.h, distEntry{entry: e, dist: d})
	}
}

// Len returns the number of entries kept.
func (s *KClosestNodesSearch) Len() int { return s.h.Len() }

// Entries returns the kept entries sorted closest first.
func (s *KClosestNodesSearch) Entries() []Entry {
	tmp := entryHeap{
		entries: append([]Entry(nil), s.h.entries...),
		dists:   append([]Key(nil), s.h.dists...),
	}
	// Popping a max-heap yields the farthest first, fill from the back
	out := make([]Entry, tmp.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&tmp).(distEntry).entry
	}
	return out
}

// Pack appends every kept entry, closest first, to the nodes or nodes6
// field of msg according to its address family.
func (s *KClosestNodesSearch) Pack(msg *Message) {
	for _, e := range s.Entries() {
		msg.AddNode(PackEntry(e))
	}
}

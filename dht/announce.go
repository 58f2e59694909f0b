package dht

import (
	"net/netip"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
)

const (
	// maxAnnounceTodo caps the get_peers frontier of an announce.
	maxAnnounceTodo = 100

	// maxAnnounced stops an announce once this many nodes were told.
	maxAnnounced = 50
)

// PeerStore receives peers discovered by an announce.
type PeerStore interface {
	StorePeer(key Key, addr netip.AddrPort)
}

// answeredEntry is a node that answered get_peers together with the token
// it handed out.
type answeredEntry struct {
	entry Entry
	token []byte
	dist  Key
}

// AnnounceTask looks up the nodes closest to an info-hash with get_peers,
// collects the peers they return and announces our port to each of them.
type AnnounceTask struct {
	task

	infoHash Key
	port     uint16
	db       PeerStore

	answered        []answeredEntry
	answeredVisited mapset.Set[entryKey]

	mu     sync.Mutex
	peers  []netip.AddrPort
	seen   mapset.Set[netip.AddrPort]
	onPeer func(netip.AddrPort)
}

// NewAnnounceTask creates a queued announce of port for infoHash. Returned
// peers are stored in db.
func NewAnnounceTask(infoHash Key, port uint16, db PeerStore, rpc Caller, ownID Key) *AnnounceTask {
	a := &AnnounceTask{
		infoHash:        infoHash,
		port:            port,
		db:              db,
		answeredVisited: mapset.NewThreadUnsafeSet[entryKey](),
		seen:            mapset.NewThreadUnsafeSet[netip.AddrPort](),
	}
	a.task.init(a, a, rpc, ownID, infoHash)
	return a
}

// InfoHash returns the announced info-hash.
func (a *AnnounceTask) InfoHash() Key { return a.infoHash }

// Port returns the announced port.
func (a *AnnounceTask) Port() uint16 { return a.port }

// OnPeer registers f to be called for every new peer. f runs on the
// processing loop and must not block.
func (a *AnnounceTask) OnPeer(f func(netip.AddrPort)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPeer = f
}

// Peers returns the peers found so far.
func (a *AnnounceTask) Peers() []netip.AddrPort {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]netip.AddrPort(nil), a.peers...)
}

// NumAnnounced returns the number of nodes an announce_peer was sent to.
func (a *AnnounceTask) NumAnnounced() int {
	return a.answeredVisited.Cardinality()
}

func (a *AnnounceTask) update() {
	for len(a.answered) > 0 && a.canDoRequest() {
		ae := a.answered[0]
		a.answered = a.answered[1:]
		if a.answeredVisited.Contains(ae.entry.key()) {
			continue
		}
		req := NewAnnounceRequest(a.ownID, a.infoHash, a.port, ae.token, ae.entry.Addr)
		if a.rpcCall(req) {
			a.answeredVisited.Add(ae.entry.key())
		}
	}

	for !a.todo.empty() && a.canDoRequest() {
		e := a.todo.popClosest()
		if a.visited.Contains(e.key()) {
			continue
		}
		if a.rpcCall(NewGetPeersRequest(a.ownID, a.infoHash, e.Addr)) {
			a.visited.Add(e.key())
		}
	}

	switch {
	case a.todo.empty() && len(a.answered) == 0 && a.outstanding == 0 && !a.finished:
		logrus.WithFields(logrus.Fields{
			"function":  "AnnounceTask.update",
			"info_hash": a.infoHash.String(),
			"announced": a.answeredVisited.Cardinality(),
		}).Info("AnnounceTask done")
		a.done()
	case a.answeredVisited.Cardinality() > maxAnnounced || a.visited.Cardinality() > maxVisited:
		logrus.WithFields(logrus.Fields{
			"function":  "AnnounceTask.update",
			"info_hash": a.infoHash.String(),
		}).Info("AnnounceTask reached its limits, stopping")
		a.done()
	}
}

func (a *AnnounceTask) callFinished(c *RPCCall, rsp *Message) {
	// announce_peer responses carry nothing
	if c.Method() != MethodGetPeers {
		return
	}
	a.handleNodes(rsp.Nodes, 4)
	a.handleNodes(rsp.Nodes6, 6)

	for _, p := range rsp.Values {
		if a.db != nil {
			a.db.StorePeer(a.infoHash, p)
		}
		a.addPeer(p)
	}

	e := Entry{ID: rsp.ID, Addr: rsp.Origin}
	if len(rsp.Token) > 0 && !a.answeredVisited.Contains(e.key()) {
		a.insertAnswered(answeredEntry{entry: e, token: rsp.Token, dist: Distance(a.infoHash, e.ID)})
	}
}

func (a *AnnounceTask) handleNodes(nodes []byte, ipVersion int) {
	for _, e := range UnpackEntries(nodes, ipVersion) {
		if a.todo.len() >= maxAnnounceTodo {
			return
		}
		if e.ID == a.ownID || a.visited.Contains(e.key()) {
			continue
		}
		a.todo.insert(e)
	}
}

// insertAnswered keeps answered sorted by distance to the info-hash.
func (a *AnnounceTask) insertAnswered(ae answeredEntry) {
	for _, o := range a.answered {
		if o.entry.Same(ae.entry) {
			return
		}
	}
	i := sort.Search(len(a.answered), func(i int) bool { return a.answered[i].dist.Greater(ae.dist) })
	a.answered = append(a.answered, answeredEntry{})
	copy(a.answered[i+1:], a.answered[i:])
	a.answered[i] = ae
}

func (a *AnnounceTask) addPeer(p netip.AddrPort) {
	a.mu.Lock()
	if !a.seen.Add(p) {
		a.mu.Unlock()
		return
	}
	a.peers = append(a.peers, p)
	f := a.onPeer
	a.mu.Unlock()
	if f != nil {
		f(p)
	}
}

func (a *AnnounceTask) callTimeout(c *RPCCall) {}

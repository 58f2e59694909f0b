package dht

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// NodeLookup iteratively queries the nodes closest to a target with
// find_node until no closer nodes turn up.
type NodeLookup struct {
	task

	mu        sync.Mutex
	closest   *KClosestNodesSearch
	responses int
}

// NewNodeLookup creates a queued lookup for target. It does nothing until
// started by a TaskManager.
func NewNodeLookup(target Key, rpc Caller, ownID Key) *NodeLookup {
	l := &NodeLookup{closest: NewKClosestNodesSearch(target, K)}
	l.task.init(l, l, rpc, ownID, target)
	return l
}

func (l *NodeLookup) update() {
	for !l.todo.empty() && l.canDoRequest() {
		e := l.todo.popClosest()
		if l.visited.Contains(e.key()) {
			continue
		}
		if l.rpcCall(NewFindNodeRequest(l.ownID, l.target, e.Addr)) {
			l.visited.Add(e.key())
		}
	}

	if l.todo.empty() && l.outstanding == 0 && !l.finished {
		logrus.WithFields(logrus.Fields{
			"function": "NodeLookup.update",
			"target":   l.target.String(),
			"visited":  l.visited.Cardinality(),
		}).Debug("NodeLookup done")
		l.done()
	} else if l.visited.Cardinality() > maxVisited {
		logrus.WithFields(logrus.Fields{
			"function": "NodeLookup.update",
			"target":   l.target.String(),
		}).Debug("NodeLookup visited too many nodes, stopping")
		l.done()
	}
}

func (l *NodeLookup) callFinished(c *RPCCall, rsp *Message) {
	if rsp.Method != MethodFindNode {
		return
	}
	l.handleNodes(rsp.Nodes, 4)
	l.handleNodes(rsp.Nodes6, 6)

	l.mu.Lock()
	l.closest.TryInsert(Entry{ID: rsp.ID, Addr: rsp.Origin})
	l.responses++
	l.mu.Unlock()
}

func (l *NodeLookup) handleNodes(nodes []byte, ipVersion int) {
	for _, e := range UnpackEntries(nodes, ipVersion) {
		if e.ID == l.ownID || l.todo.contains(e.ID) || l.visited.Contains(e.key()) {
			continue
		}
		l.todo.insert(e)
	}
}

func (l *NodeLookup) callTimeout(c *RPCCall) {}

// ClosestNodes returns the closest nodes that answered, closest first.
func (l *NodeLookup) ClosestNodes() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closest.Entries()
}

// NumResponses returns the number of find_node responses received.
func (l *NodeLookup) NumResponses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.responses
}

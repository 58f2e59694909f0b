package dht

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Want selects which routing tables a closest-nodes query reads.
type Want uint8

const (
	WantIPv4 Want = 1 << iota
	WantIPv6

	WantBoth = WantIPv4 | WantIPv6
)

// ownLookupAfter is the number of received messages after which the node
// looks up its own id to populate the buckets around it.
const ownLookupAfter = 3

// Node owns our id and the IPv4 and IPv6 routing tables.
type Node struct {
	id     Key
	newKey bool

	v4 *RoutingTable
	v6 *RoutingTable

	numReceives int

	// OnPopulated is invoked once, after the third received message.
	OnPopulated func()
}

// NewNode loads our id from keyPath, creating and saving a random one when
// the file is missing or unreadable.
func NewNode(keyPath string, rpc Caller, tp TimeProvider) *Node {
	n := &Node{}
	n.id, n.newKey = loadKey(keyPath)
	n.v4 = NewRoutingTable(n.id, rpc, tp)
	n.v6 = NewRoutingTable(n.id, rpc, tp)
	return n
}

// NewNodeWithID creates a node with a fixed id and no key file.
func NewNodeWithID(id Key, rpc Caller, tp TimeProvider) *Node {
	return &Node{
		id: id,
		v4: NewRoutingTable(id, rpc, tp),
		v6: NewRoutingTable(id, rpc, tp),
	}
}

func loadKey(keyPath string) (Key, bool) {
	if keyPath == "" {
		return RandomKey(), true
	}
	data, err := os.ReadFile(keyPath)
	if err == nil && len(data) >= KeySize {
		var k Key
		copy(k[:], data[:KeySize])
		return k, false
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithFields(logrus.Fields{
			"function": "loadKey",
			"path":     keyPath,
			"error":    err.Error(),
		}).Warn("Cannot read key file, generating a new key")
	}

	k := RandomKey()
	if err := saveKey(k, keyPath); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "loadKey",
			"path":     keyPath,
			"error":    err.Error(),
		}).Error("Cannot save key file")
	}
	return k, true
}

func saveKey(k Key, keyPath string) error {
	if err := os.WriteFile(keyPath, k[:], 0o600); err != nil {
		return fmt.Errorf("writing key file %s: %w", keyPath, err)
	}
	return nil
}

// ID returns our node id.
func (n *Node) ID() Key { return n.id }

// IsNewKey reports whether the id was generated rather than loaded.
func (n *Node) IsNewKey() bool { return n.newKey }

// Table returns the routing table for an IP version.
func (n *Node) Table(ipVersion int) *RoutingTable {
	if ipVersion == 4 {
		return n.v4
	}
	return n.v6
}

// Received inserts the sender of msg into the matching routing table.
func (n *Node) Received(msg *Message) {
	n.Table(ipVersion(msg.Origin)).Insert(NewEntry(msg.Origin, msg.ID, n.v4.tp.Now()))

	n.numReceives++
	if n.numReceives == ownLookupAfter && n.OnPopulated != nil {
		n.OnPopulated()
	}
}

// FindClosest feeds entries of the selected tables to the search.
func (n *Node) FindClosest(s *KClosestNodesSearch, want Want) {
	if want&WantIPv4 != 0 {
		n.v4.FindClosest(s)
	}
	if want&WantIPv6 != 0 {
		n.v6.FindClosest(s)
	}
}

// OnTimeout records a failed query against the node at addr.
func (n *Node) OnTimeout(addr netip.AddrPort) {
	n.Table(ipVersion(addr)).OnTimeout(addr)
}

// Refresh refreshes stale buckets in both tables.
func (n *Node) Refresh(now time.Time, refresh RefreshFunc) {
	n.v4.Refresh(now, refresh)
	n.v6.Refresh(now, refresh)
}

// NumEntries returns the entries in both tables.
func (n *Node) NumEntries() int {
	return n.v4.NumEntries() + n.v6.NumEntries()
}

// SaveTable writes both tables to path.ipv4 and path.ipv6.
func (n *Node) SaveTable(path string) error {
	if path == "" {
		return nil
	}
	if err := SaveTable(n.v4, path+".ipv4", 4); err != nil {
		return err
	}
	return SaveTable(n.v6, path+".ipv6", 6)
}

// LoadTable restores both tables from path.ipv4 and path.ipv6. When our id
// is new the old tables belong to another id and are removed instead.
func (n *Node) LoadTable(path string) {
	if path == "" {
		return
	}
	if n.newKey {
		n.newKey = false
		for _, p := range []string{path + ".ipv4", path + ".ipv6"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logrus.WithFields(logrus.Fields{
					"function": "LoadTable",
					"path":     p,
					"error":    err.Error(),
				}).Warn("Cannot remove stale table")
			}
		}
		logrus.WithFields(logrus.Fields{
			"function": "LoadTable",
			"path":     path,
		}).Info("New key, removed old routing tables")
		return
	}
	LoadTable(n.v4, path+".ipv4", 4)
	LoadTable(n.v6, path+".ipv6", 6)
}

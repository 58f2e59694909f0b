package simnet

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrAddrInUse is returned by Listen for an address that is taken.
	ErrAddrInUse = errors.New("address already in use")

	// ErrClosed is returned by Send on a closed endpoint.
	ErrClosed = errors.New("endpoint closed")
)

// Record is one datagram handled by the network.
type Record struct {
	From    netip.AddrPort
	To      netip.AddrPort
	Size    int
	Dropped bool
}

// Stats counts the datagrams handled so far.
type Stats struct {
	Sent      int
	Delivered int
	Dropped   int
}

type datagram struct {
	from netip.AddrPort
	to   netip.AddrPort
	data []byte
}

// Network is an in-memory datagram network. Sends are queued and only
// delivered by Flush or Run, so tests decide when traffic moves.
type Network struct {
	mu        sync.Mutex
	endpoints map[netip.AddrPort]*Endpoint
	down      map[netip.AddrPort]bool
	queue     []datagram
	lossRate  float64
	rng       *rand.Rand
	stats     Stats
	log       []Record
	keepLog   bool
	notify    chan struct{}
}

// New creates an empty, lossless network.
func New() *Network {
	return &Network{
		endpoints: make(map[netip.AddrPort]*Endpoint),
		down:      make(map[netip.AddrPort]bool),
		rng:       rand.New(rand.NewPCG(1, 2)),
		notify:    make(chan struct{}, 1),
	}
}

// SetLossRate drops each datagram with probability p, drawn from a
// generator seeded with seed.
func (n *Network) SetLossRate(p float64, seed uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lossRate = p
	n.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// KeepLog records every datagram for later inspection with Log.
func (n *Network) KeepLog(keep bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keepLog = keep
}

// SetDown makes addr silently drop everything sent to it.
func (n *Network) SetDown(addr netip.AddrPort, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if down {
		n.down[addr] = true
	} else {
		delete(n.down, addr)
	}
}

// Listen attaches a new endpoint at addr.
func (n *Network) Listen(addr netip.AddrPort) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddrInUse)
	}
	ep := &Endpoint{net: n, addr: addr, done: make(chan struct{})}
	n.endpoints[addr] = ep
	return ep, nil
}

func (n *Network) enqueue(from, to netip.AddrPort, data []byte) {
	n.mu.Lock()
	n.queue = append(n.queue, datagram{
		from: from,
		to:   to,
		data: append([]byte(nil), data...),
	})
	n.stats.Sent++
	n.mu.Unlock()

	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Network) detach(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// Pending returns the number of queued datagrams.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Flush delivers every datagram queued before the call and returns the
// number delivered. Datagrams sent by handlers during delivery stay queued
// for the next Flush.
func (n *Network) Flush() int {
	n.mu.Lock()
	batch := n.queue
	n.queue = nil
	n.mu.Unlock()

	delivered := 0
	for _, dg := range batch {
		handler, ok := n.route(dg)
		if !ok {
			continue
		}
		handler(dg.data, dg.from)
		delivered++
	}
	return delivered
}

// route decides the fate of dg and returns the handler to deliver it to.
func (n *Network) route(dg datagram) (func([]byte, netip.AddrPort), bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var handler func([]byte, netip.AddrPort)
	ep, ok := n.endpoints[dg.to]
	if ok {
		handler = ep.getHandler()
	}
	dropped := !ok || handler == nil || n.down[dg.to] ||
		(n.lossRate > 0 && n.rng.Float64() < n.lossRate)

	if dropped {
		n.stats.Dropped++
	} else {
		n.stats.Delivered++
	}
	if n.keepLog {
		n.log = append(n.log, Record{From: dg.from, To: dg.to, Size: len(dg.data), Dropped: dropped})
	}
	return handler, !dropped
}

// Run delivers datagrams as they are sent until ctx is done.
func (n *Network) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Network.Run",
	}).Debug("Simulated network running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.notify:
			for n.Pending() > 0 {
				n.Flush()
			}
		}
	}
}

// Stats returns the datagram counters.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Log returns the recorded datagrams.
func (n *Network) Log() []Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Record(nil), n.log...)
}

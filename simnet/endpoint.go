package simnet

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// Endpoint is one address on a Network. It offers the same Send, Serve and
// Close methods as a UDP transport.
type Endpoint struct {
	net  *Network
	addr netip.AddrPort

	mu      sync.Mutex
	handler func([]byte, netip.AddrPort)
	closed  bool
	done    chan struct{}
}

// Addr returns the endpoint address.
func (e *Endpoint) Addr() netip.AddrPort { return e.addr }

// Send queues a copy of data for delivery to to.
func (e *Endpoint) Send(data []byte, to netip.AddrPort) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("send to %s: %w", to, ErrClosed)
	}
	to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())
	e.net.enqueue(e.addr, to, data)
	return nil
}

// SetHandler installs the function datagrams are delivered to. Without a
// handler datagrams sent to the endpoint are dropped.
func (e *Endpoint) SetHandler(h func(data []byte, from netip.AddrPort)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Endpoint) getHandler() func([]byte, netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.handler
}

// Serve installs handler and blocks until ctx is done or the endpoint is
// closed.
func (e *Endpoint) Serve(ctx context.Context, handler func(data []byte, from netip.AddrPort)) error {
	e.SetHandler(handler)
	select {
	case <-ctx.Done():
	case <-e.done:
	}
	return nil
}

// Close detaches the endpoint from its network.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	e.net.detach(e.addr)
	return nil
}

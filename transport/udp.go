package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/btdht/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// readTimeout bounds each blocking read so read loops notice cancellation.
const readTimeout = 100 * time.Millisecond

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport closed")

	// ErrRateLimited is returned by Send when the send budget is used up.
	ErrRateLimited = errors.New("send rate exceeded")

	// ErrNoSocket is returned when no socket of the destination's IP
	// version is open.
	ErrNoSocket = errors.New("no socket for address family")
)

// Handler receives one datagram. It must not retain data.
type Handler func(data []byte, from netip.AddrPort)

// Config selects the local addresses and the send rate of a UDPTransport.
type Config struct {
	// Addr4 is the IPv4 listen address, e.g. "0.0.0.0:6881". Empty skips IPv4.
	Addr4 string
	// Addr6 is the IPv6 listen address, e.g. "[::]:6881". Empty skips IPv6.
	Addr6 string
	// Rate is the sustained sends per second. Zero or less disables limiting.
	Rate  rate.Limit
	Burst int
}

// UDPTransport sends and receives datagrams on an IPv4 and an IPv6 socket
// bound to the same port.
type UDPTransport struct {
	conn4   *net.UDPConn
	conn6   *net.UDPConn
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	// queries waiting for send budget
	qmu     sync.Mutex
	queries []outgoing
	wake    chan struct{}
}

type outgoing struct {
	data []byte
	to   netip.AddrPort
}

// ListenUDP binds both wildcard addresses on port. Failing to bind IPv6 is
// logged and tolerated; failing to bind IPv4 is an error.
func ListenUDP(port uint16, limit rate.Limit, burst int) (*UDPTransport, error) {
	return Listen(Config{
		Addr4: fmt.Sprintf("0.0.0.0:%d", port),
		Addr6: fmt.Sprintf("[::]:%d", port),
		Rate:  limit,
		Burst: burst,
	})
}

// Listen opens the sockets named in cfg.
func Listen(cfg Config) (*UDPTransport, error) {
	t := &UDPTransport{
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(cfg.Rate, burst)
	}

	if cfg.Addr4 != "" {
		conn, err := listen("udp4", cfg.Addr4)
		if err != nil {
			return nil, err
		}
		t.conn4 = conn
	}
	if cfg.Addr6 != "" {
		conn, err := listen("udp6", cfg.Addr6)
		if err != nil {
			if t.conn4 == nil {
				return nil, err
			}
			logrus.WithFields(logrus.Fields{
				"function": "Listen",
				"address":  cfg.Addr6,
				"error":    err.Error(),
			}).Warn("IPv6 unavailable, continuing with IPv4 only")
		} else {
			t.conn6 = conn
		}
	}
	if t.conn4 == nil && t.conn6 == nil {
		return nil, fmt.Errorf("listen: %w", ErrNoSocket)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"ipv4":     t.LocalAddr(4).String(),
		"ipv6":     t.LocalAddr(6).String(),
	}).Info("UDP transport listening")
	return t, nil
}

func listen(network, address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s address %s: %w", network, address, err)
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	return conn, nil
}

// LocalAddr returns the bound address for an IP version, or the zero value
// when that socket is not open.
func (t *UDPTransport) LocalAddr(ipVersion int) netip.AddrPort {
	conn := t.conn4
	if ipVersion == 6 {
		conn = t.conn6
	}
	if conn == nil {
		return netip.AddrPort{}
	}
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send writes data to the socket matching the IP version of to. When the
// send budget is used up the datagram is dropped and ErrRateLimited is
// returned. Replies go out this way.
func (t *UDPTransport) Send(data []byte, to netip.AddrPort) error {
	if t.isClosed() {
		return ErrClosed
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return ErrRateLimited
	}
	to, conn, err := t.connFor(to)
	if err != nil {
		return err
	}
	return write(conn, data, to)
}

// SendQuery queues data for to and returns at once. Queued datagrams are
// written by Serve as the send budget allows, so queries are delayed
// rather than dropped. Without a rate limit data is written immediately.
func (t *UDPTransport) SendQuery(data []byte, to netip.AddrPort) error {
	if t.isClosed() {
		return ErrClosed
	}
	to, conn, err := t.connFor(to)
	if err != nil {
		return err
	}
	if t.limiter == nil {
		return write(conn, data, to)
	}

	t.qmu.Lock()
	t.queries = append(t.queries, outgoing{data: append([]byte(nil), data...), to: to})
	t.qmu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// NumQueuedQueries returns the number of queries waiting for send budget.
func (t *UDPTransport) NumQueuedQueries() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.queries)
}

func (t *UDPTransport) connFor(to netip.AddrPort) (netip.AddrPort, *net.UDPConn, error) {
	to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())
	conn := t.conn4
	if to.Addr().Is6() {
		conn = t.conn6
	}
	if conn == nil {
		return to, nil, fmt.Errorf("send to %s: %w", to, ErrNoSocket)
	}
	return to, conn, nil
}

func write(conn *net.UDPConn, data []byte, to netip.AddrPort) error {
	if _, err := conn.WriteToUDPAddrPort(data, to); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

func (t *UDPTransport) popQuery() (outgoing, bool) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	if len(t.queries) == 0 {
		return outgoing{}, false
	}
	q := t.queries[0]
	t.queries = t.queries[1:]
	return q, true
}

// queryLoop writes queued queries, waiting on the limiter before each.
func (t *UDPTransport) queryLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case <-t.wake:
		}
		for {
			q, ok := t.popQuery()
			if !ok {
				break
			}
			if err := t.limiter.Wait(ctx); err != nil {
				return nil
			}
			if t.isClosed() {
				return nil
			}
			_, conn, err := t.connFor(q.to)
			if err == nil {
				err = write(conn, q.data, q.to)
			}
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "queryLoop",
					"to":       q.to.String(),
					"error":    err.Error(),
				}).Debug("Failed to send query")
			}
		}
	}
}

// Serve runs one read loop per socket, plus the paced query writer when
// sends are rate limited, until ctx is done or the transport is closed.
// Each datagram is passed to handler with its source address unmapped.
func (t *UDPTransport) Serve(ctx context.Context, handler func(data []byte, from netip.AddrPort)) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, conn := range []*net.UDPConn{t.conn4, t.conn6} {
		if conn == nil {
			continue
		}
		conn := conn
		g.Go(func() error { return t.readLoop(ctx, conn, handler) })
	}
	if t.limiter != nil {
		g.Go(func() error { return t.queryLoop(ctx) })
	}
	return g.Wait()
}

func (t *UDPTransport) readLoop(ctx context.Context, conn *net.UDPConn, handler Handler) error {
	// one spare byte so oversized datagrams are seen as such
	buffer := make([]byte, limits.MaxDatagramSize+1)

	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"local":    conn.LocalAddr().String(),
				"error":    err.Error(),
			}).Debug("UDP read failed")
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		handler(buffer[:n], from)
	}
}

func (t *UDPTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Close closes both sockets. Read loops return shortly after.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	var errs []error
	for _, conn := range []*net.UDPConn{t.conn4, t.conn6} {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

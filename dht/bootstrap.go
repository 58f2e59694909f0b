package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// maxBootstrapBackoff caps the wait between bootstrap rounds.
const maxBootstrapBackoff = 2 * time.Minute

// DefaultBootstrapNodes are well-known routers of the mainline DHT.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.libtorrent.org:25401",
	"dht.transmissionbt.com:6881",
}

// BootstrapError represents specific bootstrap failure types
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error { return e.Cause }

// ErrNotEnoughNodes is the cause of a bootstrap round that ended with too
// few routing table entries.
var ErrNotEnoughNodes = errors.New("not enough nodes")

// splitHostPort parses "host:port".
func splitHostPort(hostport string) (string, uint16, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("%w: bad port %q", ErrInvalidAddress, p)
	}
	return host, uint16(port), nil
}

// runBootstrap pings the configured routers until the routing tables hold
// MinBootstrapNodes entries, backing off exponentially between rounds.
func (d *DHT) runBootstrap(ctx context.Context) {
	if len(d.cfg.BootstrapNodes) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "runBootstrap",
		}).Warn("No bootstrap nodes configured")
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BootstrapBackoff
	b.MaxInterval = maxBootstrapBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.BootstrapAttempts)), ctx)

	round := 0
	op := func() error {
		round++
		n, err := d.numEntries()
		if err != nil {
			return backoff.Permanent(err)
		}
		if n >= d.cfg.MinBootstrapNodes {
			return nil
		}
		d.pingRouters(ctx)
		return &BootstrapError{
			Type:  "round",
			Node:  fmt.Sprintf("%d routers", len(d.cfg.BootstrapNodes)),
			Cause: fmt.Errorf("%w: have %d, want %d", ErrNotEnoughNodes, n, d.cfg.MinBootstrapNodes),
		}
	}
	notify := func(err error, next time.Duration) {
		logrus.WithFields(logrus.Fields{
			"function": "runBootstrap",
			"round":    round,
			"next":     next.String(),
			"error":    err.Error(),
		}).Debug("Bootstrap round incomplete, retrying")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrNotRunning) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "runBootstrap",
			"rounds":   round,
			"error":    err.Error(),
		}).Warn("Bootstrap gave up")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "runBootstrap",
		"rounds":   round,
	}).Info("Bootstrap complete")
	_ = d.do(d.findOwnNode)
}

// pingRouters pings every configured router, logging the ones that fail.
func (d *DHT) pingRouters(ctx context.Context) {
	for _, hp := range d.cfg.BootstrapNodes {
		host, port, err := splitHostPort(hp)
		if err == nil {
			err = d.addNode(ctx, host, port)
		}
		if err != nil {
			berr := &BootstrapError{Type: "ping", Node: hp, Cause: err}
			logrus.WithFields(logrus.Fields{
				"function": "pingRouters",
				"node":     hp,
				"error":    berr.Error(),
			}).Debug("Cannot reach bootstrap node")
		}
	}
}

func (d *DHT) numEntries() (int, error) {
	var n int
	err := d.do(func() { n = d.node.NumEntries() })
	return n, err
}

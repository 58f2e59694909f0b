package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/btdht/dht"
	"github.com/opd-ai/btdht/simnet"
)

// simCallTimeout replaces the 30 s call timeout so lost datagrams do not
// stall the simulation.
const simCallTimeout = 2 * time.Second

// simAddr returns the address of the i-th simulated node.
func simAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte((i + 1) >> 8), byte(i + 1)}), dht.DefaultPort)
}

// runSimulation starts n nodes on an in-memory network, joins them through
// the first node and announces a random info-hash from two of them. The
// second announce must find the first announcer.
func runSimulation(ctx context.Context, n int, loss float64, cfg *dht.Config) error {
	network := simnet.New()
	if loss > 0 {
		network.SetLossRate(loss, uint64(time.Now().UnixNano()))
	}

	dir, err := os.MkdirTemp("", "btdht-sim")
	if err != nil {
		return fmt.Errorf("create simulation dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return network.Run(gctx) })
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	nodes := make([]*dht.DHT, n)
	for i := range nodes {
		addr := simAddr(i)
		nodeCfg := *cfg
		nodeCfg.BootstrapNodes = nil
		nodeCfg.CallTimeout = simCallTimeout
		d := dht.New(&nodeCfg, dht.WithTransportFactory(func(port uint16) (dht.Transport, error) {
			return network.Listen(netip.AddrPortFrom(addr.Addr(), port))
		}))

		nodeDir := filepath.Join(dir, strconv.Itoa(i))
		if err := os.Mkdir(nodeDir, 0o700); err != nil {
			return fmt.Errorf("create node dir: %w", err)
		}
		if err := d.Start(filepath.Join(nodeDir, "dht_table"), filepath.Join(nodeDir, "dht_key"), addr.Port()); err != nil {
			return fmt.Errorf("start node %d: %w", i, err)
		}
		defer d.Stop()
		nodes[i] = d

		if i > 0 {
			first := simAddr(0)
			if err := d.AddNode(first.Addr().String(), first.Port()); err != nil {
				return fmt.Errorf("join node %d: %w", i, err)
			}
		}
	}

	if err := waitPopulated(ctx, nodes); err != nil {
		return err
	}
	for _, d := range nodes {
		if l, err := d.FindNode(d.ID()); err == nil {
			waitTask(ctx, l.Done())
		}
	}

	infoHash := dht.RandomKey()
	first, err := nodes[1].Announce(infoHash, 7000)
	if err != nil {
		return fmt.Errorf("first announce: %w", err)
	}
	waitTask(ctx, first.Done())

	second, err := nodes[2].Announce(infoHash, 8000)
	if err != nil {
		return fmt.Errorf("second announce: %w", err)
	}
	waitTask(ctx, second.Done())

	want := netip.AddrPortFrom(simAddr(1).Addr(), 7000)
	found := false
	for _, p := range second.Peers() {
		if p == want {
			found = true
		}
	}
	stats := network.Stats()
	logrus.WithFields(logrus.Fields{
		"function":  "runSimulation",
		"nodes":     n,
		"info_hash": infoHash.String(),
		"announced": first.NumAnnounced(),
		"peers":     len(second.Peers()),
		"found":     found,
		"sent":      stats.Sent,
		"dropped":   stats.Dropped,
	}).Info("Simulation finished")
	if !found {
		return fmt.Errorf("second announce did not find %s", want)
	}
	return nil
}

// waitPopulated polls until every node has at least one contact.
func waitPopulated(ctx context.Context, nodes []*dht.DHT) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		ready := 0
		for _, d := range nodes {
			if s, err := d.Stats(); err == nil && s.NumEntries() > 0 {
				ready++
			}
		}
		if ready == len(nodes) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("only %d of %d nodes joined: %w", ready, len(nodes), ctx.Err())
		case <-ticker.C:
		}
	}
}

func waitTask(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-done:
	}
}

// Package main runs a standalone BitTorrent DHT node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/btdht/dht"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	configFile    string
	dataDir       string
	port          uint
	bootstrap     string
	announce      string
	announcePort  uint
	find          string
	statsInterval time.Duration
	simulate      int
	simLoss       float64
	logLevel      string
	logFile       string
	jsonLogs      bool
	help          bool
}

// parseCLIFlags parses args into a CLIConfig.
func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	config := &CLIConfig{}

	fs.StringVar(&config.configFile, "config", "", "YAML file with DHT settings")
	fs.StringVar(&config.dataDir, "data-dir", ".", "Directory holding the routing table and node key")

	// Network configuration
	fs.UintVar(&config.port, "port", dht.DefaultPort, "UDP port to listen on")
	fs.StringVar(&config.bootstrap, "bootstrap", "", "Comma separated host:port bootstrap nodes (default: well-known routers)")

	// Operations
	fs.StringVar(&config.announce, "announce", "", "Hex info-hash to announce")
	fs.UintVar(&config.announcePort, "announce-port", 0, "Port to announce (default: the DHT port)")
	fs.StringVar(&config.find, "find", "", "Hex node id to look up")
	fs.DurationVar(&config.statsInterval, "stats-interval", time.Minute, "How often to log statistics, 0 disables")

	// Simulation
	fs.IntVar(&config.simulate, "simulate", 0, "Run this many nodes on an in-memory network instead of UDP")
	fs.Float64Var(&config.simLoss, "sim-loss", 0, "Fraction of simulated datagrams to drop")

	// Logging configuration
	fs.StringVar(&config.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&config.logFile, "log-file", "", "Log file path (default: stderr)")
	fs.BoolVar(&config.jsonLogs, "json", false, "Log in JSON format")

	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

// printUsage prints the usage information.
func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "BitTorrent DHT node")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s [options]\n", fs.Name())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s -port 6881 -data-dir ~/.btdht\n", fs.Name())
	fmt.Fprintf(w, "  %s -announce 0123456789abcdef0123456789abcdef01234567 -announce-port 51413\n", fs.Name())
	fmt.Fprintf(w, "  %s -simulate 25 -sim-loss 0.05\n", fs.Name())
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.port == 0 || config.port > 65535 {
		return fmt.Errorf("invalid port: must be between 1 and 65535")
	}
	if config.announcePort > 65535 {
		return fmt.Errorf("invalid announce port: must be at most 65535")
	}
	if config.announce != "" {
		if _, err := dht.KeyFromHex(config.announce); err != nil {
			return fmt.Errorf("invalid info-hash %q: %w", config.announce, err)
		}
	}
	if config.find != "" {
		if _, err := dht.KeyFromHex(config.find); err != nil {
			return fmt.Errorf("invalid node id %q: %w", config.find, err)
		}
	}
	if config.statsInterval < 0 {
		return fmt.Errorf("stats interval cannot be negative")
	}
	if config.simulate < 0 || config.simulate == 1 || config.simulate == 2 {
		return fmt.Errorf("simulation needs at least 3 nodes")
	}
	if config.simLoss < 0 || config.simLoss >= 1 {
		return fmt.Errorf("simulated loss must be in [0, 1)")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", config.logLevel)
	}
	return nil
}

// loadDHTConfig builds the DHT configuration: defaults, then the YAML file,
// then command line flags.
func loadDHTConfig(cli *CLIConfig) (*dht.Config, error) {
	cfg := dht.DefaultConfig()
	if cli.configFile != "" {
		data, err := os.ReadFile(cli.configFile)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cli.configFile, err)
		}
	}
	cfg.Port = uint16(cli.port)
	if cli.bootstrap != "" {
		cfg.BootstrapNodes = nil
		for _, hp := range strings.Split(cli.bootstrap, ",") {
			if hp = strings.TrimSpace(hp); hp != "" {
				cfg.BootstrapNodes = append(cfg.BootstrapNodes, hp)
			}
		}
	}
	return cfg, nil
}

// setupLogging configures the global logrus logger. The returned closer
// releases the log file, if any.
func setupLogging(cli *CLIConfig) (io.Closer, error) {
	level, err := logrus.ParseLevel(cli.logLevel)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	if cli.jsonLogs {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cli.logFile == "" {
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cli.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)
	return f, nil
}

// setupSignalHandling cancels ctx on SIGINT or SIGTERM.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.WithFields(logrus.Fields{
			"function": "setupSignalHandling",
			"signal":   sig.String(),
		}).Info("Received signal, shutting down")
		cancel()
	}()
}

// run starts the node, performs the requested operations and blocks until
// ctx is done.
func run(ctx context.Context, cli *CLIConfig, cfg *dht.Config, node *dht.DHT) error {
	tablePath := filepath.Join(cli.dataDir, "dht_table")
	keyPath := filepath.Join(cli.dataDir, "dht_key")
	if err := node.Start(tablePath, keyPath, cfg.Port); err != nil {
		return err
	}
	defer func() {
		if err := node.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err.Error(),
			}).Error("Failed to stop DHT")
		}
	}()

	if cli.announce != "" {
		go announceLoop(ctx, cli, cfg, node)
	}
	if cli.find != "" {
		go findNode(ctx, cli.find, node)
	}

	var tick <-chan time.Time
	if cli.statsInterval > 0 {
		ticker := time.NewTicker(cli.statsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			logStats(node)
		}
	}
}

// retryUntilPopulated calls f until it stops failing with ErrNoNodes.
func retryUntilPopulated(ctx context.Context, f func() error) error {
	for {
		err := f()
		if !errors.Is(err, dht.ErrNoNodes) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// announceLoop announces the info-hash now and every 15 minutes.
func announceLoop(ctx context.Context, cli *CLIConfig, cfg *dht.Config, node *dht.DHT) {
	infoHash, _ := dht.KeyFromHex(cli.announce)
	port := uint16(cli.announcePort)
	if port == 0 {
		port = cfg.Port
	}

	for {
		var task *dht.AnnounceTask
		err := retryUntilPopulated(ctx, func() error {
			var err error
			task, err = node.Announce(infoHash, port)
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function":  "announceLoop",
					"info_hash": infoHash.String(),
					"error":     err.Error(),
				}).Error("Announce failed")
			}
			return
		}
		task.OnPeer(func(p netip.AddrPort) {
			logrus.WithFields(logrus.Fields{
				"function":  "announceLoop",
				"info_hash": infoHash.String(),
				"peer":      p.String(),
			}).Info("Found peer")
		})

		select {
		case <-ctx.Done():
			return
		case <-task.Done():
		}
		logrus.WithFields(logrus.Fields{
			"function":  "announceLoop",
			"info_hash": infoHash.String(),
			"peers":     len(task.Peers()),
			"announced": task.NumAnnounced(),
		}).Info("Announce finished")

		select {
		case <-ctx.Done():
			return
		case <-time.After(15 * time.Minute):
		}
	}
}

// findNode looks up id once and logs the closest nodes found.
func findNode(ctx context.Context, hexID string, node *dht.DHT) {
	id, _ := dht.KeyFromHex(hexID)
	var lookup *dht.NodeLookup
	err := retryUntilPopulated(ctx, func() error {
		var err error
		lookup, err = node.FindNode(id)
		return err
	})
	if err != nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-lookup.Done():
	}
	for i, e := range lookup.ClosestNodes() {
		logrus.WithFields(logrus.Fields{
			"function": "findNode",
			"rank":     i,
			"id":       e.ID.String(),
			"address":  e.Addr.String(),
		}).Info("Closest node")
	}
}

func logStats(node *dht.DHT) {
	s, err := node.Stats()
	if err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":     "logStats",
		"entries_v4":   s.NumEntriesV4,
		"entries_v6":   s.NumEntriesV6,
		"tasks":        s.NumTasks,
		"queued_tasks": s.NumQueuedTasks,
		"calls":        s.NumActiveCalls,
		"stored_keys":  s.NumStoredKeys,
		"dropped":      s.DroppedMessages,
	}).Info("DHT statistics")
}

func main() {
	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ExitOnError)
	cli, err := parseCLIFlags(fs, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.help {
		printUsage(os.Stdout, fs)
		os.Exit(0)
	}
	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	logCloser, err := setupLogging(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	cfg, err := loadDHTConfig(cli)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	if cli.simulate > 0 {
		err = runSimulation(ctx, cli.simulate, cli.simLoss, cfg)
	} else {
		err = run(ctx, cli, cfg, dht.New(cfg))
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("DHT failed")
		logCloser.Close()
		os.Exit(1)
	}
}

package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/opd-ai/btdht/transport"
)

const (
	// DefaultPort is the UDP port used when none is configured.
	DefaultPort = 6881

	resolveTimeout = 10 * time.Second
)

var (
	// ErrNotRunning is returned by API calls while the DHT is stopped.
	ErrNotRunning = errors.New("dht is not running")

	// ErrNoNodes is returned when a search has no nodes to start from.
	ErrNoNodes = errors.New("no nodes in routing table")

	// ErrInvalidAddress is returned for unparsable hosts or zero ports.
	ErrInvalidAddress = errors.New("invalid address")
)

// Transport sends datagrams and delivers received ones to a handler.
type Transport interface {
	Sender
	// Serve reads datagrams until ctx is done or the transport is closed.
	Serve(ctx context.Context, handler func(data []byte, from netip.AddrPort)) error
	Close() error
}

var _ QuerySender = (*transport.UDPTransport)(nil)

// TransportFactory opens a transport bound to port.
type TransportFactory func(port uint16) (Transport, error)

// Config holds the tunables of a DHT.
type Config struct {
	Port             uint16        `yaml:"port"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	UpdateInterval   time.Duration `yaml:"update_interval"`
	ExpireInterval   time.Duration `yaml:"expire_interval"`
	MaxTasks         int           `yaml:"max_tasks"`
	MinFreeRPCSlots  int           `yaml:"min_free_rpc_slots"`
	InboundQueueSize int           `yaml:"inbound_queue_size"`

	// BootstrapNodes are "host:port" routers pinged when the table is empty.
	BootstrapNodes    []string      `yaml:"bootstrap_nodes"`
	MinBootstrapNodes int           `yaml:"min_bootstrap_nodes"`
	BootstrapAttempts int           `yaml:"bootstrap_attempts"`
	BootstrapBackoff  time.Duration `yaml:"bootstrap_backoff"`

	// SendRate is in datagrams per second. Zero disables limiting.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:              DefaultPort,
		CallTimeout:       CallTimeout,
		UpdateInterval:    time.Second,
		ExpireInterval:    5 * time.Minute,
		MaxTasks:          DefaultMaxTasks,
		MinFreeRPCSlots:   DefaultMinFreeRPCSlots,
		InboundQueueSize:  DefaultInboundQueueSize,
		BootstrapNodes:    append([]string(nil), DefaultBootstrapNodes...),
		MinBootstrapNodes: 4,
		BootstrapAttempts: 5,
		BootstrapBackoff:  5 * time.Second,
		SendRate:          250,
		SendBurst:         50,
	}
}

// Option customizes a DHT.
type Option func(*DHT)

// WithTransportFactory sets how Start opens its transport. The default
// binds UDP sockets with the configured send rate.
func WithTransportFactory(f TransportFactory) Option {
	return func(d *DHT) { d.newTransport = f }
}

// WithTimeProvider sets the clock and timers.
func WithTimeProvider(tp TimeProvider) Option {
	return func(d *DHT) { d.tp = tp }
}

// WithNodeID fixes our id instead of loading it from the key file.
func WithNodeID(id Key) Option {
	return func(d *DHT) { d.fixedID = &id }
}

// WithResolver sets the host resolver used by AddNode.
func WithResolver(r func(ctx context.Context, host string) ([]netip.Addr, error)) Option {
	return func(d *DHT) { d.resolve = r }
}

// Stats is a snapshot of the DHT state.
type Stats struct {
	NumEntriesV4    int
	NumEntriesV6    int
	NumBucketsV4    int
	NumBucketsV6    int
	NumTasks        int
	NumQueuedTasks  int
	NumActiveCalls  int
	NumQueuedCalls  int
	NumStoredKeys   int
	NumTokens       int
	DroppedMessages uint64
}

// NumEntries returns the entries in both routing tables.
func (s Stats) NumEntries() int { return s.NumEntriesV4 + s.NumEntriesV6 }

// DHT is a BitTorrent mainline DHT node.
//
// All routing, task, database and transaction state is owned by one
// processing goroutine. Public methods are safe for concurrent use: they
// post their work to that goroutine and wait for it.
type DHT struct {
	cfg          *Config
	tp           TimeProvider
	newTransport TransportFactory
	resolve      func(ctx context.Context, host string) ([]netip.Addr, error)
	fixedID      *Key

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	loopDone chan struct{}

	inbound *inboundQueue

	// owned by the processing loop
	transport Transport
	srv       *RPCServer
	node      *Node
	db        *Database
	tman      *TaskManager
	handlers  map[Method]requestHandler
	tablePath string
	port      uint16
	ownLookup *NodeLookup
}

// New creates a stopped DHT. A nil cfg takes DefaultConfig.
func New(cfg *Config, opts ...Option) *DHT {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	d := &DHT{
		cfg:     cfg,
		resolve: lookupHost,
	}
	d.newTransport = func(port uint16) (Transport, error) {
		return transport.ListenUDP(port, rate.Limit(cfg.SendRate), cfg.SendBurst)
	}
	for _, opt := range opts {
		opt(d)
	}
	d.tp = getTimeProvider(d.tp)
	d.inbound = newInboundQueue(cfg.InboundQueueSize)
	d.registerHandlers()
	return d
}

func lookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Start opens the transport on port, loads the routing tables from
// tablePath and our id from keyPath, and starts processing. Starting a
// running DHT does nothing.
func (d *DHT) Start(tablePath, keyPath string, port uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	if d.newTransport == nil {
		return fmt.Errorf("start dht: no transport factory configured")
	}
	if port == 0 {
		port = d.cfg.Port
	}

	tr, err := d.newTransport(port)
	if err != nil {
		return fmt.Errorf("start dht on port %d: %w", port, err)
	}
	d.open(tablePath, keyPath, port, tr)
	d.transport = tr

	entries, id := d.node.NumEntries(), d.node.ID()

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	d.cancel = cancel
	d.group = g
	d.loopDone = make(chan struct{})
	d.running = true

	g.Go(func() error { return d.run(ctx) })
	g.Go(func() error { return tr.Serve(ctx, d.onDatagram) })

	if entries > 0 {
		d.inbound.post(d.findOwnNode)
	} else {
		g.Go(func() error {
			d.runBootstrap(ctx)
			return nil
		})
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"port":     port,
		"id":       id.String(),
		"entries":  entries,
	}).Info("DHT started")
	return nil
}

// open builds the processing state around sender.
func (d *DHT) open(tablePath, keyPath string, port uint16, sender Sender) {
	d.tablePath = tablePath
	d.port = port
	// leftovers of a previous run
	d.inbound.drain()
	d.srv = NewRPCServer(RPCServerConfig{
		Sender:       sender,
		Timeout:      d.cfg.CallTimeout,
		Schedule:     d.schedule,
		OnTimeout:    d.onCallTimeout,
		TimeProvider: d.tp,
	})
	if d.fixedID != nil {
		d.node = NewNodeWithID(*d.fixedID, d.srv, d.tp)
	} else {
		d.node = NewNode(keyPath, d.srv, d.tp)
	}
	d.node.OnPopulated = d.findOwnNode
	d.db = NewDatabase(d.tp)
	d.tman = NewTaskManager(d.srv, d.cfg.MaxTasks, d.cfg.MinFreeRPCSlots)
	d.ownLookup = nil
	d.node.LoadTable(tablePath)
}

// close saves the tables and drops every task and call.
func (d *DHT) close() {
	if err := d.node.SaveTable(d.tablePath); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "close",
			"path":     d.tablePath,
			"error":    err.Error(),
		}).Error("Failed to save routing table")
	}
	d.tman.KillAll()
	d.srv.Stop()
}

// Stop halts processing, saves the routing tables and closes the transport.
func (d *DHT) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel, g, tr := d.cancel, d.group, d.transport
	d.mu.Unlock()

	cancel()
	closeErr := tr.Close()
	err := g.Wait()
	d.close()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("DHT stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stop dht: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close transport: %w", closeErr)
	}
	return nil
}

// IsRunning reports whether the DHT was started and not stopped.
func (d *DHT) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// run is the processing loop.
func (d *DHT) run(ctx context.Context) error {
	defer close(d.loopDone)

	update := time.NewTicker(d.cfg.UpdateInterval)
	defer update.Stop()
	expire := time.NewTicker(d.cfg.ExpireInterval)
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.inbound.notify:
			d.drainInbound()
		case <-update.C:
			d.update()
		case <-expire.C:
			d.expire()
		}
	}
}

// drainInbound processes everything queued so far.
func (d *DHT) drainInbound() {
	for _, ev := range d.inbound.drain() {
		switch {
		case ev.fn != nil:
			ev.fn()
		case ev.perr != nil:
			d.replyError(ev.perr, ev.msg.Origin)
		case ev.msg != nil:
			d.handleMessage(ev.msg)
		}
	}
}

// post runs f on the processing loop.
func (d *DHT) post(f func()) { d.inbound.post(f) }

// schedule arms a timer whose callback runs on the processing loop.
func (d *DHT) schedule(dur time.Duration, f func()) Timer {
	return d.tp.AfterFunc(dur, func() { d.post(f) })
}

// do runs f on the processing loop and waits for it.
func (d *DHT) do(f func()) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	loopDone := d.loopDone
	d.mu.Unlock()

	done := make(chan struct{})
	d.post(func() {
		f()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-loopDone:
		return ErrNotRunning
	}
}

// onDatagram decodes a datagram on a receive goroutine and queues it.
func (d *DHT) onDatagram(data []byte, from netip.AddrPort) {
	from = normalizeAddr(from)
	msg, err := Decode(data, from, d.srv)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			d.inbound.push(event{msg: &Message{Origin: from}, perr: perr})
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "onDatagram",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping undecodable datagram")
		return
	}
	d.inbound.push(event{msg: msg})
}

func (d *DHT) update() {
	d.node.Refresh(d.tp.Now(), d.refreshBucket)
	d.tman.Update()
}

func (d *DHT) expire() {
	d.db.Expire(d.tp.Now())
}

// tick does one round of periodic work: bucket refresh, task admission and
// expiry of stored peers and tokens.
func (d *DHT) tick() {
	d.update()
	d.expire()
}

// refreshBucket starts a lookup for target seeded from b and the rest of
// its table.
func (d *DHT) refreshBucket(target Key, b *Bucket) Task {
	b.UpdateRefreshTimer()
	l, err := d.findNode(target)
	if err != nil {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "refreshBucket",
		"target":   target.String(),
	}).Debug("Refreshing bucket")
	return l
}

// findOwnNode looks up our own id unless such a lookup is already running.
func (d *DHT) findOwnNode() {
	if d.ownLookup != nil && !d.ownLookup.IsFinished() {
		return
	}
	l, err := d.findNode(d.node.ID())
	if err != nil {
		return
	}
	d.ownLookup = l
}

func (d *DHT) onCallTimeout(c *RPCCall) {
	d.node.OnTimeout(c.Request.Origin)
}

func (d *DHT) findNode(id Key) (*NodeLookup, error) {
	kns := NewKClosestNodesSearch(id, K)
	d.node.FindClosest(kns, WantBoth)
	if kns.Len() == 0 {
		return nil, ErrNoNodes
	}
	l := NewNodeLookup(id, d.srv, d.node.ID())
	l.seed(kns)
	d.tman.Add(l)
	return l, nil
}

func (d *DHT) announce(infoHash Key, port uint16) (*AnnounceTask, error) {
	kns := NewKClosestNodesSearch(infoHash, K)
	d.node.FindClosest(kns, WantBoth)
	if kns.Len() == 0 {
		return nil, ErrNoNodes
	}
	a := NewAnnounceTask(infoHash, port, d.db, d.srv, d.node.ID())
	a.seed(kns)
	d.tman.Add(a)
	d.db.Insert(infoHash)
	return a, nil
}

// FindNode starts a lookup of id.
func (d *DHT) FindNode(id Key) (*NodeLookup, error) {
	var (
		l   *NodeLookup
		err error
	)
	if doErr := d.do(func() { l, err = d.findNode(id) }); doErr != nil {
		return nil, doErr
	}
	return l, err
}

// Announce starts announcing port for infoHash. Peers found along the way
// are reported by the returned task.
func (d *DHT) Announce(infoHash Key, port uint16) (*AnnounceTask, error) {
	var (
		a   *AnnounceTask
		err error
	)
	if doErr := d.do(func() { a, err = d.announce(infoHash, port) }); doErr != nil {
		return nil, doErr
	}
	return a, err
}

// AddNode resolves host and pings it. Resolution happens on the calling
// goroutine.
func (d *DHT) AddNode(host string, port uint16) error {
	return d.addNode(context.Background(), host, port)
}

func (d *DHT) addNode(ctx context.Context, host string, port uint16) error {
	if !d.IsRunning() {
		return ErrNotRunning
	}
	if port == 0 {
		return fmt.Errorf("add node %s: %w", host, ErrInvalidAddress)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		addrs, rerr := d.resolve(ctx, host)
		cancel()
		if rerr != nil {
			return fmt.Errorf("resolve %s: %w", host, rerr)
		}
		if len(addrs) == 0 {
			return fmt.Errorf("resolve %s: %w", host, ErrInvalidAddress)
		}
		ip = addrs[0]
	}
	addr := netip.AddrPortFrom(ip.Unmap(), port)
	return d.do(func() { d.ping(addr) })
}

// PortReceived pings a DHT node announced by a peer through the wire
// protocol's PORT message.
func (d *DHT) PortReceived(ip string, port uint16) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil || port == 0 {
		return fmt.Errorf("port received from %s: %w", ip, ErrInvalidAddress)
	}
	to := netip.AddrPortFrom(addr.Unmap(), port)
	return d.do(func() { d.ping(to) })
}

func (d *DHT) ping(addr netip.AddrPort) {
	d.srv.Ping(d.node.ID(), addr)
}

// GetClosestGoodNodes returns up to max good nodes closest to our id.
func (d *DHT) GetClosestGoodNodes(max int) []netip.AddrPort {
	var out []netip.AddrPort
	_ = d.do(func() { out = d.closestGoodNodes(max) })
	return out
}

func (d *DHT) closestGoodNodes(max int) []netip.AddrPort {
	kns := NewKClosestNodesSearch(d.node.ID(), 2*max)
	d.node.FindClosest(kns, WantBoth)
	now := d.tp.Now()
	var out []netip.AddrPort
	for _, e := range kns.Entries() {
		if len(out) >= max {
			break
		}
		if e.IsGood(now) {
			out = append(out, e.Addr)
		}
	}
	return out
}

// Tick runs the periodic work immediately: stale buckets are refreshed,
// queued tasks are retried and expired peers and tokens are dropped.
func (d *DHT) Tick() error {
	return d.do(d.tick)
}

// Stats returns a snapshot of the DHT state.
func (d *DHT) Stats() (Stats, error) {
	var s Stats
	err := d.do(func() { s = d.stats() })
	return s, err
}

func (d *DHT) stats() Stats {
	return Stats{
		NumEntriesV4:    d.node.Table(4).NumEntries(),
		NumEntriesV6:    d.node.Table(6).NumEntries(),
		NumBucketsV4:    d.node.Table(4).NumBuckets(),
		NumBucketsV6:    d.node.Table(6).NumBuckets(),
		NumTasks:        d.tman.NumTasks(),
		NumQueuedTasks:  d.tman.NumQueuedTasks(),
		NumActiveCalls:  d.srv.NumActiveCalls(),
		NumQueuedCalls:  d.srv.NumQueuedCalls(),
		NumStoredKeys:   d.db.NumKeys(),
		NumTokens:       d.db.NumTokens(),
		DroppedMessages: d.inbound.numDropped(),
	}
}

// ID returns our node id, or the zero key while stopped.
func (d *DHT) ID() Key {
	var id Key
	_ = d.do(func() { id = d.node.ID() })
	return id
}

package dht

import (
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// CallTimeout is how long a call waits for its response.
	CallTimeout = 30 * time.Second

	// MaxActiveCalls is the size of the one-byte transaction id space.
	MaxActiveCalls = 256
)

// Sender writes an encoded datagram to a remote address.
type Sender interface {
	Send(data []byte, to netip.AddrPort) error
}

// QuerySender is implemented by senders that pace queries instead of
// dropping them when their send budget is used up. Calls go out through
// SendQuery when the sender has it.
type QuerySender interface {
	SendQuery(data []byte, to netip.AddrPort) error
}

// CallListener observes the outcome of a call. Exactly one of the methods
// is invoked, at most once.
type CallListener interface {
	OnResponse(c *RPCCall, rsp *Message)
	OnTimeout(c *RPCCall)
}

// ScheduleFunc runs f after d. The facade uses it to run timer callbacks on
// its processing loop.
type ScheduleFunc func(d time.Duration, f func()) Timer

// RPCCall is an outstanding request.
type RPCCall struct {
	MTID      byte
	Request   *Message
	StartedAt time.Time

	queued   bool
	listener CallListener
	timer    Timer
}

// Queued reports whether the call is waiting for a free transaction id.
func (c *RPCCall) Queued() bool { return c.queued }

// Method returns the method of the request.
func (c *RPCCall) Method() Method { return c.Request.Method }

// RPCServer multiplexes calls over the one-byte transaction id space. When
// every id is in use, new calls wait in a FIFO queue.
//
// The transaction table is read by receive goroutines through FindMethod,
// everything else runs on the processing loop.
type RPCServer struct {
	mu    sync.Mutex
	calls map[byte]*RPCCall
	queue []*RPCCall
	next  byte

	sender    Sender
	timeout   time.Duration
	schedule  ScheduleFunc
	tp        TimeProvider
	onTimeout func(c *RPCCall)
	stopped   bool
}

// RPCServerConfig holds the collaborators of an RPCServer.
type RPCServerConfig struct {
	Sender  Sender
	Timeout time.Duration
	// Schedule defaults to TimeProvider.AfterFunc.
	Schedule ScheduleFunc
	// OnTimeout is told about every call that timed out, after its listener.
	OnTimeout    func(c *RPCCall)
	TimeProvider TimeProvider
}

// NewRPCServer creates a server sending through cfg.Sender.
func NewRPCServer(cfg RPCServerConfig) *RPCServer {
	tp := getTimeProvider(cfg.TimeProvider)
	if cfg.Timeout <= 0 {
		cfg.Timeout = CallTimeout
	}
	if cfg.Schedule == nil {
		cfg.Schedule = tp.AfterFunc
	}
	return &RPCServer{
		calls:     make(map[byte]*RPCCall),
		sender:    cfg.Sender,
		timeout:   cfg.Timeout,
		schedule:  cfg.Schedule,
		tp:        tp,
		onTimeout: cfg.OnTimeout,
	}
}

// FindMethod returns the method of the outstanding call with the given
// transaction id, or MethodNone.
func (s *RPCServer) FindMethod(mtid []byte) Method {
	if len(mtid) != 1 {
		return MethodNone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[mtid[0]]; ok {
		return c.Request.Method
	}
	return MethodNone
}

// DoCall sends req and notifies l of its outcome. When no transaction id is
// free the call is queued and sent once one frees up. DoCall returns nil
// after Stop.
func (s *RPCServer) DoCall(req *Message, l CallListener) *RPCCall {
	c := &RPCCall{Request: req, listener: l}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	// earlier queued calls go first
	mtid, ok := byte(0), false
	if len(s.queue) == 0 {
		mtid, ok = s.allocate()
	}
	if !ok {
		c.queued = true
		s.queue = append(s.queue, c)
		n := len(s.queue)
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "DoCall",
			"queued":   n,
		}).Debug("Queueing RPC call, no transaction ids available")
		return c
	}
	s.activate(c, mtid)
	s.mu.Unlock()

	s.send(c)
	return c
}

// allocate finds a free transaction id by probing from the rolling counter.
// Callers hold s.mu.
func (s *RPCServer) allocate() (byte, bool) {
	if len(s.calls) >= MaxActiveCalls {
		return 0, false
	}
	for i := 0; i < MaxActiveCalls; i++ {
		id := s.next
		s.next++
		if _, used := s.calls[id]; !used {
			return id, true
		}
	}
	return 0, false
}

// activate registers c under mtid and arms its timer. Callers hold s.mu.
func (s *RPCServer) activate(c *RPCCall, mtid byte) {
	c.MTID = mtid
	c.queued = false
	c.Request.MTID = []byte{mtid}
	c.StartedAt = s.tp.Now()
	s.calls[mtid] = c
	c.timer = s.schedule(s.timeout, func() { s.timedOut(c) })
}

// send writes the request of c. A call whose request cannot be written is
// failed on its next timer tick, without counting against the remote node.
func (s *RPCServer) send(c *RPCCall) {
	err := s.write(c.Request, true)
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.calls[c.MTID]; !ok || cur != c {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = s.schedule(0, func() { s.sendFailed(c, err) })
}

// SendMessage encodes and sends msg without tracking it. Responses and
// errors go out this way.
func (s *RPCServer) SendMessage(msg *Message) {
	_ = s.write(msg, false)
}

func (s *RPCServer) write(msg *Message, query bool) error {
	data, err := Encode(msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendMessage",
			"message":  msg.String(),
			"error":    err.Error(),
		}).Error("Failed to encode message")
		return err
	}
	if s.sender == nil {
		return nil
	}
	if qs, ok := s.sender.(QuerySender); ok && query {
		err = qs.SendQuery(data, msg.Origin)
	} else {
		err = s.sender.Send(data, msg.Origin)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendMessage",
			"to":       msg.Origin.String(),
			"error":    err.Error(),
		}).Debug("Failed to send message")
	}
	return err
}

// sendFailed removes c and tells its listener the call got no answer. The
// timeout hook is not told: the remote node was never asked.
func (s *RPCServer) sendFailed(c *RPCCall, err error) {
	s.mu.Lock()
	cur, ok := s.calls[c.MTID]
	if !ok || cur != c {
		s.mu.Unlock()
		return
	}
	delete(s.calls, c.MTID)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "sendFailed",
		"method":   c.Request.Method.String(),
		"to":       c.Request.Origin.String(),
		"error":    err.Error(),
	}).Debug("RPC call could not be sent")

	if c.listener != nil {
		c.listener.OnTimeout(c)
	}
	s.doQueuedCalls()
}

// OnIncoming completes the call matching a response or error and returns
// it. Messages that match no call, or whose method or source IP differ
// from the call's request, are ignored and nil is returned.
func (s *RPCServer) OnIncoming(msg *Message) *RPCCall {
	if msg.Type == MsgRequest || len(msg.MTID) != 1 {
		return nil
	}
	s.mu.Lock()
	c, ok := s.calls[msg.MTID[0]]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if msg.Type == MsgResponse && msg.Method != c.Request.Method {
		s.mu.Unlock()
		return nil
	}
	if msg.Origin.Addr() != c.Request.Origin.Addr() {
		s.mu.Unlock()
		return nil
	}
	delete(s.calls, c.MTID)
	s.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	if msg.Type == MsgResponse {
		msg.Method = c.Request.Method
	}
	if c.listener != nil {
		c.listener.OnResponse(c, msg)
	}
	s.doQueuedCalls()
	return c
}

// timedOut removes c if it is still outstanding and notifies its listener
// and the timeout hook.
func (s *RPCServer) timedOut(c *RPCCall) {
	s.mu.Lock()
	cur, ok := s.calls[c.MTID]
	if !ok || cur != c {
		s.mu.Unlock()
		return
	}
	delete(s.calls, c.MTID)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "timedOut",
		"method":   c.Request.Method.String(),
		"to":       c.Request.Origin.String(),
	}).Debug("RPC call timed out")

	if c.listener != nil {
		c.listener.OnTimeout(c)
	}
	if s.onTimeout != nil {
		s.onTimeout(c)
	}
	s.doQueuedCalls()
}

// doQueuedCalls starts queued calls while transaction ids are free.
func (s *RPCServer) doQueuedCalls() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.stopped {
			s.mu.Unlock()
			return
		}
		mtid, ok := s.allocate()
		if !ok {
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.activate(c, mtid)
		s.mu.Unlock()

		s.send(c)
	}
}

// NumActiveCalls returns the number of calls waiting for a response.
func (s *RPCServer) NumActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// NumQueuedCalls returns the number of calls waiting for a transaction id.
func (s *RPCServer) NumQueuedCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NumFreeSlots returns the number of unused transaction ids.
func (s *RPCServer) NumFreeSlots() int {
	return MaxActiveCalls - s.NumActiveCalls()
}

// Ping sends a ping to addr on behalf of id without a listener.
func (s *RPCServer) Ping(id Key, addr netip.AddrPort) *RPCCall {
	return s.DoCall(NewPingRequest(id, normalizeAddr(addr)), nil)
}

// Stop drops every outstanding and queued call without notifying
// listeners. Later calls to DoCall return nil.
func (s *RPCServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, c := range s.calls {
		if c.timer != nil {
			c.timer.Stop()
		}
		delete(s.calls, id)
	}
	s.queue = nil
}

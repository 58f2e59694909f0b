package dht

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultInboundQueueSize bounds the decoded messages waiting for the loop.
const DefaultInboundQueueSize = 1024

// event is one unit of work for the processing loop: a decoded message, a
// query that must be answered with an error, or a posted closure.
type event struct {
	msg  *Message
	perr *ProtocolError
	fn   func()
}

// inboundQueue hands work from receive goroutines, timers and API callers
// to the processing loop. Messages are dropped when the queue is full,
// closures never are.
type inboundQueue struct {
	mu      sync.Mutex
	events  []event
	numMsgs int
	max     int
	dropped uint64
	notify  chan struct{}
}

func newInboundQueue(max int) *inboundQueue {
	if max <= 0 {
		max = DefaultInboundQueueSize
	}
	return &inboundQueue{max: max, notify: make(chan struct{}, 1)}
}

// push queues a message event and reports whether it was accepted.
func (q *inboundQueue) push(ev event) bool {
	q.mu.Lock()
	if q.numMsgs >= q.max {
		q.dropped++
		dropped := q.dropped
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "inboundQueue.push",
			"dropped":  dropped,
		}).Warn("Inbound queue full, dropping message")
		return false
	}
	q.events = append(q.events, ev)
	q.numMsgs++
	q.mu.Unlock()
	q.wake()
	return true
}

// post queues a closure.
func (q *inboundQueue) post(fn func()) {
	q.mu.Lock()
	q.events = append(q.events, event{fn: fn})
	q.mu.Unlock()
	q.wake()
}

func (q *inboundQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far.
func (q *inboundQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.events
	q.events = nil
	q.numMsgs = 0
	return evs
}

// len returns the number of queued events.
func (q *inboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// numDropped returns how many messages were dropped.
func (q *inboundQueue) numDropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

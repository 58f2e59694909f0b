package dht

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	// MaxOutstandingCalls bounds the calls a single task has in flight.
	MaxOutstandingCalls = 16

	// maxVisited stops a search that keeps discovering new nodes.
	maxVisited = 200
)

// Task is a multi-round search driven by RPC responses.
type Task interface {
	// Target returns the key the task searches for.
	Target() Key
	// IsFinished reports whether the task completed or was killed.
	IsFinished() bool
	// IsQueued reports whether the task waits for admission.
	IsQueued() bool
	// Done is closed when the task finishes.
	Done() <-chan struct{}
	// Kill finishes the task immediately. Calls already sent are ignored
	// when they complete.
	Kill()

	start()
	setQueued(bool)
	onFinished(func(Task))
}

// taskImpl is implemented by concrete tasks to drive the shared state in task.
type taskImpl interface {
	update()
	callFinished(c *RPCCall, rsp *Message)
	callTimeout(c *RPCCall)
}

// task holds the frontier and bookkeeping shared by every search.
type task struct {
	impl   taskImpl
	rpc    Caller
	ownID  Key
	target Key

	todo    *frontier
	visited mapset.Set[entryKey]

	outstanding int
	finished    bool
	queued      bool
	listeners   []func(Task)
	self        Task

	doneOnce sync.Once
	doneCh   chan struct{}
}

// init prepares t for the concrete task self, which drives it through impl.
func (t *task) init(self Task, impl taskImpl, rpc Caller, ownID, target Key) {
	t.impl = impl
	t.rpc = rpc
	t.ownID = ownID
	t.target = target
	t.todo = newFrontier(target)
	t.visited = mapset.NewThreadUnsafeSet[entryKey]()
	t.queued = true
	t.self = self
	t.doneCh = make(chan struct{})
}

// Target returns the key the task searches for.
func (t *task) Target() Key { return t.target }

// IsFinished reports whether the task is done.
func (t *task) IsFinished() bool {
	select {
	case <-t.doneCh:
		return true
	default:
		return false
	}
}

// IsQueued reports whether the task is waiting for admission.
func (t *task) IsQueued() bool { return t.queued }

// Done is closed when the task finishes.
func (t *task) Done() <-chan struct{} { return t.doneCh }

// Kill finishes the task immediately.
func (t *task) Kill() { t.done() }

func (t *task) setQueued(q bool) { t.queued = q }

func (t *task) onFinished(f func(Task)) { t.listeners = append(t.listeners, f) }

// seed fills the frontier from a closest-nodes search.
func (t *task) seed(s *KClosestNodesSearch) {
	for _, e := range s.Entries() {
		t.todo.insert(e)
	}
}

// start runs the first round of a task admitted by the task manager.
func (t *task) start() {
	t.queued = false
	if !t.finished {
		t.impl.update()
	}
}

func (t *task) canDoRequest() bool {
	return t.outstanding < MaxOutstandingCalls
}

// rpcCall sends req on behalf of the task.
func (t *task) rpcCall(req *Message) bool {
	if !t.canDoRequest() || t.rpc == nil {
		return false
	}
	if t.rpc.DoCall(req, t) == nil {
		return false
	}
	t.outstanding++
	return true
}

// OnResponse implements CallListener.
func (t *task) OnResponse(c *RPCCall, rsp *Message) {
	if t.outstanding > 0 {
		t.outstanding--
	}
	if t.finished {
		return
	}
	if rsp.Type == MsgResponse {
		t.impl.callFinished(c, rsp)
	}
	if t.canDoRequest() && !t.finished {
		t.impl.update()
	}
}

// OnTimeout implements CallListener.
func (t *task) OnTimeout(c *RPCCall) {
	if t.outstanding > 0 {
		t.outstanding--
	}
	if t.finished {
		return
	}
	t.impl.callTimeout(c)
	if t.canDoRequest() && !t.finished {
		t.impl.update()
	}
}

// done marks the task finished and notifies listeners once.
func (t *task) done() {
	t.doneOnce.Do(func() {
		t.finished = true
		close(t.doneCh)
		for _, f := range t.listeners {
			f(t.self)
		}
	})
}

// NumOutstanding returns the number of calls in flight.
func (t *task) NumOutstanding() int { return t.outstanding }

// NumVisited returns the number of nodes queried so far.
func (t *task) NumVisited() int { return t.visited.Cardinality() }

// frontier is a set of entries kept sorted by distance to a target.
// Entries with the same id are stored once.
type frontier struct {
	target  Key
	entries []Entry
	dists   []Key
	ids     mapset.Set[Key]
}

func newFrontier(target Key) *frontier {
	return &frontier{target: target, ids: mapset.NewThreadUnsafeSet[Key]()}
}

func (f *frontier) len() int { return len(f.entries) }

func (f *frontier) empty() bool { return len(f.entries) == 0 }

func (f *frontier) contains(id Key) bool { return f.ids.Contains(id) }

// insert adds e in distance order and reports whether it was new.
func (f *frontier) insert(e Entry) bool {
	if !f.ids.Add(e.ID) {
		return false
	}
	d := Distance(f.target, e.ID)
	i := sort.Search(len(f.dists), func(i int) bool { return f.dists[i].Greater(d) })
	f.entries = append(f.entries, Entry{})
	f.dists = append(f.dists, Key{})
	copy(f.entries[i+1:], f.entries[i:])
	copy(f.dists[i+1:], f.dists[i:])
	f.entries[i] = e
	f.dists[i] = d
	return true
}

// popClosest removes and returns the closest entry.
func (f *frontier) popClosest() Entry {
	e := f.entries[0]
	f.entries = f.entries[1:]
	f.dists = f.dists[1:]
	f.ids.Remove(e.ID)
	return e
}

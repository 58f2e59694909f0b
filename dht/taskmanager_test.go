package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSlots struct{ free int }

func (s *fixedSlots) NumFreeSlots() int { return s.free }

// seededLookup returns a lookup with a single node to query, so it stays
// running until that call completes.
func seededLookup(rpc Caller, i int) *NodeLookup {
	l := NewNodeLookup(RandomKey(), rpc, RandomKey())
	s := NewKClosestNodesSearch(l.Target(), K)
	s.TryInsert(Entry{ID: RandomKey(), Addr: testAddr(i)})
	l.seed(s)
	return l
}

func TestTaskManagerMaxTasks(t *testing.T) {
	rc := &recordingCaller{}
	m := NewTaskManager(&fixedSlots{free: MaxActiveCalls}, 0, 0)

	tasks := make([]*NodeLookup, DefaultMaxTasks+2)
	for i := range tasks {
		tasks[i] = seededLookup(rc, i)
		m.Add(tasks[i])
	}
	assert.Equal(t, DefaultMaxTasks, m.NumTasks())
	assert.Equal(t, 2, m.NumQueuedTasks())
	assert.False(t, tasks[0].IsQueued())
	assert.True(t, tasks[DefaultMaxTasks].IsQueued())
	assert.Len(t, rc.calls, DefaultMaxTasks)

	// finishing a running task admits the oldest queued one
	rc.calls[0].listener.OnTimeout(rc.calls[0])
	assert.True(t, tasks[0].IsFinished())
	assert.Equal(t, DefaultMaxTasks, m.NumTasks())
	assert.Equal(t, 1, m.NumQueuedTasks())
	assert.False(t, tasks[DefaultMaxTasks].IsQueued())
	assert.True(t, tasks[DefaultMaxTasks+1].IsQueued())
	assert.Len(t, rc.calls, DefaultMaxTasks+1)
}

func TestTaskManagerFreeSlots(t *testing.T) {
	rc := &recordingCaller{}
	slots := &fixedSlots{free: DefaultMinFreeRPCSlots - 1}
	m := NewTaskManager(slots, 0, 0)

	first := seededLookup(rc, 1)
	m.Add(first)
	assert.True(t, first.IsQueued())
	assert.Zero(t, m.NumTasks())

	slots.free = DefaultMinFreeRPCSlots
	second := seededLookup(rc, 2)
	m.Add(second)
	assert.True(t, second.IsQueued(), "queued tasks keep their order")

	m.Update()
	assert.Equal(t, 2, m.NumTasks())
	assert.Zero(t, m.NumQueuedTasks())
	require.Len(t, rc.calls, 2)
	assert.Equal(t, testAddr(1), rc.calls[0].Request.Origin)
}

func TestTaskManagerKilledWhileQueued(t *testing.T) {
	rc := &recordingCaller{}
	slots := &fixedSlots{}
	m := NewTaskManager(slots, 0, 0)

	l := seededLookup(rc, 1)
	m.Add(l)
	l.Kill()
	assert.Zero(t, m.NumQueuedTasks())

	slots.free = MaxActiveCalls
	m.Update()
	assert.Zero(t, m.NumTasks())
	assert.Empty(t, rc.calls)
}

func TestTaskManagerKillAll(t *testing.T) {
	rc := &recordingCaller{}
	m := NewTaskManager(&fixedSlots{free: MaxActiveCalls}, 2, 0)

	tasks := []*NodeLookup{seededLookup(rc, 1), seededLookup(rc, 2), seededLookup(rc, 3)}
	for _, l := range tasks {
		m.Add(l)
	}
	m.KillAll()
	for _, l := range tasks {
		assert.True(t, l.IsFinished())
	}
	assert.Zero(t, m.NumTasks())
	assert.Zero(t, m.NumQueuedTasks())
	assert.Len(t, rc.calls, 2, "queued tasks never start")

	// late completions are ignored
	rc.calls[0].listener.OnResponse(rc.calls[0], &Message{Type: MsgResponse, Method: MethodFindNode})
	assert.Len(t, rc.calls, 2)
}

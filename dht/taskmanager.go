package dht

import "github.com/sirupsen/logrus"

const (
	// DefaultMaxTasks is the number of tasks allowed to run at once.
	DefaultMaxTasks = 10

	// DefaultMinFreeRPCSlots is the number of transaction ids that must be
	// free before another task may start.
	DefaultMinFreeRPCSlots = 16
)

// SlotCounter reports how many transaction ids are unused.
type SlotCounter interface {
	NumFreeSlots() int
}

// TaskManager admits tasks while few enough run and enough transaction ids
// are free, and queues the rest in FIFO order.
type TaskManager struct {
	slots           SlotCounter
	maxTasks        int
	minFreeRPCSlots int

	active []Task
	queued []Task
}

// NewTaskManager creates a manager. Non-positive limits take the defaults.
func NewTaskManager(slots SlotCounter, maxTasks, minFreeRPCSlots int) *TaskManager {
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	if minFreeRPCSlots <= 0 {
		minFreeRPCSlots = DefaultMinFreeRPCSlots
	}
	return &TaskManager{
		slots:           slots,
		maxTasks:        maxTasks,
		minFreeRPCSlots: minFreeRPCSlots,
	}
}

// CanStartTask reports whether a new task would be admitted right now.
func (m *TaskManager) CanStartTask() bool {
	if len(m.active) >= m.maxTasks {
		return false
	}
	if m.slots != nil && m.slots.NumFreeSlots() < m.minFreeRPCSlots {
		return false
	}
	return true
}

// Add starts t or queues it. Tasks already waiting go first.
func (m *TaskManager) Add(t Task) {
	t.onFinished(m.taskFinished)
	if len(m.queued) > 0 || !m.CanStartTask() {
		t.setQueued(true)
		m.queued = append(m.queued, t)
		logrus.WithFields(logrus.Fields{
			"function": "TaskManager.Add",
			"queued":   len(m.queued),
		}).Debug("Queueing task")
		return
	}
	m.active = append(m.active, t)
	t.start()
}

func (m *TaskManager) taskFinished(t Task) {
	if !m.remove(&m.active, t) {
		m.remove(&m.queued, t)
	}
	m.startQueued()
}

// Update starts queued tasks that became admissible because transaction
// ids were freed.
func (m *TaskManager) Update() { m.startQueued() }

// startQueued starts queued tasks while admission holds.
func (m *TaskManager) startQueued() {
	for len(m.queued) > 0 && m.CanStartTask() {
		t := m.queued[0]
		m.queued = m.queued[1:]
		if t.IsFinished() {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "TaskManager.startQueued",
			"target":   t.Target().String(),
		}).Debug("Starting queued task")
		m.active = append(m.active, t)
		t.start()
	}
}

func (m *TaskManager) remove(list *[]Task, t Task) bool {
	for i, o := range *list {
		if o == t {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// NumTasks returns the number of running tasks.
func (m *TaskManager) NumTasks() int { return len(m.active) }

// NumQueuedTasks returns the number of tasks waiting for admission.
func (m *TaskManager) NumQueuedTasks() int { return len(m.queued) }

// KillAll finishes every running and queued task.
func (m *TaskManager) KillAll() {
	queued, active := m.queued, m.active
	m.queued, m.active = nil, nil
	for _, t := range queued {
		t.Kill()
	}
	for _, t := range active {
		t.Kill()
	}
}

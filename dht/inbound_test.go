package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInboundQueueDropsMessagesNotClosures(t *testing.T) {
	q := newInboundQueue(2)

	assert.True(t, q.push(event{msg: &Message{}}))
	assert.True(t, q.push(event{msg: &Message{}}))
	assert.False(t, q.push(event{msg: &Message{}}))
	assert.Equal(t, uint64(1), q.numDropped())

	ran := false
	q.post(func() { ran = true })
	assert.Equal(t, 3, q.len())

	evs := q.drain()
	assert.Len(t, evs, 3)
	evs[2].fn()
	assert.True(t, ran)

	// room again after draining
	assert.True(t, q.push(event{msg: &Message{}}))
	assert.Equal(t, uint64(1), q.numDropped())
}

func TestInboundQueueNotifies(t *testing.T) {
	q := newInboundQueue(0)
	assert.Equal(t, DefaultInboundQueueSize, q.max)

	q.post(func() {})
	q.post(func() {})
	select {
	case <-q.notify:
	default:
		t.Fatal("expected a wakeup")
	}
	select {
	case <-q.notify:
		t.Fatal("wakeups coalesce")
	default:
	}
	assert.Len(t, q.drain(), 2)
}

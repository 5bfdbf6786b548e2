// Package realtime fans change notifications out to a user's live subscribers.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// EventGoalChange announces goals or progress rows that changed on the server side.
	EventGoalChange = "goal-change"
	// EventHeartbeat keeps idle streams open through proxies.
	EventHeartbeat = "heartbeat"

	defaultBufferSize = 16
)

// Message is a single notification addressed to one user.
type Message struct {
	UserID      string    `json:"-"`
	Event       string    `json:"event"`
	GoalIDs     []string  `json:"goal_ids,omitempty"`
	ProgressIDs []string  `json:"progress_ids,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Dispatcher keeps bounded per-subscriber queues. A subscriber that falls behind loses messages
// instead of blocking publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan Message
	nextID      atomic.Int64
	dropped     atomic.Int64
	bufferSize  int
}

// NewDispatcher constructs a dispatcher; a non-positive bufferSize selects the default.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]chan Message),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream for userID. The stream is closed when ctx ends or the returned
// cancel function runs, whichever comes first.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Message, func()) {
	if userID == "" {
		closed := make(chan Message)
		close(closed)
		return closed, func() {}
	}

	id := d.nextID.Add(1)
	stream := make(chan Message, d.bufferSize)

	d.mu.Lock()
	if d.subscribers[userID] == nil {
		d.subscribers[userID] = make(map[int64]chan Message)
	}
	d.subscribers[userID][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { d.remove(userID, id) })
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// Publish delivers message to every subscriber of its user without blocking.
func (d *Dispatcher) Publish(message Message) {
	if message.UserID == "" || message.Event == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers[message.UserID] {
		select {
		case stream <- message:
		default:
			d.dropped.Add(1)
		}
	}
}

// SubscriberCount reports the live subscribers of userID.
func (d *Dispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

// Dropped reports how many messages were discarded for slow subscribers.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) remove(userID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.subscribers[userID]
	stream, ok := streams[id]
	if !ok {
		return
	}
	delete(streams, id)
	close(stream)
	if len(streams) == 0 {
		delete(d.subscribers, userID)
	}
}

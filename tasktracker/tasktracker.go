// Package tasktracker implements the Task Tracker:
// ephemeral in-memory background-task state, keyed by UUID, with
// changes mirrored to a caller-supplied durable sink for crash
// survivability.
package tasktracker

import (
	"sync"

	"github.com/google/uuid"
)

// Status is a background task's lifecycle stage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// State is one task's ephemeral record.
type State struct {
	Status    Status
	Message   string
	Timestamp int64
	Result    any
}

// Mirror is called on every state transition so the caller can persist
// the change alongside a durable record (e.g. a workspace's file
// record). Implementations must not block the tracker for long.
type Mirror func(taskID string, s State)

// Tracker is a synchronized map of task-id to State.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]State
	mirror Mirror
}

// New returns a Tracker. mirror may be nil.
func New(mirror Mirror) *Tracker {
	return &Tracker{states: make(map[string]State), mirror: mirror}
}

// Start allocates a new task UUID in StatusPending and returns it.
func (t *Tracker) Start(message string, now int64) string {
	id := uuid.New().String()
	t.set(id, State{Status: StatusPending, Message: message, Timestamp: now})
	return id
}

// Update transitions taskID to a new status/message.
func (t *Tracker) Update(taskID string, status Status, message string, now int64) {
	t.set(taskID, State{Status: status, Message: message, Timestamp: now})
}

// Succeed transitions taskID to StatusSuccess with an optional result
// payload.
func (t *Tracker) Succeed(taskID string, message string, result any, now int64) {
	t.set(taskID, State{Status: StatusSuccess, Message: message, Timestamp: now, Result: result})
}

// Fail transitions taskID to StatusError.
func (t *Tracker) Fail(taskID string, message string, now int64) {
	t.set(taskID, State{Status: StatusError, Message: message, Timestamp: now})
}

func (t *Tracker) set(taskID string, s State) {
	t.mu.Lock()
	t.states[taskID] = s
	t.mu.Unlock()

	if t.mirror != nil {
		t.mirror(taskID, s)
	}
}

// Get returns the current state for taskID and whether it exists.
func (t *Tracker) Get(taskID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[taskID]
	return s, ok
}

// Delete removes a task's in-memory record, e.g. after a client has
// acknowledged a terminal state.
func (t *Tracker) Delete(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, taskID)
}

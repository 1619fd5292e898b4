// Package task tracks asynchronous collection runs through a small state
// machine: PENDING, any number of PROGRESS transitions, then exactly one
// terminal SUCCESS or FAILURE. Terminal states are retained for later
// polling.
package task

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a task lifecycle state.
type State string

const (
	StatePending  State = "PENDING"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Status is the full progress payload of a task at one point in time. Each
// transition replaces the previous payload wholesale.
type Status struct {
	TaskID    string    `json:"task_id"`
	State     State     `json:"state"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sink receives every transition as a serialized event, e.g. the NATS
// publisher. Delivery is fire-and-forget.
type Sink interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Tracker owns all task state transitions. It is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
	sink  Sink
}

type taskEntry struct {
	mu      sync.Mutex
	current Status
	history []Status
	seq     int
	subs    map[int]chan Status
	nextSub int
}

// NewTracker creates a tracker. sink may be nil to run without a push
// transport.
func NewTracker(sink Sink) *Tracker {
	return &Tracker{tasks: make(map[string]*taskEntry), sink: sink}
}

// Create registers a new task in PENDING and returns its opaque id.
func (t *Tracker) Create() string {
	id := uuid.NewString()
	st := Status{TaskID: id, State: StatePending, UpdatedAt: time.Now().UTC()}

	e := &taskEntry{current: st, history: []Status{st}, subs: make(map[int]chan Status)}

	t.mu.Lock()
	t.tasks[id] = e
	t.mu.Unlock()

	t.publish(st, 0)
	return id
}

// SetProgress records a PROGRESS transition. Ignored once the task is
// terminal, and suppressed when identical to the current payload.
func (t *Tracker) SetProgress(id, stage string, progress int, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.transition(id, Status{State: StateProgress, Stage: stage, Progress: progress, Message: message})
}

// Succeed records the terminal SUCCESS transition with the final result.
func (t *Tracker) Succeed(id string, result any) {
	t.transition(id, Status{State: StateSuccess, Stage: "done", Progress: 100, Result: result})
}

// Fail records the terminal FAILURE transition with the triggering error.
func (t *Tracker) Fail(id string, err error) {
	t.transition(id, Status{State: StateFailure, Stage: "failed", Error: err.Error()})
}

// Status returns the current payload. Polling is side-effect free: two polls
// with no intervening transition observe identical payloads.
func (t *Tracker) Status(id string) (Status, bool) {
	e := t.entry(id)
	if e == nil {
		return Status{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, true
}

// History returns the append-only transition log of the task.
func (t *Tracker) History(id string) []Status {
	e := t.entry(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, len(e.history))
	copy(out, e.history)
	return out
}

// Subscribe returns a channel that delivers the current status immediately
// and then every subsequent transition. The channel closes after the
// terminal status is delivered. The returned cancel detaches the
// subscription early.
func (t *Tracker) Subscribe(id string) (<-chan Status, func(), bool) {
	e := t.entry(id)
	if e == nil {
		return nil, nil, false
	}

	ch := make(chan Status, 16)

	e.mu.Lock()
	ch <- e.current
	if e.current.State.Terminal() {
		close(ch)
		e.mu.Unlock()
		return ch, func() {}, true
	}
	key := e.nextSub
	e.nextSub++
	e.subs[key] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		delete(e.subs, key)
		e.mu.Unlock()
	}
	return ch, cancel, true
}

func (t *Tracker) entry(id string) *taskEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tasks[id]
}

func (t *Tracker) transition(id string, next Status) {
	e := t.entry(id)
	if e == nil {
		log.Printf("Transition for unknown task %s dropped", id)
		return
	}

	e.mu.Lock()
	if e.current.State.Terminal() {
		e.mu.Unlock()
		log.Printf("Ignoring transition on terminal task %s", id)
		return
	}
	if samePayload(e.current, next) {
		e.mu.Unlock()
		return
	}

	next.TaskID = id
	next.UpdatedAt = time.Now().UTC()
	e.current = next
	e.history = append(e.history, next)
	e.seq++
	seq := e.seq

	subs := make([]chan Status, 0, len(e.subs))
	for _, ch := range e.subs {
		subs = append(subs, ch)
	}
	if next.State.Terminal() {
		e.subs = make(map[int]chan Status)
	}
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
			log.Printf("Dropping status update for slow subscriber of task %s", id)
		}
		if next.State.Terminal() {
			close(ch)
		}
	}

	t.publish(next, seq)
}

// samePayload compares everything a streaming reader can observe except the
// timestamp, so identical back-to-back updates are suppressed.
func samePayload(a, b Status) bool {
	return a.State == b.State &&
		a.Stage == b.Stage &&
		a.Progress == b.Progress &&
		a.Message == b.Message &&
		a.Error == b.Error
}

func (t *Tracker) publish(st Status, seq int) {
	if t.sink == nil {
		return
	}

	payload, err := json.Marshal(st)
	if err != nil {
		log.Printf("Error marshaling status for task %s: %v", st.TaskID, err)
		return
	}

	subject := fmt.Sprintf("mailvault.task.%s", st.TaskID)
	msgID := fmt.Sprintf("%s|%d", st.TaskID, seq)
	if err := t.sink.Publish(subject, payload, msgID); err != nil {
		log.Printf("Error publishing status for task %s: %v", st.TaskID, err)
	}
}

// Package history implements the history recorder: a bounded,
// concurrency-safe append-only event log backed by a ring buffer
// instead of a trim-on-every-append list copy.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an Event.
type EventType string

const (
	EventFreezeEnabled            EventType = "FREEZE_ENABLED"
	EventFreezeDisabled           EventType = "FREEZE_DISABLED"
	EventRequestDenied            EventType = "REQUEST_DENIED"
	EventRequestBypassedAnnot     EventType = "REQUEST_BYPASSED_ANNOTATION"
	EventRequestBypassedUser      EventType = "REQUEST_BYPASSED_USER"
	EventRequestBypassedNS        EventType = "REQUEST_BYPASSED_NAMESPACE"
	EventRequestBypassedExemption EventType = "REQUEST_BYPASSED_EXEMPTION"
	EventExemptionCreated         EventType = "EXEMPTION_CREATED"
	EventExemptionDeleted         EventType = "EXEMPTION_DELETED"
	EventScheduleCreated          EventType = "SCHEDULE_CREATED"
	EventScheduleDeleted          EventType = "SCHEDULE_DELETED"
	EventConfigInvalid            EventType = "CONFIG_INVALID"
	EventEvaluatorError           EventType = "EVALUATOR_ERROR"
)

// Event is a single append-only history record.
type Event struct {
	ID           string
	Timestamp    time.Time
	Sequence     uint64
	EventType    EventType
	Reason       string
	TriggeredBy  string
	Namespace    string
	ResourceName string
}

// Recorder is a fixed-capacity ring buffer of Events, guarded by one
// mutex. Append is cheap enough that a single lock never becomes a
// bottleneck.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	buf      []Event
	head     int // index of the oldest element
	size     int
	seq      uint64
}

// DefaultCapacity is the ring buffer size used when NewRecorder is
// given a non-positive capacity.
const DefaultCapacity = 1000

// NewRecorder returns a Recorder with the given capacity, or
// DefaultCapacity if capacity <= 0.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		capacity: capacity,
		buf:      make([]Event, capacity),
	}
}

// AppendInput are the caller-supplied fields for Append.
type AppendInput struct {
	EventType    EventType
	Reason       string
	TriggeredBy  string
	Namespace    string
	ResourceName string
	Now          time.Time
}

// Append records a new event, evicting the oldest on overflow.
func (r *Recorder) Append(in AppendInput) Event {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	ev := Event{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Sequence:     r.seq,
		EventType:    in.EventType,
		Reason:       in.Reason,
		TriggeredBy:  in.TriggeredBy,
		Namespace:    in.Namespace,
		ResourceName: in.ResourceName,
	}

	writeIdx := (r.head + r.size) % r.capacity
	if r.size < r.capacity {
		r.buf[writeIdx] = ev
		r.size++
	} else {
		r.buf[r.head] = ev
		r.head = (r.head + 1) % r.capacity
	}
	return ev
}

// Filter narrows List's results.
type Filter struct {
	EventType EventType
	Namespace string
}

func (f Filter) matches(ev Event) bool {
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.Namespace != "" && ev.Namespace != "" && ev.Namespace != f.Namespace {
		return false
	}
	return true
}

// List returns events most-recent-first, optionally filtered and capped
// at limit (0 means unlimited). Ties within the same timestamp are
// broken by descending Sequence.
func (r *Recorder) List(limit int, filter Filter) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, r.size)
	for i := r.size - 1; i >= 0; i-- {
		ev := r.buf[(r.head+i)%r.capacity]
		if !filter.matches(ev) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len reports the number of events currently held, never more than
// capacity.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Rehydrate loads a previously persisted event slice as the recorder's
// initial state, used by the watcher on startup when a history-store
// ConfigMap is present. events is expected oldest-first; anything
// beyond capacity is dropped from the front. Rehydration is optional —
// the recorder is fully functional without ever calling this.
func (r *Recorder) Rehydrate(events []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(events) > r.capacity {
		events = events[len(events)-r.capacity:]
	}
	r.head = 0
	r.size = len(events)
	r.seq = 0
	for i, ev := range events {
		if ev.Sequence > r.seq {
			r.seq = ev.Sequence
		}
		r.buf[i] = ev
	}
}

package history

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestAppend_RingBufferEvictsOldest(t *testing.T) {
	g := NewWithT(t)
	r := NewRecorder(2)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	r.Append(AppendInput{EventType: EventFreezeEnabled, Now: now})
	r.Append(AppendInput{EventType: EventFreezeDisabled, Now: now.Add(time.Minute)})
	r.Append(AppendInput{EventType: EventRequestDenied, Now: now.Add(2 * time.Minute)})

	g.Expect(r.Len()).To(Equal(2))
	events := r.List(0, Filter{})
	g.Expect(events).To(HaveLen(2))
	g.Expect(events[0].EventType).To(Equal(EventRequestDenied), "List is most-recent-first")
	g.Expect(events[1].EventType).To(Equal(EventFreezeDisabled))
}

func TestList_FiltersByTypeAndNamespace(t *testing.T) {
	g := NewWithT(t)
	r := NewRecorder(10)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	r.Append(AppendInput{EventType: EventRequestDenied, Namespace: "prod", Now: now})
	r.Append(AppendInput{EventType: EventRequestDenied, Namespace: "staging", Now: now})
	r.Append(AppendInput{EventType: EventFreezeEnabled, Namespace: "prod", Now: now})

	filtered := r.List(0, Filter{EventType: EventRequestDenied, Namespace: "prod"})
	g.Expect(filtered).To(HaveLen(1))
	g.Expect(filtered[0].Namespace).To(Equal("prod"))
}

func TestList_RespectsLimit(t *testing.T) {
	g := NewWithT(t)
	r := NewRecorder(10)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r.Append(AppendInput{EventType: EventRequestDenied, Now: now})
	}
	g.Expect(r.List(2, Filter{})).To(HaveLen(2))
}

func TestSequenceIsMonotonic(t *testing.T) {
	g := NewWithT(t)
	r := NewRecorder(10)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	e1 := r.Append(AppendInput{EventType: EventFreezeEnabled, Now: now})
	e2 := r.Append(AppendInput{EventType: EventFreezeDisabled, Now: now})
	g.Expect(e2.Sequence).To(Equal(e1.Sequence + 1))
}

func TestRehydrate_TrimsToCapacityKeepingNewest(t *testing.T) {
	g := NewWithT(t)
	r := NewRecorder(2)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	events := []Event{
		{ID: "1", Sequence: 1, EventType: EventFreezeEnabled, Timestamp: now},
		{ID: "2", Sequence: 2, EventType: EventFreezeDisabled, Timestamp: now.Add(time.Minute)},
		{ID: "3", Sequence: 3, EventType: EventRequestDenied, Timestamp: now.Add(2 * time.Minute)},
	}
	r.Rehydrate(events)

	g.Expect(r.Len()).To(Equal(2))
	got := r.List(0, Filter{})
	g.Expect(got[0].ID).To(Equal("3"))
	g.Expect(got[1].ID).To(Equal("2"))

	next := r.Append(AppendInput{EventType: EventScheduleCreated, Now: now.Add(3 * time.Minute)})
	g.Expect(next.Sequence).To(Equal(uint64(4)))
}

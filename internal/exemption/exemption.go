// Package exemption implements the exemption store: time-bounded
// exemptions with single-use semantics for resource-specific grants and
// reuse-until-expiry semantics for namespace-wide grants. A match and
// its single-use consumption happen inside one locked critical section
// rather than a separate read-then-write step, and lookups go through
// a namespace secondary index instead of a full table scan.
package exemption

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubefreezer/kubefreezer/internal/kferrors"
)

// Exemption is a time-bounded bypass grant, unique by ID.
type Exemption struct {
	ID           string
	Namespace    string
	ResourceName string // empty means namespace-wide
	Reason       string
	ApprovedBy   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Used         bool
}

func (e Exemption) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e Exemption) namespaceWide() bool {
	return e.ResourceName == ""
}

// Store holds exemptions keyed by ID with a namespace secondary index,
// guarded by one mutex.
type Store struct {
	mu      sync.Mutex
	byID    map[string]*Exemption
	byNS    map[string]map[string]struct{} // namespace -> set of IDs
}

// NewStore returns an empty exemption store.
func NewStore() *Store {
	return &Store{
		byID: make(map[string]*Exemption),
		byNS: make(map[string]map[string]struct{}),
	}
}

// CreateInput are the caller-supplied fields for Create; ID is optional
// and generated with uuid.NewString() when empty.
type CreateInput struct {
	ID              string
	Namespace       string
	ResourceName    string
	DurationMinutes int
	Reason          string
	ApprovedBy      string
	Now             time.Time
}

// Create stores a new Exemption, rejecting non-positive duration, empty
// namespace, or an expiry that isn't strictly after creation.
func (s *Store) Create(in CreateInput) (Exemption, error) {
	if in.Namespace == "" {
		return Exemption{}, fmt.Errorf("%w: namespace is required", kferrors.ErrInvalidExemption)
	}
	if in.DurationMinutes <= 0 {
		return Exemption{}, fmt.Errorf("%w: duration_minutes must be positive", kferrors.ErrInvalidExemption)
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	expiresAt := now.Add(time.Duration(in.DurationMinutes) * time.Minute)
	if !expiresAt.After(now) {
		return Exemption{}, fmt.Errorf("%w: expires_at must be after created_at", kferrors.ErrInvalidExemption)
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	ex := &Exemption{
		ID:           id,
		Namespace:    in.Namespace,
		ResourceName: in.ResourceName,
		Reason:       in.Reason,
		ApprovedBy:   in.ApprovedBy,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = ex
	if s.byNS[in.Namespace] == nil {
		s.byNS[in.Namespace] = make(map[string]struct{})
	}
	s.byNS[in.Namespace][id] = struct{}{}

	return *ex, nil
}

// Get returns the exemption with id, evicting it first if expired.
func (s *Store) Get(id string, now time.Time) (Exemption, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id, now)
}

func (s *Store) getLocked(id string, now time.Time) (Exemption, bool) {
	ex, ok := s.byID[id]
	if !ok {
		return Exemption{}, false
	}
	if ex.expired(now) {
		s.deleteLocked(id)
		return Exemption{}, false
	}
	return *ex, true
}

// List returns exemptions. When activeOnly is true, expired entries are
// evicted and excluded; when false, every stored entry is returned
// regardless of expiry, leaving eviction to the next active-only query
// or the periodic sweeper.
func (s *Store) List(activeOnly bool, now time.Time) []Exemption {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !activeOnly {
		out := make([]Exemption, 0, len(s.byID))
		for _, ex := range s.byID {
			out = append(out, *ex)
		}
		return out
	}

	var expiredIDs []string
	out := make([]Exemption, 0, len(s.byID))
	for id, ex := range s.byID {
		if ex.expired(now) {
			expiredIDs = append(expiredIDs, id)
			continue
		}
		out = append(out, *ex)
	}
	for _, id := range expiredIDs {
		s.deleteLocked(id)
	}
	return out
}

// SweepExpired evicts every currently expired exemption; suitable for a
// periodic background sweeper.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiredIDs []string
	for id, ex := range s.byID {
		if ex.expired(now) {
			expiredIDs = append(expiredIDs, id)
		}
	}
	for _, id := range expiredIDs {
		s.deleteLocked(id)
	}
	return len(expiredIDs)
}

// Delete removes an exemption by ID; returns false if it wasn't present.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	s.deleteLocked(id)
	return true
}

func (s *Store) deleteLocked(id string) {
	ex, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if set, ok := s.byNS[ex.Namespace]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byNS, ex.Namespace)
		}
	}
}

// Matches finds the first non-expired exemption covering
// (namespace, resourceName) at now, marking a resource-specific match
// used in the same critical section it is found in — never a separate
// read-then-write step, so two concurrent callers can't both consume
// the same single-use exemption.
func (s *Store) Matches(namespace, resourceName string, now time.Time) (Exemption, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byNS[namespace]
	if len(ids) == 0 {
		return Exemption{}, false
	}

	// Deterministic order: iterate by ID for stability since the store
	// has no natural order. Namespace-wide and resource-specific
	// exemptions are checked in that same ID order; neither is preferred.
	sortedIDs := make([]string, 0, len(ids))
	for id := range ids {
		sortedIDs = append(sortedIDs, id)
	}
	sortIDs(sortedIDs)

	var toEvict []string
	defer func() {
		for _, id := range toEvict {
			s.deleteLocked(id)
		}
	}()

	for _, id := range sortedIDs {
		ex, ok := s.byID[id]
		if !ok {
			continue
		}
		if ex.expired(now) {
			toEvict = append(toEvict, id)
			continue
		}
		if ex.Used {
			continue
		}
		if ex.namespaceWide() {
			return *ex, true
		}
		if resourceName != "" && ex.ResourceName == resourceName {
			ex.Used = true
			return *ex, true
		}
	}
	return Exemption{}, false
}

func sortIDs(ids []string) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

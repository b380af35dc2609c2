// README: In-process booking store used by the memory backend and tests.
package booking

import (
	"context"
	"sort"
	"sync"

	"rideline/internal/types"
)

type MemoryStore struct {
	mu       sync.Mutex
	bookings map[types.ID]*Booking
	events   map[types.ID][]Event
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[types.ID]*Booking),
		events:   make(map[types.ID][]Event),
	}
}

func (s *MemoryStore) Create(_ context.Context, b *Booking, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return ErrConflict
	}
	for _, other := range s.bookings {
		if other.RiderID == b.RiderID && !other.Terminal() {
			return ErrActiveBooking
		}
	}
	cp := *b
	s.bookings[b.ID] = &cp
	s.appendLocked(e)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, ch StatusChange, e *Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[ch.ID]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != ch.From || b.StatusVersion != ch.Version {
		return false, nil
	}
	b.Status = ch.To
	b.StatusVersion++
	b.StatusUpdatedAt = ch.At
	switch {
	case ch.ClearDriver:
		b.DriverID = nil
	case ch.DriverID != nil:
		d := *ch.DriverID
		b.DriverID = &d
	}
	if ch.CancelledBy != "" {
		b.CancelledBy = ch.CancelledBy
		b.CancelReason = ch.CancelReason
	}
	s.appendLocked(e)
	return true, nil
}

func (s *MemoryStore) appendLocked(e *Event) {
	if e == nil {
		return
	}
	s.seq++
	e.ID = s.seq
	s.events[e.BookingID] = append(s.events[e.BookingID], *e)
}

func (s *MemoryStore) ListEvents(_ context.Context, id types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events[id]))
	copy(out, s.events[id])
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Booking, error) {
	s.mu.Lock()
	var out []Booking
	for _, b := range s.bookings {
		if b.Status == status {
			out = append(out, *b)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ActiveByRider(_ context.Context, riderID types.ID) (*Booking, error) {
	return s.findActive(func(b *Booking) bool { return b.RiderID == riderID }), nil
}

func (s *MemoryStore) ActiveByDriver(_ context.Context, driverID types.ID) (*Booking, error) {
	return s.findActive(func(b *Booking) bool { return b.AssignedTo(driverID) }), nil
}

func (s *MemoryStore) findActive(match func(*Booking) bool) *Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if !b.Terminal() && match(b) {
			cp := *b
			return &cp
		}
	}
	return nil
}

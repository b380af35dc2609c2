// README: Offer and dispatch-record store contract and its in-process implementation.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"rideline/internal/types"
)

// resolvedOfferRetention is how long a resolved offer stays readable before
// the sweep purges it.
const resolvedOfferRetention = 10 * time.Minute

// Store holds offers and per-booking dispatch records. ResolveOffer is a
// compare-and-set from PENDING and reports false if the offer was already
// resolved. PurgeResolved drops offers resolved before the cutoff and reports
// how many went.
type Store interface {
	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id types.ID) (*Offer, error)
	ResolveOffer(ctx context.Context, o *Offer, to Outcome, at time.Time) (bool, error)
	PendingOffers(ctx context.Context, bookingID types.ID) ([]Offer, error)
	PendingForDriver(ctx context.Context, driverID types.ID) ([]Offer, error)
	DueOffers(ctx context.Context, now time.Time) ([]Offer, error)
	PurgeResolved(ctx context.Context, before time.Time) (int, error)
	GetRecord(ctx context.Context, bookingID types.ID) (*Record, error)
	SaveRecord(ctx context.Context, r *Record) error
	DeleteRecord(ctx context.Context, bookingID types.ID) error
}

type MemoryStore struct {
	mu      sync.Mutex
	offers  map[types.ID]*Offer
	records map[types.ID]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:  make(map[types.ID]*Offer),
		records: make(map[types.ID]*Record),
	}
}

func (s *MemoryStore) CreateOffer(_ context.Context, o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.offers[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOffer(_ context.Context, id types.ID) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ResolveOffer(_ context.Context, o *Offer, to Outcome, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.offers[o.ID]
	if !ok {
		return false, ErrOfferNotFound
	}
	if !cur.Pending() {
		return false, nil
	}
	cur.Outcome = to
	t := at
	cur.ResolvedAt = &t
	return true, nil
}

func (s *MemoryStore) filter(match func(*Offer) bool) []Offer {
	s.mu.Lock()
	var out []Offer
	for _, o := range s.offers {
		if match(o) {
			out = append(out, *o)
		}
	}
	s.mu.Unlock()
	sortOffers(out)
	return out
}

func sortOffers(out []Offer) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].OfferedAt.Equal(out[j].OfferedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OfferedAt.Before(out[j].OfferedAt)
	})
}

func (s *MemoryStore) PendingOffers(_ context.Context, bookingID types.ID) ([]Offer, error) {
	return s.filter(func(o *Offer) bool { return o.Pending() && o.BookingID == bookingID }), nil
}

func (s *MemoryStore) PendingForDriver(_ context.Context, driverID types.ID) ([]Offer, error) {
	return s.filter(func(o *Offer) bool { return o.Pending() && o.DriverID == driverID }), nil
}

func (s *MemoryStore) DueOffers(_ context.Context, now time.Time) ([]Offer, error) {
	return s.filter(func(o *Offer) bool { return o.Expired(now) }), nil
}

func (s *MemoryStore) PurgeResolved(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.offers {
		if o.ResolvedAt != nil && o.ResolvedAt.Before(before) {
			delete(s.offers, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetRecord(_ context.Context, bookingID types.ID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[bookingID]
	if !ok {
		return nil, nil
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) SaveRecord(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.BookingID] = copyRecord(r)
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, bookingID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, bookingID)
	return nil
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Excluded = copySet(r.Excluded)
	cp.Offered = copySet(r.Offered)
	return &cp
}

func copySet(m map[types.ID]bool) map[types.ID]bool {
	out := make(map[types.ID]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

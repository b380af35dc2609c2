// README: Driver session pool (dispatch eligibility) and its in-process implementation.
package dispatch

import (
	"context"
	"sync"
	"time"

	"rideline/internal/modules/geo"
	"rideline/internal/types"
)

// Pool holds DriverSessions. Reserve is a compare-and-set from idle to
// bookingID; Release clears the booking only if it still matches.
type Pool interface {
	Get(ctx context.Context, driverID types.ID) (*DriverSession, error)
	SetPresence(ctx context.Context, p Presence) (prev, cur *DriverSession, err error)
	UpdateLocation(ctx context.Context, driverID types.ID, pt types.Point, at time.Time) (*DriverSession, error)
	Nearby(ctx context.Context, q NearbyQuery) ([]Candidate, error)
	Reserve(ctx context.Context, driverID, bookingID types.ID) (bool, error)
	Release(ctx context.Context, driverID, bookingID types.ID) error
}

type MemoryPool struct {
	mu       sync.RWMutex
	sessions map[types.ID]*DriverSession
}

func NewMemoryPool() *MemoryPool {
	return &MemoryPool{sessions: make(map[types.ID]*DriverSession)}
}

func copySession(s *DriverSession) *DriverSession {
	cp := *s
	if s.LastLocation != nil {
		fix := *s.LastLocation
		cp.LastLocation = &fix
	}
	if s.CurrentBookingID != nil {
		cp.CurrentBookingID = s.CurrentBookingID.Ptr()
	}
	return &cp
}

func (p *MemoryPool) Get(_ context.Context, driverID types.ID) (*DriverSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[driverID]
	if !ok {
		return nil, ErrUnknownDriver
	}
	return copySession(s), nil
}

func (p *MemoryPool) SetPresence(_ context.Context, pr Presence) (*DriverSession, *DriverSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var prev *DriverSession
	s, ok := p.sessions[pr.DriverID]
	if ok {
		prev = copySession(s)
	} else {
		if pr.VehicleType == "" {
			return nil, nil, ErrBadPresence
		}
		s = &DriverSession{DriverID: pr.DriverID}
		p.sessions[pr.DriverID] = s
	}
	applyPresence(s, pr)
	return prev, copySession(s), nil
}

func applyPresence(s *DriverSession, pr Presence) {
	s.Online = pr.Online
	if pr.VehicleType != "" {
		s.VehicleType = pr.VehicleType
	}
	if pr.DeviceToken != "" {
		s.DeviceToken = pr.DeviceToken
	}
	if pr.Location != nil && (s.LastLocation == nil || !pr.At.Before(s.LastLocation.At)) {
		s.LastLocation = &Fix{Point: *pr.Location, At: pr.At}
	}
	s.UpdatedAt = pr.At
}

func (p *MemoryPool) UpdateLocation(_ context.Context, driverID types.ID, pt types.Point, at time.Time) (*DriverSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[driverID]
	if !ok {
		return nil, ErrUnknownDriver
	}
	// Last write wins per source, but an out-of-order older fix never
	// replaces a newer one.
	if s.LastLocation == nil || !at.Before(s.LastLocation.At) {
		s.LastLocation = &Fix{Point: pt, At: at}
		s.UpdatedAt = at
	}
	return copySession(s), nil
}

func (p *MemoryPool) Nearby(_ context.Context, q NearbyQuery) ([]Candidate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Candidate
	for _, s := range p.sessions {
		if !s.Available() || s.VehicleType != q.VehicleType {
			continue
		}
		d := geo.Distance(q.Point, s.LastLocation.Point)
		if d > q.RadiusKm {
			continue
		}
		out = append(out, Candidate{Session: *copySession(s), DistanceKm: d})
	}
	return out, nil
}

func (p *MemoryPool) Reserve(_ context.Context, driverID, bookingID types.ID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[driverID]
	if !ok || !s.Online || s.CurrentBookingID != nil {
		return false, nil
	}
	s.CurrentBookingID = bookingID.Ptr()
	return true, nil
}

func (p *MemoryPool) Release(_ context.Context, driverID, bookingID types.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[driverID]
	if !ok {
		return nil
	}
	if s.CurrentBookingID != nil && *s.CurrentBookingID == bookingID {
		s.CurrentBookingID = nil
	}
	return nil
}

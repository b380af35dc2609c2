// README: Ride offers, driver sessions and per-booking dispatch records.
package dispatch

import (
	"errors"
	"time"

	"rideline/internal/types"
)

type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeDeclined Outcome = "DECLINED"
	OutcomeExpired  Outcome = "EXPIRED"
	// OutcomeWithdrawn closes offers that lost to another driver or whose
	// booking left REQUESTED.
	OutcomeWithdrawn Outcome = "WITHDRAWN"
)

var (
	ErrOfferNotFound   = errors.New("offer not found")
	ErrNotYourOffer    = errors.New("offer belongs to another driver")
	ErrOfferResolved   = errors.New("offer already resolved")
	ErrOfferExpired    = errors.New("offer expired")
	ErrRideUnavailable = errors.New("ride no longer available")
	ErrDriverBusy      = errors.New("driver is not available for a new ride")
	ErrUnknownDriver   = errors.New("driver has no session")
	ErrBadPresence     = errors.New("invalid presence update")
)

type Offer struct {
	ID         types.ID   `json:"id"`
	BookingID  types.ID   `json:"bookingId"`
	DriverID   types.ID   `json:"driverId"`
	OfferedAt  time.Time  `json:"offeredAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Outcome    Outcome    `json:"outcome"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	DistanceKm float64    `json:"distanceKm"`
}

func (o *Offer) Pending() bool {
	return o.Outcome == OutcomePending
}

// Expired reports whether a pending offer is past its deadline.
func (o *Offer) Expired(now time.Time) bool {
	return o.Pending() && !now.Before(o.ExpiresAt)
}

// Fix is a timestamped position report.
type Fix struct {
	types.Point
	At time.Time
}

type DriverSession struct {
	DriverID         types.ID
	VehicleType      types.VehicleType
	Online           bool
	LastLocation     *Fix
	CurrentBookingID *types.ID
	DeviceToken      string
	UpdatedAt        time.Time
}

// Available reports whether the driver may receive a new offer.
func (s *DriverSession) Available() bool {
	return s.Online && s.CurrentBookingID == nil && s.LastLocation != nil
}

// Presence is a driver's online toggle. Empty fields keep stored values.
type Presence struct {
	DriverID    types.ID
	Online      bool
	VehicleType types.VehicleType
	DeviceToken string
	Location    *types.Point
	At          time.Time
}

type NearbyQuery struct {
	Point       types.Point
	RadiusKm    float64
	VehicleType types.VehicleType
}

type Candidate struct {
	Session    DriverSession
	DistanceKm float64
}

// Record is the dispatch bookkeeping of a booking while it is REQUESTED.
// Excluded drivers declined or backed out and are never offered the booking
// again. Offered drivers were tried in the current pass over the candidates;
// the set is cleared when the pass runs out so they become eligible on the
// next scan.
type Record struct {
	BookingID          types.ID          `json:"bookingId"`
	FirstDispatchAt    time.Time         `json:"firstDispatchAt"`
	LastScanAt         time.Time         `json:"lastScanAt"`
	Excluded           map[types.ID]bool `json:"excluded"`
	Offered            map[types.ID]bool `json:"offered"`
	Rounds             int               `json:"rounds"`
	FoundAny           bool              `json:"foundAny"`
	NoDriversSignalled bool              `json:"noDriversSignalled"`
}

func newRecord(bookingID types.ID, now time.Time) *Record {
	return &Record{
		BookingID:       bookingID,
		FirstDispatchAt: now,
		Excluded:        map[types.ID]bool{},
		Offered:         map[types.ID]bool{},
	}
}

func (r *Record) exclude(driverID types.ID) {
	if r.Excluded == nil {
		r.Excluded = map[types.ID]bool{}
	}
	r.Excluded[driverID] = true
}

func (r *Record) markOffered(driverID types.ID) {
	if r.Offered == nil {
		r.Offered = map[types.ID]bool{}
	}
	r.Offered[driverID] = true
}

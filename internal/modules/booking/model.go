// README: Booking aggregate, status definitions and the lifecycle transition table.
package booking

import (
	"time"

	"rideline/internal/types"
)

type Status string

const (
	StatusNone      Status = ""
	StatusRequested Status = "REQUESTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusArrived   Status = "ARRIVED"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

type ActorType string

const (
	ActorRider  ActorType = "rider"
	ActorDriver ActorType = "driver"
	ActorSystem ActorType = "system"
)

// Place is a named pickup or drop point.
type Place struct {
	Name string
	types.Point
}

type Booking struct {
	ID              types.ID
	RiderID         types.ID
	DriverID        *types.ID
	Pickup          Place
	Drop            Place
	VehicleType     types.VehicleType
	Price           types.Money
	DistanceKm      float64
	Status          Status
	StatusVersion   int
	CreatedAt       time.Time
	StatusUpdatedAt time.Time
	CancelledBy     ActorType
	CancelReason    string
}

// Terminal reports whether the booking accepts no further transitions.
func (b *Booking) Terminal() bool {
	return IsTerminal(b.Status)
}

// HasParty reports whether uid is the rider or the assigned driver.
func (b *Booking) HasParty(uid types.ID) bool {
	return b.RiderID == uid || b.AssignedTo(uid)
}

func (b *Booking) AssignedTo(driverID types.ID) bool {
	return b.DriverID != nil && *b.DriverID == driverID
}

// Event is one entry of the append-only status audit log.
type Event struct {
	ID        int64
	BookingID types.ID
	From      Status
	To        Status
	ActorType ActorType
	ActorID   *types.ID
	Reason    string
	CreatedAt time.Time
}

// StatusChange is a compare-and-set against (From, Version).
type StatusChange struct {
	ID           types.ID
	From         Status
	To           Status
	Version      int
	DriverID     *types.ID
	ClearDriver  bool
	CancelledBy  ActorType
	CancelReason string
	At           time.Time
}

// Transition is delivered to listeners after a status change commits.
type Transition struct {
	Booking      Booking
	From         Status
	To           Status
	PrevDriverID *types.ID
	Event        Event
}

// AllowedTransitions represents the ride lifecycle as code.
var AllowedTransitions = map[Status][]Status{
	StatusRequested: {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusRequested, StatusArrived, StatusCancelled},
	StatusArrived:   {StatusStarted, StatusCancelled},
	StatusStarted:   {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusRequested, StatusAccepted, StatusArrived, StatusStarted}

// ParseStatus accepts any known status name.
func ParseStatus(v string) (Status, bool) {
	switch s := Status(v); s {
	case StatusRequested, StatusAccepted, StatusArrived, StatusStarted, StatusCompleted, StatusCancelled:
		return s, true
	}
	return "", false
}

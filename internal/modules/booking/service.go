// README: Booking service owns the ride lifecycle state machine and its persistence.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"rideline/internal/modules/geo"
	"rideline/internal/observability"
	"rideline/internal/types"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrOtpNotVerified    = errors.New("otp not verified")
	ErrNotFound          = errors.New("booking not found")
	ErrConflict          = errors.New("booking state conflict")
	ErrActiveBooking     = errors.New("rider has an active booking")
	ErrBadRequest        = errors.New("bad request")
	ErrForbidden         = errors.New("caller is not a party to the booking")
	ErrNotAssigned       = errors.New("driver is not assigned to the booking")
)

// Store persists bookings and their audit log. UpdateStatus must apply the
// change and append the event atomically, and report false when the
// (From, Version) precondition no longer holds.
type Store interface {
	Create(ctx context.Context, b *Booking, e *Event) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	UpdateStatus(ctx context.Context, ch StatusChange, e *Event) (bool, error)
	ListEvents(ctx context.Context, id types.ID) ([]Event, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Booking, error)
	ActiveByRider(ctx context.Context, riderID types.ID) (*Booking, error)
	ActiveByDriver(ctx context.Context, driverID types.ID) (*Booking, error)
}

type Pricer interface {
	Estimate(ctx context.Context, distanceKm float64, vehicle types.VehicleType) (types.Money, error)
}

// StartGate reports whether the trip-start code for a booking was verified.
type StartGate interface {
	Verified(ctx context.Context, bookingID types.ID) (bool, error)
}

type TransitionListener interface {
	OnTransition(ctx context.Context, t Transition)
}

// ListenerFunc adapts a plain function to TransitionListener.
type ListenerFunc func(ctx context.Context, t Transition)

func (f ListenerFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }

type Service struct {
	store   Store
	pricing Pricer
	gate    StartGate
	log     *zap.Logger
	now     func() time.Time

	mu        sync.RWMutex
	listeners []TransitionListener
}

func NewService(store Store, pricing Pricer, gate StartGate, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, pricing: pricing, gate: gate, log: log, now: time.Now}
}

// Subscribe registers l for every committed transition. Listeners run
// synchronously, in registration order, on the goroutine that committed.
func (s *Service) Subscribe(l TransitionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

type CreateCommand struct {
	RiderID     types.ID
	Pickup      Place
	Drop        Place
	VehicleType types.VehicleType
}

type AcceptCommand struct {
	BookingID types.ID
	DriverID  types.ID
}

// ReleaseCommand returns an accepted booking to dispatch. ActorID is the
// driver backing out, or nil for system timeouts.
type ReleaseCommand struct {
	BookingID types.ID
	ActorType ActorType
	ActorID   *types.ID
	Reason    string
}

type ArriveCommand struct {
	BookingID types.ID
	DriverID  types.ID
}

type StartCommand struct {
	BookingID types.ID
	ActorType ActorType
	ActorID   *types.ID
}

type CompleteCommand struct {
	BookingID types.ID
	DriverID  types.ID
}

type CancelCommand struct {
	BookingID types.ID
	ActorType ActorType
	ActorID   *types.ID
	Reason    string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Booking, error) {
	if cmd.RiderID == "" || !cmd.Pickup.Valid() || !cmd.Drop.Valid() {
		return nil, ErrBadRequest
	}
	if _, ok := types.ParseVehicleType(string(cmd.VehicleType)); !ok {
		return nil, ErrBadRequest
	}
	if cmd.Pickup.Point == cmd.Drop.Point {
		return nil, fmt.Errorf("%w: pickup and drop are the same point", ErrBadRequest)
	}
	active, err := s.store.ActiveByRider(ctx, cmd.RiderID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrActiveBooking
	}

	distance := geo.Distance(cmd.Pickup.Point, cmd.Drop.Point)
	price, err := s.pricing.Estimate(ctx, distance, cmd.VehicleType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	now := s.now()
	b := &Booking{
		ID:              types.NewID(),
		RiderID:         cmd.RiderID,
		Pickup:          cmd.Pickup,
		Drop:            cmd.Drop,
		VehicleType:     cmd.VehicleType,
		Price:           price,
		DistanceKm:      distance,
		Status:          StatusRequested,
		CreatedAt:       now,
		StatusUpdatedAt: now,
	}
	ev := &Event{
		BookingID: b.ID,
		From:      StatusNone,
		To:        StatusRequested,
		ActorType: ActorRider,
		ActorID:   cmd.RiderID.Ptr(),
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, b, ev); err != nil {
		return nil, err
	}
	s.log.Info("booking created",
		zap.String("booking_id", string(b.ID)),
		zap.String("rider_id", string(b.RiderID)),
		zap.String("vehicle_type", string(b.VehicleType)),
		zap.Float64("distance_km", distance),
	)
	s.notify(ctx, Transition{Booking: *b, From: StatusNone, To: StatusRequested, Event: *ev})
	return b, nil
}

func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Booking, error) {
	if cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	return s.transition(ctx, cmd.BookingID, StatusAccepted, ActorDriver, cmd.DriverID.Ptr(), "",
		func(b *Booking, ch *StatusChange) error {
			ch.DriverID = cmd.DriverID.Ptr()
			return nil
		})
}

func (s *Service) Release(ctx context.Context, cmd ReleaseCommand) (*Booking, error) {
	return s.transition(ctx, cmd.BookingID, StatusRequested, cmd.ActorType, cmd.ActorID, cmd.Reason,
		func(b *Booking, ch *StatusChange) error {
			if err := requireAssigned(b, cmd.ActorType, cmd.ActorID); err != nil {
				return err
			}
			ch.ClearDriver = true
			return nil
		})
}

func (s *Service) Arrive(ctx context.Context, cmd ArriveCommand) (*Booking, error) {
	return s.transition(ctx, cmd.BookingID, StatusArrived, ActorDriver, cmd.DriverID.Ptr(), "",
		func(b *Booking, _ *StatusChange) error {
			return requireAssigned(b, ActorDriver, cmd.DriverID.Ptr())
		})
}

// Start moves ARRIVED to STARTED once the booking's code was verified.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Booking, error) {
	return s.transition(ctx, cmd.BookingID, StatusStarted, cmd.ActorType, cmd.ActorID, "",
		func(b *Booking, _ *StatusChange) error {
			if err := requireAssigned(b, cmd.ActorType, cmd.ActorID); err != nil {
				return err
			}
			if s.gate == nil {
				return ErrOtpNotVerified
			}
			ok, err := s.gate.Verified(ctx, b.ID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrOtpNotVerified
			}
			return nil
		})
}

func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Booking, error) {
	return s.transition(ctx, cmd.BookingID, StatusCompleted, ActorDriver, cmd.DriverID.Ptr(), "",
		func(b *Booking, _ *StatusChange) error {
			return requireAssigned(b, ActorDriver, cmd.DriverID.Ptr())
		})
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Booking, error) {
	return s.transition(ctx, cmd.BookingID, StatusCancelled, cmd.ActorType, cmd.ActorID, cmd.Reason,
		func(b *Booking, ch *StatusChange) error {
			switch cmd.ActorType {
			case ActorRider:
				if cmd.ActorID == nil || *cmd.ActorID != b.RiderID {
					return ErrForbidden
				}
			case ActorDriver:
				if err := requireAssigned(b, ActorDriver, cmd.ActorID); err != nil {
					return err
				}
			case ActorSystem:
			default:
				return ErrBadRequest
			}
			ch.CancelledBy = cmd.ActorType
			ch.CancelReason = cmd.Reason
			return nil
		})
}

// UpdateStatus is the driver-facing entry for ARRIVED, STARTED and COMPLETED.
func (s *Service) UpdateStatus(ctx context.Context, id, driverID types.ID, to Status) (*Booking, error) {
	switch to {
	case StatusArrived:
		return s.Arrive(ctx, ArriveCommand{BookingID: id, DriverID: driverID})
	case StatusStarted:
		return s.Start(ctx, StartCommand{BookingID: id, ActorType: ActorDriver, ActorID: driverID.Ptr()})
	case StatusCompleted:
		return s.Complete(ctx, CompleteCommand{BookingID: id, DriverID: driverID})
	}
	if _, ok := ParseStatus(string(to)); !ok {
		return nil, ErrBadRequest
	}
	return nil, ErrIllegalTransition
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// ListAwaitingDispatch returns REQUESTED bookings, oldest first.
func (s *Service) ListAwaitingDispatch(ctx context.Context, limit int) ([]Booking, error) {
	return s.store.ListByStatus(ctx, StatusRequested, limit)
}

// ActiveFor returns the non-terminal booking uid takes part in, or nil.
func (s *Service) ActiveFor(ctx context.Context, uid types.ID, role ActorType) (*Booking, error) {
	if role == ActorDriver {
		return s.store.ActiveByDriver(ctx, uid)
	}
	return s.store.ActiveByRider(ctx, uid)
}

func requireAssigned(b *Booking, actor ActorType, actorID *types.ID) error {
	if actor != ActorDriver {
		return nil
	}
	if actorID == nil || !b.AssignedTo(*actorID) {
		return ErrNotAssigned
	}
	return nil
}

// transition validates and applies one status change. guard may reject the
// change or fill in the driver/cancel fields of ch.
func (s *Service) transition(
	ctx context.Context,
	id types.ID,
	to Status,
	actor ActorType,
	actorID *types.ID,
	reason string,
	guard func(b *Booking, ch *StatusChange) error,
) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(b.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, b.Status, to)
	}

	now := s.now()
	ch := StatusChange{ID: b.ID, From: b.Status, To: to, Version: b.StatusVersion, At: now}
	if guard != nil {
		if err := guard(b, &ch); err != nil {
			return nil, err
		}
	}
	ev := &Event{
		BookingID: b.ID,
		From:      b.Status,
		To:        to,
		ActorType: actor,
		ActorID:   actorID,
		Reason:    reason,
		CreatedAt: now,
	}
	ok, err := s.store.UpdateStatus(ctx, ch, ev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	prevDriver := b.DriverID
	updated := *b
	updated.Status = to
	updated.StatusVersion++
	updated.StatusUpdatedAt = now
	switch {
	case ch.ClearDriver:
		updated.DriverID = nil
	case ch.DriverID != nil:
		updated.DriverID = ch.DriverID
	}
	if to == StatusCancelled {
		updated.CancelledBy = ch.CancelledBy
		updated.CancelReason = ch.CancelReason
	}

	observability.TransitionsTotal.WithLabelValues(string(b.Status), string(to)).Inc()
	if to == StatusAccepted {
		observability.MatchLatency.Observe(now.Sub(b.CreatedAt).Seconds())
	}
	s.log.Info("booking transition",
		zap.String("booking_id", string(b.ID)),
		zap.String("from", string(b.Status)),
		zap.String("to", string(to)),
		zap.String("actor", string(actor)),
	)
	s.notify(ctx, Transition{Booking: updated, From: b.Status, To: to, PrevDriverID: prevDriver, Event: *ev})
	return &updated, nil
}

func (s *Service) notify(ctx context.Context, t Transition) {
	s.mu.RLock()
	ls := make([]TransitionListener, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.RUnlock()
	for _, l := range ls {
		s.safeNotify(ctx, l, t)
	}
}

func (s *Service) safeNotify(ctx context.Context, l TransitionListener, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("transition listener panicked",
				zap.String("booking_id", string(t.Booking.ID)),
				zap.Any("panic", r),
			)
		}
	}()
	l.OnTransition(ctx, t)
}

// ReleaseStale returns ACCEPTED bookings whose driver has not arrived within
// timeout to dispatch. It reports how many were released.
func (s *Service) ReleaseStale(ctx context.Context, timeout time.Duration) (int, error) {
	accepted, err := s.store.ListByStatus(ctx, StatusAccepted, 0)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-timeout)
	released := 0
	for _, b := range accepted {
		if b.StatusUpdatedAt.After(cutoff) {
			continue
		}
		_, err := s.Release(ctx, ReleaseCommand{BookingID: b.ID, ActorType: ActorSystem, Reason: "arrival_timeout"})
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrIllegalTransition) {
			continue
		}
		if err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (s *Service) RunTimeoutMonitor(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReleaseStale(ctx, timeout)
			if err != nil {
				s.log.Warn("arrival timeout sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("released stale bookings", zap.Int("count", n))
			}
		}
	}
}

// maxReasonBytes bounds a stored cancel or release reason.
const maxReasonBytes = 200

// NormalizeReason trims a free-text reason to a storable length without
// splitting a multi-byte rune.
func NormalizeReason(r string) string {
	r = strings.TrimSpace(r)
	if len(r) <= maxReasonBytes {
		return r
	}
	cut := maxReasonBytes
	for cut > 0 && !utf8.RuneStart(r[cut]) {
		cut--
	}
	return r[:cut]
}

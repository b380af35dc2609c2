// README: Dispatch engine offers REQUESTED bookings to nearby drivers and resolves their responses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"rideline/internal/config"
	"rideline/internal/modules/booking"
	"rideline/internal/observability"
	"rideline/internal/types"
)

// Lifecycle is the slice of the booking service the engine drives.
type Lifecycle interface {
	Get(ctx context.Context, id types.ID) (*booking.Booking, error)
	Accept(ctx context.Context, cmd booking.AcceptCommand) (*booking.Booking, error)
	ListAwaitingDispatch(ctx context.Context, limit int) ([]booking.Booking, error)
}

// Notifier tells drivers and riders about offer activity. Calls must not block.
type Notifier interface {
	OfferCreated(ctx context.Context, o Offer, b booking.Booking, s DriverSession)
	OfferClosed(ctx context.Context, o Offer)
	NoDriversAvailable(ctx context.Context, b booking.Booking)
}

type Engine struct {
	store    Store
	pool     Pool
	bookings Lifecycle
	notifier Notifier
	cfg      config.DispatchConfig
	log      *zap.Logger
	now      func() time.Time
	locks    keyedMutex
}

func NewEngine(store Store, pool Pool, bookings Lifecycle, notifier Notifier, cfg config.DispatchConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    store,
		pool:     pool,
		bookings: bookings,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Dispatch runs one scan for the booking: it tops up pending offers to the
// policy's target and records the round.
func (e *Engine) Dispatch(ctx context.Context, bookingID types.ID) error {
	unlock := e.locks.lock(bookingID)
	defer unlock()
	return e.advanceLocked(ctx, bookingID)
}

func (e *Engine) target() int {
	if e.cfg.Policy == config.PolicyBroadcast && e.cfg.BroadcastFanout > 0 {
		return e.cfg.BroadcastFanout
	}
	return 1
}

func (e *Engine) advanceLocked(ctx context.Context, bookingID types.ID) error {
	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != booking.StatusRequested {
		return nil
	}
	now := e.now()
	rec, err := e.store.GetRecord(ctx, bookingID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = newRecord(bookingID, now)
	}

	pending, err := e.store.PendingOffers(ctx, bookingID)
	if err != nil {
		return err
	}
	live := pending[:0]
	for _, o := range pending {
		if o.Expired(now) {
			e.closeOffer(ctx, o, OutcomeExpired, now)
			continue
		}
		live = append(live, o)
	}

	rec.Rounds++
	rec.LastScanAt = now
	created := 0
	if need := e.target() - len(live); need > 0 {
		skip := make(map[types.ID]bool, len(live))
		for _, o := range live {
			skip[o.DriverID] = true
		}
		cands, err := e.candidates(ctx, b, rec, skip, need)
		if err != nil {
			return err
		}
		for _, c := range cands {
			if err := e.offer(ctx, b, c, now); err != nil {
				return err
			}
			rec.markOffered(c.Session.DriverID)
			created++
		}
	}

	if created > 0 {
		rec.FoundAny = true
	}
	if created == 0 && len(live) == 0 {
		rec.Offered = map[types.ID]bool{}
		e.log.Debug("no eligible drivers",
			zap.String("booking_id", string(b.ID)),
			zap.Int("round", rec.Rounds),
		)
		if !rec.FoundAny && !rec.NoDriversSignalled && now.Sub(rec.FirstDispatchAt) >= e.cfg.MaxRetryWindow {
			rec.NoDriversSignalled = true
			observability.DispatchNoDriversTotal.Inc()
			e.log.Info("no drivers available", zap.String("booking_id", string(b.ID)))
			if e.notifier != nil {
				e.notifier.NoDriversAvailable(ctx, *b)
			}
		}
	}
	return e.store.SaveRecord(ctx, rec)
}

// candidates searches outward from the pickup until need drivers are found or
// the maximum radius is reached. Results are ranked by distance, then by the
// freshest fix.
func (e *Engine) candidates(ctx context.Context, b *booking.Booking, rec *Record, skip map[types.ID]bool, need int) ([]Candidate, error) {
	var picked []Candidate
	radius := e.cfg.InitialRadiusKm
	for {
		found, err := e.pool.Nearby(ctx, NearbyQuery{Point: b.Pickup.Point, RadiusKm: radius, VehicleType: b.VehicleType})
		if err != nil {
			return nil, err
		}
		picked = picked[:0]
		for _, c := range found {
			id := c.Session.DriverID
			if rec.Excluded[id] || rec.Offered[id] || skip[id] {
				continue
			}
			busy, err := e.store.PendingForDriver(ctx, id)
			if err != nil {
				return nil, err
			}
			if len(busy) > 0 {
				continue
			}
			picked = append(picked, c)
		}
		if len(picked) >= need || e.cfg.RadiusStepKm <= 0 || radius >= e.cfg.MaxRadiusKm {
			break
		}
		radius += e.cfg.RadiusStepKm
		if radius > e.cfg.MaxRadiusKm {
			radius = e.cfg.MaxRadiusKm
		}
	}
	rankCandidates(picked)
	if len(picked) > need {
		picked = picked[:need]
	}
	return picked, nil
}

func rankCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		fa, fb := a.Session.LastLocation.At, b.Session.LastLocation.At
		if !fa.Equal(fb) {
			return fa.After(fb)
		}
		return a.Session.DriverID < b.Session.DriverID
	})
}

func (e *Engine) offer(ctx context.Context, b *booking.Booking, c Candidate, now time.Time) error {
	o := Offer{
		ID:         types.NewID(),
		BookingID:  b.ID,
		DriverID:   c.Session.DriverID,
		OfferedAt:  now,
		ExpiresAt:  now.Add(e.cfg.OfferTTL),
		Outcome:    OutcomePending,
		DistanceKm: c.DistanceKm,
	}
	if err := e.store.CreateOffer(ctx, &o); err != nil {
		return err
	}
	observability.OffersTotal.WithLabelValues("offered").Inc()
	e.log.Info("ride offered",
		zap.String("booking_id", string(b.ID)),
		zap.String("offer_id", string(o.ID)),
		zap.String("driver_id", string(o.DriverID)),
		zap.Float64("distance_km", c.DistanceKm),
	)
	if e.notifier != nil {
		e.notifier.OfferCreated(ctx, o, *b, c.Session)
	}
	return nil
}

// closeOffer resolves a pending offer the driver did not answer.
func (e *Engine) closeOffer(ctx context.Context, o Offer, to Outcome, at time.Time) {
	ok, err := e.store.ResolveOffer(ctx, &o, to, at)
	if err != nil {
		e.log.Warn("resolve offer failed", zap.String("offer_id", string(o.ID)), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	o.Outcome = to
	o.ResolvedAt = &at
	observability.OffersTotal.WithLabelValues(outcomeLabel(to)).Inc()
	if e.notifier != nil {
		e.notifier.OfferClosed(ctx, o)
	}
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDeclined:
		return "declined"
	case OutcomeExpired:
		return "expired"
	case OutcomeWithdrawn:
		return "withdrawn"
	}
	return "offered"
}

type RespondCommand struct {
	OfferID  types.ID
	DriverID types.ID
	Accept   bool
}

type RespondResult struct {
	Offer   Offer
	Booking *booking.Booking
}

// Respond applies a driver's answer to an offer. Of any number of concurrent
// accepts for one booking exactly one wins; the rest get ErrRideUnavailable.
func (e *Engine) Respond(ctx context.Context, cmd RespondCommand) (*RespondResult, error) {
	o, err := e.store.GetOffer(ctx, cmd.OfferID)
	if err != nil {
		return nil, err
	}
	if o.DriverID != cmd.DriverID {
		return nil, ErrNotYourOffer
	}

	unlock := e.locks.lock(o.BookingID)
	defer unlock()

	if o, err = e.store.GetOffer(ctx, cmd.OfferID); err != nil {
		return nil, err
	}
	if !o.Pending() {
		if o.Outcome == OutcomeWithdrawn {
			return nil, ErrRideUnavailable
		}
		return nil, fmt.Errorf("%w: %s", ErrOfferResolved, o.Outcome)
	}
	now := e.now()
	if o.Expired(now) {
		e.closeOffer(ctx, *o, OutcomeExpired, now)
		e.advance(ctx, o.BookingID)
		return nil, ErrOfferExpired
	}

	if !cmd.Accept {
		if err := e.resolve(ctx, o, OutcomeDeclined, now); err != nil {
			return nil, err
		}
		if err := e.excludeLocked(ctx, o.BookingID, o.DriverID, now); err != nil {
			return nil, err
		}
		e.log.Info("ride offer declined",
			zap.String("booking_id", string(o.BookingID)),
			zap.String("driver_id", string(o.DriverID)),
		)
		e.advance(ctx, o.BookingID)
		return &RespondResult{Offer: *o}, nil
	}

	ok, err := e.pool.Reserve(ctx, o.DriverID, o.BookingID)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.closeOffer(ctx, *o, OutcomeWithdrawn, now)
		e.advance(ctx, o.BookingID)
		return nil, ErrDriverBusy
	}

	b, err := e.bookings.Accept(ctx, booking.AcceptCommand{BookingID: o.BookingID, DriverID: o.DriverID})
	if err != nil {
		if rerr := e.pool.Release(ctx, o.DriverID, o.BookingID); rerr != nil {
			e.log.Warn("release driver failed", zap.String("driver_id", string(o.DriverID)), zap.Error(rerr))
		}
		e.closeOffer(ctx, *o, OutcomeWithdrawn, now)
		if errors.Is(err, booking.ErrConflict) || errors.Is(err, booking.ErrIllegalTransition) {
			return nil, ErrRideUnavailable
		}
		return nil, err
	}

	if err := e.resolve(ctx, o, OutcomeAccepted, now); err != nil {
		e.log.Warn("mark offer accepted failed", zap.String("offer_id", string(o.ID)), zap.Error(err))
	}
	e.withdrawPending(ctx, o.BookingID, now)
	if err := e.store.DeleteRecord(ctx, o.BookingID); err != nil {
		e.log.Warn("delete dispatch record failed", zap.String("booking_id", string(o.BookingID)), zap.Error(err))
	}
	e.log.Info("ride offer accepted",
		zap.String("booking_id", string(o.BookingID)),
		zap.String("driver_id", string(o.DriverID)),
	)
	return &RespondResult{Offer: *o, Booking: b}, nil
}

// resolve marks o as to and updates it in place.
func (e *Engine) resolve(ctx context.Context, o *Offer, to Outcome, at time.Time) error {
	ok, err := e.store.ResolveOffer(ctx, o, to, at)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOfferResolved
	}
	o.Outcome = to
	o.ResolvedAt = &at
	observability.OffersTotal.WithLabelValues(outcomeLabel(to)).Inc()
	return nil
}

func (e *Engine) withdrawPending(ctx context.Context, bookingID types.ID, at time.Time) {
	pending, err := e.store.PendingOffers(ctx, bookingID)
	if err != nil {
		e.log.Warn("list pending offers failed", zap.String("booking_id", string(bookingID)), zap.Error(err))
		return
	}
	for _, p := range pending {
		e.closeOffer(ctx, p, OutcomeWithdrawn, at)
	}
}

func (e *Engine) excludeLocked(ctx context.Context, bookingID, driverID types.ID, now time.Time) error {
	rec, err := e.store.GetRecord(ctx, bookingID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = newRecord(bookingID, now)
	}
	rec.exclude(driverID)
	return e.store.SaveRecord(ctx, rec)
}

// advance rescans a booking whose lock is already held and logs failures.
func (e *Engine) advance(ctx context.Context, bookingID types.ID) {
	if err := e.advanceLocked(ctx, bookingID); err != nil {
		e.log.Warn("dispatch advance failed", zap.String("booking_id", string(bookingID)), zap.Error(err))
	}
}

// OnTransition keeps offers and driver reservations in step with the booking
// lifecycle.
func (e *Engine) OnTransition(ctx context.Context, t booking.Transition) {
	id := t.Booking.ID
	now := e.now()
	switch {
	case t.From == booking.StatusNone && t.To == booking.StatusRequested:
		if err := e.Dispatch(ctx, id); err != nil {
			e.log.Warn("initial dispatch failed", zap.String("booking_id", string(id)), zap.Error(err))
		}
	case t.To == booking.StatusCancelled:
		unlock := e.locks.lock(id)
		e.withdrawPending(ctx, id, now)
		if err := e.store.DeleteRecord(ctx, id); err != nil {
			e.log.Warn("delete dispatch record failed", zap.String("booking_id", string(id)), zap.Error(err))
		}
		unlock()
		e.releaseDriver(ctx, t.Booking.DriverID, id)
	case t.To == booking.StatusCompleted:
		e.releaseDriver(ctx, t.Booking.DriverID, id)
	case t.From == booking.StatusAccepted && t.To == booking.StatusRequested:
		e.releaseDriver(ctx, t.PrevDriverID, id)
		unlock := e.locks.lock(id)
		defer unlock()
		if t.PrevDriverID != nil {
			if err := e.excludeLocked(ctx, id, *t.PrevDriverID, now); err != nil {
				e.log.Warn("exclude released driver failed", zap.String("booking_id", string(id)), zap.Error(err))
			}
		}
		e.advance(ctx, id)
	}
}

func (e *Engine) releaseDriver(ctx context.Context, driverID *types.ID, bookingID types.ID) {
	if driverID == nil {
		return
	}
	if err := e.pool.Release(ctx, *driverID, bookingID); err != nil {
		e.log.Warn("release driver failed",
			zap.String("driver_id", string(*driverID)),
			zap.String("booking_id", string(bookingID)),
			zap.Error(err),
		)
	}
}

// SetPresence records a driver's online state. Going offline withdraws the
// driver's pending offers so their bookings fall through to the next driver.
func (e *Engine) SetPresence(ctx context.Context, p Presence) (*DriverSession, error) {
	if p.DriverID == "" {
		return nil, ErrBadPresence
	}
	if p.Location != nil && !p.Location.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrBadPresence)
	}
	if p.At.IsZero() {
		p.At = e.now()
	}
	prev, cur, err := e.pool.SetPresence(ctx, p)
	if err != nil {
		return nil, err
	}
	wasOnline := prev != nil && prev.Online
	switch {
	case cur.Online && !wasOnline:
		observability.DriversOnline.Inc()
	case !cur.Online && wasOnline:
		observability.DriversOnline.Dec()
	}
	e.log.Info("driver presence",
		zap.String("driver_id", string(p.DriverID)),
		zap.Bool("online", cur.Online),
		zap.String("vehicle_type", string(cur.VehicleType)),
	)
	if !cur.Online {
		e.withdrawDriver(ctx, p.DriverID)
	}
	return cur, nil
}

func (e *Engine) withdrawDriver(ctx context.Context, driverID types.ID) {
	offers, err := e.store.PendingForDriver(ctx, driverID)
	if err != nil {
		e.log.Warn("list driver offers failed", zap.String("driver_id", string(driverID)), zap.Error(err))
		return
	}
	for _, o := range offers {
		unlock := e.locks.lock(o.BookingID)
		e.closeOffer(ctx, o, OutcomeWithdrawn, e.now())
		e.advance(ctx, o.BookingID)
		unlock()
	}
}

func (e *Engine) UpdateLocation(ctx context.Context, driverID types.ID, pt types.Point, at time.Time) (*DriverSession, error) {
	if !pt.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrBadPresence)
	}
	if at.IsZero() {
		at = e.now()
	}
	return e.pool.UpdateLocation(ctx, driverID, pt, at)
}

func (e *Engine) Session(ctx context.Context, driverID types.ID) (*DriverSession, error) {
	return e.pool.Get(ctx, driverID)
}

// PendingForDriver lists the driver's unexpired pending offers.
func (e *Engine) PendingForDriver(ctx context.Context, driverID types.ID) ([]Offer, error) {
	offers, err := e.store.PendingForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := offers[:0]
	for _, o := range offers {
		if !o.Expired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// keyedMutex serializes engine work per booking within one process. Across
// processes the booking compare-and-set and offer resolution still decide.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.ID]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id types.ID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[types.ID]*refLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

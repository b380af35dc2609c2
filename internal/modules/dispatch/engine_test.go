// README: Dispatch engine tests (ranking, fallthrough, first-accept-wins, lifecycle coupling).
package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rideline/internal/config"
	"rideline/internal/modules/booking"
	"rideline/internal/modules/pricing"
	"rideline/internal/types"
)

var (
	pickup = booking.Place{Name: "Connaught Place", Point: types.Point{Lat: 28.60, Lng: 77.20}}
	drop   = booking.Place{Name: "Okhla", Point: types.Point{Lat: 28.55, Lng: 77.25}}
)

type notices struct {
	mu        sync.Mutex
	offered   []Offer
	closed    []Offer
	noDrivers []types.ID
}

func (n *notices) OfferCreated(_ context.Context, o Offer, _ booking.Booking, _ DriverSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offered = append(n.offered, o)
}

func (n *notices) OfferClosed(_ context.Context, o Offer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, o)
}

func (n *notices) NoDriversAvailable(_ context.Context, b booking.Booking) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.noDrivers = append(n.noDrivers, b.ID)
}

func (n *notices) offerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.offered)
}

type fixture struct {
	bookings *booking.Service
	engine   *Engine
	store    *MemoryStore
	pool     *MemoryPool
	notices  *notices
	clock    time.Time
}

func testDispatchConfig() config.DispatchConfig {
	return config.Defaults().Dispatch
}

// verifiedGate treats every trip-start code as verified.
type verifiedGate struct{}

func (verifiedGate) Verified(context.Context, types.ID) (bool, error) { return true, nil }

func newFixture(t *testing.T, cfg config.DispatchConfig) *fixture {
	t.Helper()
	return newGatedFixture(t, cfg, nil)
}

func newGatedFixture(t *testing.T, cfg config.DispatchConfig, gate booking.StartGate) *fixture {
	t.Helper()
	pr := pricing.NewService(config.PricingConfig{RatePerKm: 20, Currency: "INR"})
	f := &fixture{
		bookings: booking.NewService(booking.NewMemoryStore(), pr, gate, nil),
		store:    NewMemoryStore(),
		pool:     NewMemoryPool(),
		notices:  &notices{},
		clock:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.store, f.pool, f.bookings, f.notices, cfg, nil)
	f.engine.now = func() time.Time { return f.clock }
	f.bookings.Subscribe(f.engine)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) online(t *testing.T, id types.ID, vt types.VehicleType, lat, lng float64) {
	t.Helper()
	f.onlineAt(t, id, vt, lat, lng, f.clock)
}

func (f *fixture) onlineAt(t *testing.T, id types.ID, vt types.VehicleType, lat, lng float64, at time.Time) {
	t.Helper()
	pt := types.Point{Lat: lat, Lng: lng}
	if _, err := f.engine.SetPresence(context.Background(), Presence{
		DriverID: id, Online: true, VehicleType: vt, Location: &pt, At: at,
	}); err != nil {
		t.Fatalf("set presence %s: %v", id, err)
	}
}

func (f *fixture) request(t *testing.T, rider types.ID) *booking.Booking {
	t.Helper()
	b, err := f.bookings.Create(context.Background(), booking.CreateCommand{
		RiderID: rider, Pickup: pickup, Drop: drop, VehicleType: types.VehicleSedan,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func (f *fixture) pending(t *testing.T, bookingID types.ID) []Offer {
	t.Helper()
	offers, err := f.store.PendingOffers(context.Background(), bookingID)
	if err != nil {
		t.Fatalf("pending offers: %v", err)
	}
	return offers
}

func (f *fixture) onlyPending(t *testing.T, bookingID types.ID) Offer {
	t.Helper()
	offers := f.pending(t, bookingID)
	if len(offers) != 1 {
		t.Fatalf("expected exactly one pending offer, got %d", len(offers))
	}
	return offers[0]
}

func (f *fixture) status(t *testing.T, id types.ID) booking.Status {
	t.Helper()
	b, err := f.bookings.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	return b.Status
}

func (f *fixture) offerOutcome(t *testing.T, id types.ID) Outcome {
	t.Helper()
	o, err := f.store.GetOffer(context.Background(), id)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	return o.Outcome
}

func TestDispatch_OffersNearestDriver(t *testing.T) {
	f := newFixture(t, testDispatchConfig())
	f.online(t, "far", types.VehicleSedan, 28.62, 77.20)
	f.online(t, "near", types.VehicleSedan, 28.605, 77.20)
	f.online(t, "auto", types.VehicleAuto, 28.6001, 77.20)

	b := f.request(t, "rider1")
	o := f.onlyPending(t, b.ID)
	if o.DriverID != "near" {
		t.Fatalf("expected nearest sedan driver, got %s", o.DriverID)
	}
	if want := f.clock.Add(15 * time.Second); !o.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", o.ExpiresAt, want)
	}
	if f.status(t, b.ID) != booking.StatusRequested {
		t.Fatalf("booking should stay REQUESTED while offered")
	}
}

func TestDispatch_FresherFixBreaksDistanceTie(t *testing.T) {
	f := newFixture(t, testDispatchConfig())
	f.onlineAt(t, "stale", types.VehicleSedan, 28.605, 77.20, f.clock.Add(-30*time.Second))
	f.onlineAt(t, "fresh", types.VehicleSedan, 28.605, 77.20, f.clock.Add(-5*time.Second))

	b := f.request(t, "rider1")
	if got := f.onlyPending(t, b.ID).DriverID; got != "fresh" {
		t.Fatalf("expected freshest fix to win tie, got %s", got)
	}
}

func TestDispatch_ExpandsRadius(t *testing.T) {
	f := newFixture(t, testDispatchConfig())
	// ~8.9 km north of pickup: outside 5 km, inside 10 km.
	f.online(t, "mid", types.VehicleSedan, 28.68, 77.20)
	// ~22 km: beyond the 15 km cap.
	f.online(t, "out", types.VehicleSedan, 28.80, 77.20)

	b := f.request(t, "rider1")
	o := f.onlyPending(t, b.ID)
	if o.DriverID != "mid" {
		t.Fatalf("expected expanded radius to reach mid, got %s", o.DriverID)
	}
	if o.DistanceKm < 8 || o.DistanceKm > 10 {
		t.Fatalf("unexpected offer distance %.2f", o.DistanceKm)
	}
}

func TestDispatch_ExpiryFallsThroughToNextDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)
	f.online(t, "B", types.VehicleSedan, 28.61, 77.20)

	b := f.request(t, "rider1")
	first := f.onlyPending(t, b.ID)
	if first.DriverID != "A" {
		t.Fatalf("expected first offer to A, got %s", first.DriverID)
	}

	f.advance(10 * time.Second)
	if err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.offerOutcome(t, first.ID) != OutcomePending {
		t.Fatalf("offer should still be pending before its deadline")
	}

	f.advance(5 * time.Second)
	if err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.offerOutcome(t, first.ID); got != OutcomeExpired {
		t.Fatalf("first offer outcome = %s, want EXPIRED", got)
	}
	second := f.onlyPending(t, b.ID)
	if second.DriverID != "B" {
		t.Fatalf("expected fallthrough to B, got %s", second.DriverID)
	}
	if f.status(t, b.ID) != booking.StatusRequested {
		t.Fatalf("booking should remain REQUESTED between offers")
	}

	// Once every candidate was tried the booking waits for the next re-scan,
	// where drivers whose offers expired are eligible again.
	f.advance(15 * time.Second)
	if err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if offers := f.pending(t, b.ID); len(offers) != 0 {
		t.Fatalf("expected no offer until the re-scan, got %+v", offers)
	}
	f.advance(5 * time.Second)
	if err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.onlyPending(t, b.ID).DriverID; got != "A" {
		t.Fatalf("expected A to be offered again, got %s", got)
	}
}

func TestRespond_DeclineExcludesDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)
	f.online(t, "B", types.VehicleSedan, 28.61, 77.20)

	b := f.request(t, "rider1")
	o := f.onlyPending(t, b.ID)
	res, err := f.engine.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: "A", Accept: false})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if res.Offer.Outcome != OutcomeDeclined || res.Booking != nil {
		t.Fatalf("unexpected decline result: %+v", res)
	}
	next := f.onlyPending(t, b.ID)
	if next.DriverID != "B" {
		t.Fatalf("expected B after decline, got %s", next.DriverID)
	}
	if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: next.ID, DriverID: "B"}); err != nil {
		t.Fatalf("B decline: %v", err)
	}

	f.advance(time.Minute)
	if err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if offers := f.pending(t, b.ID); len(offers) != 0 {
		t.Fatalf("declined drivers must not be offered the same booking again, got %+v", offers)
	}
	if f.status(t, b.ID) != booking.StatusRequested {
		t.Fatalf("booking should wait for re-scan in REQUESTED")
	}

	f.online(t, "C", types.VehicleSedan, 28.61, 77.21)
	f.advance(5 * time.Second)
	if err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.onlyPending(t, b.ID).DriverID; got != "C" {
		t.Fatalf("re-scan should pick up the new driver, got %s", got)
	}
}

func TestRespond_AcceptAssignsDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)

	b := f.request(t, "rider1")
	o := f.onlyPending(t, b.ID)
	res, err := f.engine.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: "A", Accept: true})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Booking == nil || res.Booking.Status != booking.StatusAccepted || !res.Booking.AssignedTo("A") {
		t.Fatalf("unexpected accepted booking: %+v", res.Booking)
	}
	if res.Offer.Outcome != OutcomeAccepted {
		t.Fatalf("offer outcome = %s", res.Offer.Outcome)
	}
	s, err := f.pool.Get(ctx, "A")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.CurrentBookingID == nil || *s.CurrentBookingID != b.ID {
		t.Fatalf("driver session should hold the booking, got %+v", s.CurrentBookingID)
	}
	if rec, _ := f.store.GetRecord(ctx, b.ID); rec != nil {
		t.Fatalf("dispatch record should be dropped after accept")
	}

	// A busy driver is not offered another booking.
	other := f.request(t, "rider2")
	if offers := f.pending(t, other.ID); len(offers) != 0 {
		t.Fatalf("busy driver received an offer: %+v", offers)
	}
}

func TestRespond_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)
	f.online(t, "B", types.VehicleSedan, 28.61, 77.20)

	b := f.request(t, "rider1")
	o := f.onlyPending(t, b.ID)

	if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: "B", Accept: true}); !errors.Is(err, ErrNotYourOffer) {
		t.Fatalf("expected ErrNotYourOffer, got %v", err)
	}
	if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: "missing", DriverID: "A"}); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}

	f.advance(16 * time.Second)
	if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: "A", Accept: true}); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
	if got := f.offerOutcome(t, o.ID); got != OutcomeExpired {
		t.Fatalf("late accept should mark the offer EXPIRED, got %s", got)
	}
	if got := f.onlyPending(t, b.ID).DriverID; got != "B" {
		t.Fatalf("late accept should fall through to B, got %s", got)
	}
	if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: "A", Accept: true}); !errors.Is(err, ErrOfferResolved) {
		t.Fatalf("expected ErrOfferResolved on a resolved offer, got %v", err)
	}
	if f.status(t, b.ID) != booking.StatusRequested {
		t.Fatalf("booking must stay REQUESTED")
	}
}

func TestRespond_BroadcastFirstAcceptWins(t *testing.T) {
	ctx := context.Background()
	cfg := testDispatchConfig()
	cfg.Policy = config.PolicyBroadcast
	cfg.BroadcastFanout = 4
	f := newFixture(t, cfg)
	drivers := []types.ID{"d1", "d2", "d3", "d4"}
	for i, id := range drivers {
		f.online(t, id, types.VehicleSedan, 28.601+float64(i)*0.001, 77.20)
	}

	b := f.request(t, "rider1")
	offers := f.pending(t, b.ID)
	if len(offers) != len(drivers) {
		t.Fatalf("expected %d concurrent offers, got %d", len(drivers), len(offers))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	type result struct {
		driver types.ID
		err    error
	}
	results := make(chan result, len(offers))
	for _, o := range offers {
		wg.Add(1)
		go func(o Offer) {
			defer wg.Done()
			<-start
			_, err := f.engine.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: o.DriverID, Accept: true})
			results <- result{o.DriverID, err}
		}(o)
	}
	close(start)
	wg.Wait()
	close(results)

	var winner types.ID
	for r := range results {
		if r.err == nil {
			if winner != "" {
				t.Fatalf("two winners: %s and %s", winner, r.driver)
			}
			winner = r.driver
			continue
		}
		if !errors.Is(r.err, ErrRideUnavailable) {
			t.Fatalf("loser %s got %v, want ErrRideUnavailable", r.driver, r.err)
		}
	}
	if winner == "" {
		t.Fatalf("no accept succeeded")
	}

	got, err := f.bookings.Get(ctx, b.ID)
	if err != nil || got.Status != booking.StatusAccepted || !got.AssignedTo(winner) {
		t.Fatalf("booking = %+v, %v; want ACCEPTED by %s", got, err, winner)
	}
	for _, id := range drivers {
		s, err := f.pool.Get(ctx, id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		held := s.CurrentBookingID != nil
		if held != (id == winner) {
			t.Fatalf("driver %s holds booking = %v, winner is %s", id, held, winner)
		}
	}
	accepted, withdrawn := 0, 0
	for _, o := range offers {
		switch f.offerOutcome(t, o.ID) {
		case OutcomeAccepted:
			accepted++
		case OutcomeWithdrawn:
			withdrawn++
		}
	}
	if accepted != 1 || withdrawn != len(offers)-1 {
		t.Fatalf("accepted=%d withdrawn=%d", accepted, withdrawn)
	}
}

func TestOnTransition_CancelWithdrawsOffers(t *testing.T) {
	ctx := context.Background()
	cfg := testDispatchConfig()
	cfg.Policy = config.PolicyBroadcast
	cfg.BroadcastFanout = 2
	f := newFixture(t, cfg)
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)
	f.online(t, "B", types.VehicleSedan, 28.61, 77.20)

	b := f.request(t, "rider1")
	offers := f.pending(t, b.ID)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	if _, err := f.bookings.Cancel(ctx, booking.CancelCommand{
		BookingID: b.ID, ActorType: booking.ActorRider, ActorID: types.ID("rider1").Ptr(), Reason: "changed plans",
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, o := range offers {
		if got := f.offerOutcome(t, o.ID); got != OutcomeWithdrawn {
			t.Fatalf("offer %s outcome = %s, want WITHDRAWN", o.ID, got)
		}
	}
	if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: offers[0].ID, DriverID: offers[0].DriverID, Accept: true}); !errors.Is(err, ErrRideUnavailable) {
		t.Fatalf("expected ErrRideUnavailable after cancel, got %v", err)
	}
	f.notices.mu.Lock()
	closed := len(f.notices.closed)
	f.notices.mu.Unlock()
	if closed != 2 {
		t.Fatalf("expected 2 withdrawal notices, got %d", closed)
	}
}

func TestOnTransition_CancelAfterAcceptFreesDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)

	b := f.request(t, "rider1")
	o := f.onlyPending(t, b.ID)
	if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: "A", Accept: true}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.bookings.Cancel(ctx, booking.CancelCommand{
		BookingID: b.ID, ActorType: booking.ActorRider, ActorID: types.ID("rider1").Ptr(),
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	s, err := f.pool.Get(ctx, "A")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.CurrentBookingID != nil {
		t.Fatalf("cancel should free the driver, still holds %s", *s.CurrentBookingID)
	}

	next := f.request(t, "rider1")
	if got := f.onlyPending(t, next.ID).DriverID; got != "A" {
		t.Fatalf("freed driver should be dispatchable, got %s", got)
	}
}

func TestOnTransition_CompleteFreesDriver(t *testing.T) {
	ctx := context.Background()
	f := newGatedFixture(t, testDispatchConfig(), verifiedGate{})
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)

	for round := 0; round < 3; round++ {
		b := f.request(t, "rider1")
		o := f.onlyPending(t, b.ID)
		if o.DriverID != "A" {
			t.Fatalf("round %d: offer went to %s, want A", round, o.DriverID)
		}
		if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: "A", Accept: true}); err != nil {
			t.Fatalf("round %d: accept: %v", round, err)
		}
		if _, err := f.bookings.Arrive(ctx, booking.ArriveCommand{BookingID: b.ID, DriverID: "A"}); err != nil {
			t.Fatalf("round %d: arrive: %v", round, err)
		}
		if _, err := f.bookings.Start(ctx, booking.StartCommand{
			BookingID: b.ID, ActorType: booking.ActorDriver, ActorID: types.ID("A").Ptr(),
		}); err != nil {
			t.Fatalf("round %d: start: %v", round, err)
		}
		s, err := f.pool.Get(ctx, "A")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if s.CurrentBookingID == nil || *s.CurrentBookingID != b.ID {
			t.Fatalf("round %d: driver should hold %s while the trip runs", round, b.ID)
		}
		if _, err := f.bookings.Complete(ctx, booking.CompleteCommand{BookingID: b.ID, DriverID: "A"}); err != nil {
			t.Fatalf("round %d: complete: %v", round, err)
		}
		if s, err = f.pool.Get(ctx, "A"); err != nil {
			t.Fatalf("get session: %v", err)
		}
		if s.CurrentBookingID != nil {
			t.Fatalf("round %d: complete should free the driver, still holds %s", round, *s.CurrentBookingID)
		}
	}
}

func TestOnTransition_ReleaseRedispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)
	f.online(t, "B", types.VehicleSedan, 28.61, 77.20)

	b := f.request(t, "rider1")
	o := f.onlyPending(t, b.ID)
	if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: "A", Accept: true}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.bookings.Release(ctx, booking.ReleaseCommand{
		BookingID: b.ID, ActorType: booking.ActorDriver, ActorID: types.ID("A").Ptr(), Reason: "vehicle issue",
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.status(t, b.ID) != booking.StatusRequested {
		t.Fatalf("release should return the booking to REQUESTED")
	}
	if got := f.onlyPending(t, b.ID).DriverID; got != "B" {
		t.Fatalf("expected re-dispatch to B, got %s", got)
	}
	s, _ := f.pool.Get(ctx, "A")
	if s.CurrentBookingID != nil {
		t.Fatalf("released driver should be idle")
	}
}

func TestSetPresence_OfflineWithdrawsOffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)
	f.online(t, "B", types.VehicleSedan, 28.61, 77.20)

	b := f.request(t, "rider1")
	o := f.onlyPending(t, b.ID)
	if _, err := f.engine.SetPresence(ctx, Presence{DriverID: "A", Online: false}); err != nil {
		t.Fatalf("go offline: %v", err)
	}
	if got := f.offerOutcome(t, o.ID); got != OutcomeWithdrawn {
		t.Fatalf("offline driver's offer = %s, want WITHDRAWN", got)
	}
	if got := f.onlyPending(t, b.ID).DriverID; got != "B" {
		t.Fatalf("expected B after A went offline, got %s", got)
	}
}

func TestSetPresence_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	if _, err := f.engine.SetPresence(ctx, Presence{DriverID: "A", Online: true}); !errors.Is(err, ErrBadPresence) {
		t.Fatalf("first registration without vehicle type: %v", err)
	}
	bad := types.Point{Lat: 91, Lng: 0}
	if _, err := f.engine.SetPresence(ctx, Presence{DriverID: "A", Online: true, VehicleType: types.VehicleSedan, Location: &bad}); !errors.Is(err, ErrBadPresence) {
		t.Fatalf("out of range location: %v", err)
	}
	if _, err := f.engine.UpdateLocation(ctx, "ghost", types.Point{Lat: 1, Lng: 1}, f.clock); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("location for unknown driver: %v", err)
	}
}

func TestSweep_SignalsNoDriversOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testDispatchConfig()
	f := newFixture(t, cfg)
	b := f.request(t, "rider1")

	for elapsed := time.Duration(0); elapsed < cfg.MaxRetryWindow; elapsed += cfg.RescanInterval {
		f.advance(cfg.RescanInterval)
		if err := f.engine.Sweep(ctx); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}
	f.advance(cfg.RescanInterval)
	if err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	f.notices.mu.Lock()
	signals := append([]types.ID(nil), f.notices.noDrivers...)
	f.notices.mu.Unlock()
	if len(signals) != 1 || signals[0] != b.ID {
		t.Fatalf("expected one no-drivers signal for %s, got %v", b.ID, signals)
	}
	if f.status(t, b.ID) != booking.StatusRequested {
		t.Fatalf("no drivers is not fatal; booking should stay REQUESTED")
	}

	// Retries continue after the signal.
	f.online(t, "late", types.VehicleSedan, 28.605, 77.20)
	f.advance(cfg.RescanInterval)
	if err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.onlyPending(t, b.ID).DriverID; got != "late" {
		t.Fatalf("expected the late driver to be offered, got %s", got)
	}
}

func TestPendingForDriver_HidesExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)
	f.request(t, "rider1")

	got, err := f.engine.PendingForDriver(ctx, "A")
	if err != nil || len(got) != 1 {
		t.Fatalf("pending for driver = %v, %v", got, err)
	}
	f.advance(15 * time.Second)
	got, err = f.engine.PendingForDriver(ctx, "A")
	if err != nil || len(got) != 0 {
		t.Fatalf("expired offer should be hidden, got %v, %v", got, err)
	}
	if f.notices.offerCount() != 1 {
		t.Fatalf("listing must not create offers")
	}
}

func TestSweep_PurgesLongResolvedOffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testDispatchConfig())
	f.online(t, "A", types.VehicleSedan, 28.605, 77.20)

	first := f.request(t, "rider1")
	declined := f.onlyPending(t, first.ID)
	if _, err := f.engine.Respond(ctx, RespondCommand{OfferID: declined.ID, DriverID: "A", Accept: false}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	second := f.request(t, "rider2")
	live := f.onlyPending(t, second.ID)

	f.advance(resolvedOfferRetention + time.Second)
	if err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := f.store.GetOffer(ctx, declined.ID); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("declined offer should be purged, got err=%v", err)
	}
	// Resolved by this very sweep, so it is still within retention.
	if got := f.offerOutcome(t, live.ID); got != OutcomeExpired {
		t.Fatalf("live offer outcome = %s, want EXPIRED", got)
	}
}

func TestMemoryStore_PurgeResolvedKeepsPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pending := &Offer{ID: "p", BookingID: "b1", DriverID: "d1", OfferedAt: now, ExpiresAt: now.Add(time.Hour), Outcome: OutcomePending}
	old := &Offer{ID: "old", BookingID: "b2", DriverID: "d1", OfferedAt: now, ExpiresAt: now.Add(15 * time.Second), Outcome: OutcomePending}
	for _, o := range []*Offer{pending, old} {
		if err := store.CreateOffer(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if ok, err := store.ResolveOffer(ctx, old, OutcomeDeclined, now); err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}

	n, err := store.PurgeResolved(ctx, now.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v, want 1", n, err)
	}
	if _, err := store.GetOffer(ctx, "p"); err != nil {
		t.Fatalf("pending offer purged: %v", err)
	}
	if _, err := store.GetOffer(ctx, "old"); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("resolved offer kept: %v", err)
	}
}

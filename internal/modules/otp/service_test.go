// README: OTP generation, verification ordering and lifecycle coupling tests.
package otp

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"rideline/internal/config"
	"rideline/internal/modules/booking"
	"rideline/internal/modules/pricing"
	"rideline/internal/types"
)

type capturedCode struct {
	mu    sync.Mutex
	codes map[types.ID]string
	to    map[types.ID]types.ID
}

func (n *capturedCode) OTPGenerated(_ context.Context, b booking.Booking, c Challenge) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codes == nil {
		n.codes = map[types.ID]string{}
		n.to = map[types.ID]types.ID{}
	}
	n.codes[b.ID] = c.Code
	n.to[b.ID] = b.RiderID
}

func (n *capturedCode) code(id types.ID) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[id]
}

type fixture struct {
	bookings *booking.Service
	otp      *Service
	store    Store
	notifier *capturedCode
	clock    time.Time
}

func newFixture(t *testing.T, store Store, autoGenerate bool) *fixture {
	t.Helper()
	pr := pricing.NewService(config.PricingConfig{RatePerKm: 20, Currency: "INR"})
	bookings := booking.NewService(booking.NewMemoryStore(), pr, NewGate(store), nil)
	f := &fixture{bookings: bookings, store: store, notifier: &capturedCode{}}
	f.clock = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.otp = NewService(store, bookings, f.notifier, config.OTPConfig{TTL: 5 * time.Minute, MaxAttempts: 5, AutoGenerate: autoGenerate}, nil)
	f.otp.now = func() time.Time { return f.clock }
	bookings.Subscribe(f.otp)
	return f
}

func (f *fixture) acceptedBooking(t *testing.T, rider, driver types.ID) *booking.Booking {
	t.Helper()
	ctx := context.Background()
	b, err := f.bookings.Create(ctx, booking.CreateCommand{
		RiderID:     rider,
		Pickup:      booking.Place{Name: "A", Point: types.Point{Lat: 28.60, Lng: 77.20}},
		Drop:        booking.Place{Name: "B", Point: types.Point{Lat: 28.55, Lng: 77.25}},
		VehicleType: types.VehicleSedan,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.bookings.Accept(ctx, booking.AcceptCommand{BookingID: b.ID, DriverID: driver}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return b
}

func fixedCode(code string) func() (string, error) {
	return func() (string, error) { return code, nil }
}

func remainingOf(t *testing.T, err error) int {
	t.Helper()
	var invalid *InvalidCodeError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidCodeError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("InvalidCodeError must match ErrInvalidCode")
	}
	return invalid.Remaining
}

// Driver generates "4821", rider submits a wrong code then the right one,
// and the trip can start.
func TestScenario_GenerateVerifyStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), false)
	f.otp.newCode = fixedCode("4821")
	b := f.acceptedBooking(t, "rider_1", "driver_a")

	c, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "driver_a"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if c.AttemptsRemaining != 5 || c.Code != "4821" {
		t.Fatalf("unexpected challenge: %+v", c)
	}
	if !c.ExpiresAt.Equal(f.clock.Add(5 * time.Minute)) {
		t.Errorf("expires at %v", c.ExpiresAt)
	}

	_, err = f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_1", Code: "1234"})
	if got := remainingOf(t, err); got != 4 {
		t.Fatalf("expected InvalidCode(4), got %d", got)
	}

	if _, err := f.bookings.UpdateStatus(ctx, b.ID, "driver_a", booking.StatusArrived); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	res, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_1", Code: "4821"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Challenge.Verified || !res.Started || res.Booking.Status != booking.StatusStarted {
		t.Fatalf("expected verified and started, got %+v", res)
	}
	// The challenge is consumed once the trip starts.
	if _, err := f.store.Get(ctx, b.ID); !errors.Is(err, ErrNoChallenge) {
		t.Errorf("expected challenge consumed, got %v", err)
	}
}

func TestVerifyWhileAccepted_GateOpensLater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), false)
	f.otp.newCode = fixedCode("0042")
	b := f.acceptedBooking(t, "rider_2", "driver_b")
	if _, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "rider_2"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	res, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "driver_b", Code: "0042"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Started || res.Booking.Status != booking.StatusAccepted {
		t.Fatalf("verify while ACCEPTED must not start the trip: %+v", res)
	}
	if _, err := f.bookings.UpdateStatus(ctx, b.ID, "driver_b", booking.StatusArrived); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := f.bookings.UpdateStatus(ctx, b.ID, "driver_b", booking.StatusStarted); err != nil {
		t.Fatalf("start after earlier verify: %v", err)
	}
}

func TestStartWithoutVerificationRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), true)
	b := f.acceptedBooking(t, "rider_3", "driver_c")
	if _, err := f.bookings.UpdateStatus(ctx, b.ID, "driver_c", booking.StatusArrived); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := f.bookings.UpdateStatus(ctx, b.ID, "driver_c", booking.StatusStarted); !errors.Is(err, booking.ErrOtpNotVerified) {
		t.Fatalf("expected ErrOtpNotVerified, got %v", err)
	}
}

func TestAttemptsExhaustedEvenWithCorrectCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), false)
	f.otp.newCode = fixedCode("7777")
	b := f.acceptedBooking(t, "rider_4", "driver_d")
	if _, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "driver_d"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i := 4; i >= 0; i-- {
		_, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_4", Code: "0000"})
		if got := remainingOf(t, err); got != i {
			t.Fatalf("expected InvalidCode(%d), got %d", i, got)
		}
	}
	_, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_4", Code: "7777"})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted on sixth attempt, got %v", err)
	}
}

func TestExpiredBeforeExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), false)
	f.otp.newCode = fixedCode("1111")
	b := f.acceptedBooking(t, "rider_5", "driver_e")
	if _, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "driver_e"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i := 0; i < 5; i++ {
		_, _ = f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_5", Code: "2222"})
	}
	f.clock = f.clock.Add(5*time.Minute + time.Second)
	_, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_5", Code: "1111"})
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired to take precedence, got %v", err)
	}
}

func TestExpiredDoesNotConsumeAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), false)
	f.otp.newCode = fixedCode("1111")
	b := f.acceptedBooking(t, "rider_6", "driver_f")
	if _, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "driver_f"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	f.clock = f.clock.Add(6 * time.Minute)
	if _, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_6", Code: "9999"}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	c, err := f.store.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.AttemptsRemaining != 5 {
		t.Errorf("attempts = %d, want 5", c.AttemptsRemaining)
	}
}

func TestResendInvalidatesPreviousCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), false)
	b := f.acceptedBooking(t, "rider_7", "driver_g")

	f.otp.newCode = fixedCode("1234")
	if _, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "driver_g"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, _ = f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_7", Code: "0000"})

	f.clock = f.clock.Add(4 * time.Minute)
	f.otp.newCode = fixedCode("5678")
	c, _, err := f.otp.Resend(ctx, GenerateCommand{BookingID: b.ID, CallerID: "rider_7"})
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if c.AttemptsRemaining != 5 || !c.ExpiresAt.Equal(f.clock.Add(5*time.Minute)) {
		t.Fatalf("resend must reset attempts and expiry: %+v", c)
	}
	_, err = f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_7", Code: "1234"})
	if got := remainingOf(t, err); got != 4 {
		t.Fatalf("old code must fail with InvalidCode(4), got %d", got)
	}
	if _, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_7", Code: "5678"}); err != nil {
		t.Fatalf("new code: %v", err)
	}
}

func TestVerifyIsIdempotentAfterSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), false)
	f.otp.newCode = fixedCode("3141")
	b := f.acceptedBooking(t, "rider_8", "driver_h")
	if _, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "driver_h"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	first, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_8", Code: "3141"})
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	second, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_8", Code: "3141"})
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if !second.Challenge.VerifiedAt.Equal(*first.Challenge.VerifiedAt) {
		t.Errorf("verified challenge must not change")
	}
	if _, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_8", Code: "0000"}); !errors.Is(err, ErrAlreadyVerified) {
		t.Errorf("expected ErrAlreadyVerified, got %v", err)
	}
	if _, _, err := f.otp.Resend(ctx, GenerateCommand{BookingID: b.ID, CallerID: "rider_8"}); !errors.Is(err, ErrAlreadyVerified) {
		t.Errorf("verified challenge must not be replaced, got %v", err)
	}
}

func TestGenerateRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), false)
	b := f.acceptedBooking(t, "rider_9", "driver_i")

	if _, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "stranger"}); !errors.Is(err, booking.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.bookings.Cancel(ctx, booking.CancelCommand{BookingID: b.ID, ActorType: booking.ActorRider, ActorID: types.ID("rider_9").Ptr()}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "rider_9"}); !errors.Is(err, ErrBookingNotReady) {
		t.Errorf("expected ErrBookingNotReady after cancel, got %v", err)
	}
	if _, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_9", Code: "12"}); !errors.Is(err, booking.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for short code, got %v", err)
	}
}

func TestAutoGenerateOnAcceptAndInvalidateOnCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), true)
	b := f.acceptedBooking(t, "rider_10", "driver_j")

	code := f.notifier.code(b.ID)
	if len(code) != CodeLength {
		t.Fatalf("expected auto generated code, got %q", code)
	}
	if f.notifier.to[b.ID] != "rider_10" {
		t.Errorf("code must be delivered to the rider")
	}
	if _, err := f.store.Get(ctx, b.ID); err != nil {
		t.Fatalf("expected challenge stored: %v", err)
	}
	if _, err := f.bookings.Cancel(ctx, booking.CancelCommand{BookingID: b.ID, ActorType: booking.ActorDriver, ActorID: types.ID("driver_j").Ptr()}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.store.Get(ctx, b.ID); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected challenge invalidated on cancel, got %v", err)
	}
}

func TestReleaseDropsChallenge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), true)
	b := f.acceptedBooking(t, "rider_11", "driver_k")
	if _, err := f.bookings.Release(ctx, booking.ReleaseCommand{BookingID: b.ID, ActorType: booking.ActorDriver, ActorID: types.ID("driver_k").Ptr()}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.store.Get(ctx, b.ID); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected challenge dropped on release, got %v", err)
	}
}

func TestConcurrentVerifyDecrementsOncePerAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), false)
	f.otp.newCode = fixedCode("8080")
	b := f.acceptedBooking(t, "rider_12", "driver_l")
	if _, _, err := f.otp.Generate(ctx, GenerateCommand{BookingID: b.ID, CallerID: "driver_l"}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.otp.Verify(ctx, VerifyCommand{BookingID: b.ID, CallerID: "rider_12", Code: "0001"})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	invalid, exhausted := 0, 0
	for err := range errs {
		switch {
		case errors.Is(err, ErrInvalidCode):
			invalid++
		case errors.Is(err, ErrAttemptsExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if invalid != 5 || exhausted != 3 {
		t.Fatalf("invalid=%d exhausted=%d, want 5 and 3", invalid, exhausted)
	}
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_ = s.Put(context.Background(), &Challenge{BookingID: "old", ExpiresAt: now.Add(-2 * time.Hour)})
	_ = s.Put(context.Background(), &Challenge{BookingID: "recent", ExpiresAt: now.Add(-time.Minute)})
	if n := s.PurgeExpired(now); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := s.Get(context.Background(), "recent"); err != nil {
		t.Errorf("recently expired challenge must be kept: %v", err)
	}
}

func TestRedisStore_Update(t *testing.T) {
	addr := os.Getenv("RIDELINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RIDELINE_TEST_REDIS_ADDR not set; skipping Redis-backed tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	store := NewRedisStore(client)
	id := types.NewID()
	t.Cleanup(func() { _ = store.Delete(ctx, id) })

	now := time.Now()
	if err := store.Put(ctx, &Challenge{BookingID: id, Code: "4321", GeneratedAt: now, ExpiresAt: now.Add(time.Minute), AttemptsRemaining: 2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := store.Update(ctx, id, func(c *Challenge) (bool, error) { return check(c, "0000", now) })
	if got := remainingOf(t, err); got != 1 {
		t.Fatalf("remaining = %d, want 1", got)
	}
	c, err := store.Update(ctx, id, func(c *Challenge) (bool, error) { return check(c, "4321", now) })
	if err != nil || !c.Verified {
		t.Fatalf("verify via redis: %+v %v", c, err)
	}
	got, err := store.Get(ctx, id)
	if err != nil || !got.Verified || got.AttemptsRemaining != 1 {
		t.Fatalf("persisted challenge = %+v, %v", got, err)
	}
	ttl, err := client.TTL(ctx, challengeKey(id)).Result()
	if err != nil || ttl <= time.Hour {
		t.Errorf("expected ttl past expiry plus retention, got %v (%v)", ttl, err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNoChallenge) {
		t.Errorf("expected ErrNoChallenge, got %v", err)
	}
}

// README: OTP service issues and verifies trip start codes and reacts to lifecycle changes.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"rideline/internal/config"
	"rideline/internal/modules/booking"
	"rideline/internal/types"
)

type Bookings interface {
	Get(ctx context.Context, id types.ID) (*booking.Booking, error)
	Start(ctx context.Context, cmd booking.StartCommand) (*booking.Booking, error)
}

// CodeNotifier delivers a freshly issued code to the rider.
type CodeNotifier interface {
	OTPGenerated(ctx context.Context, b booking.Booking, c Challenge)
}

type Service struct {
	store    Store
	bookings Bookings
	notifier CodeNotifier
	cfg      config.OTPConfig
	log      *zap.Logger
	now      func() time.Time
	newCode  func() (string, error)
}

func NewService(store Store, bookings Bookings, notifier CodeNotifier, cfg config.OTPConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    store,
		bookings: bookings,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		newCode:  randomCode,
	}
}

type GenerateCommand struct {
	BookingID types.ID
	CallerID  types.ID
}

type VerifyCommand struct {
	BookingID types.ID
	CallerID  types.ID
	Code      string
}

type VerifyResult struct {
	Challenge Challenge
	Booking   booking.Booking
	// Started is set when this call moved the booking to STARTED.
	Started bool
}

// Generate issues a new code for the booking, replacing any unverified one.
func (s *Service) Generate(ctx context.Context, cmd GenerateCommand) (*Challenge, *booking.Booking, error) {
	b, err := s.awaitingStart(ctx, cmd.BookingID, cmd.CallerID)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.issue(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	return c, b, nil
}

// Resend has the same replacement semantics as Generate.
func (s *Service) Resend(ctx context.Context, cmd GenerateCommand) (*Challenge, *booking.Booking, error) {
	c, b, err := s.Generate(ctx, cmd)
	if err == nil {
		s.log.Info("otp resent", zap.String("booking_id", string(cmd.BookingID)))
	}
	return c, b, err
}

func (s *Service) Verify(ctx context.Context, cmd VerifyCommand) (*VerifyResult, error) {
	if len(cmd.Code) != CodeLength {
		return nil, fmt.Errorf("%w: code must be %d digits", booking.ErrBadRequest, CodeLength)
	}
	b, err := s.awaitingStart(ctx, cmd.BookingID, cmd.CallerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c, err := s.store.Update(ctx, cmd.BookingID, func(c *Challenge) (bool, error) {
		return check(c, cmd.Code, now)
	})
	if err != nil {
		var invalid *InvalidCodeError
		if errors.As(err, &invalid) {
			s.log.Info("otp mismatch",
				zap.String("booking_id", string(cmd.BookingID)),
				zap.Int("attempts_remaining", invalid.Remaining),
			)
		}
		return nil, err
	}

	res := &VerifyResult{Challenge: *c, Booking: *b}
	if b.Status != booking.StatusArrived {
		return res, nil
	}
	actor := booking.ActorDriver
	if b.RiderID == cmd.CallerID {
		actor = booking.ActorRider
	}
	started, err := s.bookings.Start(ctx, booking.StartCommand{
		BookingID: b.ID,
		ActorType: actor,
		ActorID:   cmd.CallerID.Ptr(),
	})
	if errors.Is(err, booking.ErrConflict) {
		// A concurrent verify may have started the trip already.
		if cur, gerr := s.bookings.Get(ctx, b.ID); gerr == nil && cur.Status == booking.StatusStarted {
			res.Booking = *cur
			return res, nil
		}
	}
	if err != nil {
		return nil, err
	}
	res.Booking = *started
	res.Started = true
	return res, nil
}

// check applies one submission to c. Order matters: a verified challenge
// accepts its own code again, then expiry, then exhaustion, then mismatch.
func check(c *Challenge, code string, now time.Time) (bool, error) {
	match := subtle.ConstantTimeCompare([]byte(c.Code), []byte(code)) == 1
	if c.Verified {
		if match {
			return false, nil
		}
		return false, ErrAlreadyVerified
	}
	if c.Expired(now) {
		return false, ErrExpired
	}
	if c.AttemptsRemaining <= 0 {
		return false, ErrAttemptsExhausted
	}
	if !match {
		c.AttemptsRemaining--
		return true, &InvalidCodeError{Remaining: c.AttemptsRemaining}
	}
	c.Verified = true
	c.VerifiedAt = &now
	return true, nil
}

// Get returns the booking's challenge for a party of the booking.
func (s *Service) Get(ctx context.Context, bookingID, callerID types.ID) (*Challenge, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.HasParty(callerID) {
		return nil, booking.ErrForbidden
	}
	return s.store.Get(ctx, bookingID)
}

// OnTransition issues a code on accept and drops it once the trip starts or
// the booking leaves the pre-start statuses.
func (s *Service) OnTransition(ctx context.Context, t booking.Transition) {
	switch t.To {
	case booking.StatusAccepted:
		if !s.cfg.AutoGenerate {
			return
		}
		b := t.Booking
		if _, err := s.issue(ctx, &b); err != nil {
			s.log.Warn("otp auto generate failed", zap.String("booking_id", string(b.ID)), zap.Error(err))
		}
	case booking.StatusStarted, booking.StatusCancelled, booking.StatusRequested:
		if t.From == booking.StatusNone {
			return
		}
		if err := s.store.Delete(ctx, t.Booking.ID); err != nil {
			s.log.Warn("otp invalidate failed", zap.String("booking_id", string(t.Booking.ID)), zap.Error(err))
		}
	}
}

func (s *Service) awaitingStart(ctx context.Context, bookingID, callerID types.ID) (*booking.Booking, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.HasParty(callerID) {
		return nil, booking.ErrForbidden
	}
	if b.Status != booking.StatusAccepted && b.Status != booking.StatusArrived {
		return nil, fmt.Errorf("%w: booking is %s", ErrBookingNotReady, b.Status)
	}
	return b, nil
}

func (s *Service) issue(ctx context.Context, b *booking.Booking) (*Challenge, error) {
	if cur, err := s.store.Get(ctx, b.ID); err == nil && cur.Verified {
		return nil, ErrAlreadyVerified
	} else if err != nil && !errors.Is(err, ErrNoChallenge) {
		return nil, err
	}
	code, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("generate otp code: %w", err)
	}
	now := s.now()
	c := &Challenge{
		BookingID:         b.ID,
		Code:              code,
		GeneratedAt:       now,
		ExpiresAt:         now.Add(s.cfg.TTL),
		AttemptsRemaining: s.cfg.MaxAttempts,
	}
	if err := s.store.Put(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("otp issued", zap.String("booking_id", string(b.ID)), zap.Time("expires_at", c.ExpiresAt))
	if s.notifier != nil {
		s.notifier.OTPGenerated(ctx, *b, *c)
	}
	return c, nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// Gate exposes verification state to the booking lifecycle without
// depending on the OTP service itself.
type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

func (g *Gate) Verified(ctx context.Context, bookingID types.ID) (bool, error) {
	c, err := g.store.Get(ctx, bookingID)
	if errors.Is(err, ErrNoChallenge) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Verified, nil
}

// RunPurger periodically drops long-expired challenges from a MemoryStore.
func RunPurger(ctx context.Context, store *MemoryStore, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := store.PurgeExpired(now); n > 0 && log != nil {
				log.Debug("purged expired otp challenges", zap.Int("count", n))
			}
		}
	}
}

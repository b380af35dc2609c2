// README: One-time trip start challenge and its verification outcomes.
package otp

import (
	"errors"
	"fmt"
	"time"

	"rideline/internal/types"
)

const CodeLength = 4

var (
	ErrNoChallenge       = errors.New("no otp challenge for booking")
	ErrExpired           = errors.New("otp expired")
	ErrAttemptsExhausted = errors.New("otp attempts exhausted")
	ErrInvalidCode       = errors.New("otp invalid code")
	ErrAlreadyVerified   = errors.New("otp already verified")
	ErrBookingNotReady   = errors.New("booking is not awaiting trip start")
)

// InvalidCodeError is a mismatch that still leaves Remaining attempts.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("otp invalid code, %d attempts remaining", e.Remaining)
}

func (e *InvalidCodeError) Is(target error) bool {
	return target == ErrInvalidCode
}

type Challenge struct {
	BookingID         types.ID   `json:"bookingId"`
	Code              string     `json:"code"`
	GeneratedAt       time.Time  `json:"generatedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	AttemptsRemaining int        `json:"attemptsRemaining"`
	Verified          bool       `json:"verified"`
	VerifiedAt        *time.Time `json:"verifiedAt,omitempty"`
}

func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// README: OTP handlers for generate/resend/verify/get.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideline/internal/modules/booking"
	"rideline/internal/modules/otp"
	"rideline/internal/types"
)

type OTPs interface {
	Generate(ctx context.Context, cmd otp.GenerateCommand) (*otp.Challenge, *booking.Booking, error)
	Resend(ctx context.Context, cmd otp.GenerateCommand) (*otp.Challenge, *booking.Booking, error)
	Verify(ctx context.Context, cmd otp.VerifyCommand) (*otp.VerifyResult, error)
	Get(ctx context.Context, bookingID, callerID types.ID) (*otp.Challenge, error)
}

type OTPHandler struct {
	otps OTPs
}

func NewOTPHandler(otps OTPs) *OTPHandler {
	return &OTPHandler{otps: otps}
}

// challengeResponse leaves the code out; only the rider may read it back.
type challengeResponse struct {
	BookingID         types.ID   `json:"bookingId"`
	Code              string     `json:"code,omitempty"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	AttemptsRemaining int        `json:"attemptsRemaining"`
	Verified          bool       `json:"verified"`
	VerifiedAt        *time.Time `json:"verifiedAt,omitempty"`
}

func toChallengeResponse(ch *otp.Challenge, withCode bool) challengeResponse {
	out := challengeResponse{
		BookingID:         ch.BookingID,
		ExpiresAt:         ch.ExpiresAt,
		AttemptsRemaining: ch.AttemptsRemaining,
		Verified:          ch.Verified,
		VerifiedAt:        ch.VerifiedAt,
	}
	if withCode {
		out.Code = ch.Code
	}
	return out
}

func (h *OTPHandler) Generate(c *gin.Context) {
	h.issue(c, h.otps.Generate)
}

func (h *OTPHandler) Resend(c *gin.Context) {
	h.issue(c, h.otps.Resend)
}

func (h *OTPHandler) issue(c *gin.Context, fn func(context.Context, otp.GenerateCommand) (*otp.Challenge, *booking.Booking, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ch, b, err := fn(c.Request.Context(), otp.GenerateCommand{BookingID: id, CallerID: callerID(c)})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toChallengeResponse(ch, b.RiderID == callerID(c)))
}

type verifyReq struct {
	Code string `json:"code"`
}

func (h *OTPHandler) Verify(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req verifyReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "code is required")
		return
	}
	res, err := h.otps.Verify(c.Request.Context(), otp.VerifyCommand{BookingID: id, CallerID: callerID(c), Code: req.Code})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"verified": res.Challenge.Verified,
		"started":  res.Started,
		"booking":  toBookingResponse(&res.Booking),
	})
}

// Get lets the rider fetch the code again if the pushed event was missed.
func (h *OTPHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if callerRole(c) != booking.ActorRider {
		writeError(c, http.StatusForbidden, "forbidden", "only the rider can read the code")
		return
	}
	ch, err := h.otps.Get(c.Request.Context(), id, callerID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toChallengeResponse(ch, true))
}

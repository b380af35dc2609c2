// README: Base handler utilities (JSON helpers, error mapping, wire shapes).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideline/internal/http/middleware"
	"rideline/internal/modules/booking"
	"rideline/internal/modules/dispatch"
	"rideline/internal/modules/otp"
	"rideline/internal/modules/pricing"
	"rideline/internal/types"
)

type errorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	AttemptsRemaining *int   `json:"attemptsRemaining,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Code: code})
}

type errorKind struct {
	target error
	status int
	code   string
}

// errorKinds maps domain errors to a status and a stable code the client can
// branch on. Order matters where one error wraps another.
var errorKinds = []errorKind{
	{booking.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{booking.ErrNotFound, http.StatusNotFound, "not_found"},
	{booking.ErrForbidden, http.StatusForbidden, "forbidden"},
	{booking.ErrNotAssigned, http.StatusForbidden, "not_assigned"},
	{booking.ErrActiveBooking, http.StatusConflict, "active_booking"},
	{booking.ErrIllegalTransition, http.StatusConflict, "illegal_transition"},
	{booking.ErrOtpNotVerified, http.StatusConflict, "otp_not_verified"},
	{booking.ErrConflict, http.StatusConflict, "conflict"},
	{pricing.ErrUnknownVehicle, http.StatusBadRequest, "unknown_vehicle"},
	{pricing.ErrBadDistance, http.StatusBadRequest, "bad_request"},
	{otp.ErrNoChallenge, http.StatusNotFound, "otp_not_generated"},
	{otp.ErrExpired, http.StatusGone, "otp_expired"},
	{otp.ErrAttemptsExhausted, http.StatusTooManyRequests, "otp_attempts_exhausted"},
	{otp.ErrInvalidCode, http.StatusUnprocessableEntity, "otp_invalid"},
	{otp.ErrAlreadyVerified, http.StatusConflict, "otp_already_verified"},
	{otp.ErrBookingNotReady, http.StatusConflict, "booking_not_ready"},
	{dispatch.ErrOfferNotFound, http.StatusNotFound, "offer_not_found"},
	{dispatch.ErrNotYourOffer, http.StatusForbidden, "forbidden"},
	{dispatch.ErrRideUnavailable, http.StatusConflict, "ride_unavailable"},
	{dispatch.ErrOfferExpired, http.StatusGone, "offer_expired"},
	{dispatch.ErrOfferResolved, http.StatusConflict, "offer_resolved"},
	{dispatch.ErrDriverBusy, http.StatusConflict, "driver_busy"},
	{dispatch.ErrUnknownDriver, http.StatusNotFound, "driver_offline"},
	{dispatch.ErrBadPresence, http.StatusBadRequest, "bad_request"},
}

func writeServiceError(c *gin.Context, err error) {
	for _, k := range errorKinds {
		if !errors.Is(err, k.target) {
			continue
		}
		resp := errorResponse{Error: err.Error(), Code: k.code}
		var invalid *otp.InvalidCodeError
		if errors.As(err, &invalid) {
			n := invalid.Remaining
			resp.AttemptsRemaining = &n
		}
		writeJSON(c, k.status, resp)
		return
	}
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "internal", "internal error")
}

func callerID(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func callerRole(c *gin.Context) booking.ActorType {
	if middleware.CallerRole(c) == middleware.RoleDriver {
		return booking.ActorDriver
	}
	return booking.ActorRider
}

func requireDriver(c *gin.Context) (types.ID, bool) {
	if callerRole(c) != booking.ActorDriver {
		writeError(c, http.StatusForbidden, "forbidden", "driver role required")
		return "", false
	}
	return callerID(c), true
}

// requireSelfDriver also checks the driver id in the path is the caller's own.
func requireSelfDriver(c *gin.Context) (types.ID, bool) {
	uid, ok := requireDriver(c)
	if !ok {
		return "", false
	}
	if types.ID(c.Param("id")) != uid {
		writeError(c, http.StatusForbidden, "forbidden", "cannot act for another driver")
		return "", false
	}
	return uid, true
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	id := c.Param(name)
	if !types.ValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid "+name)
		return "", false
	}
	return types.ID(id), true
}

type pointDTO struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (p pointDTO) point() (types.Point, bool) {
	if p.Lat == nil || p.Lng == nil {
		return types.Point{}, false
	}
	pt := types.Point{Lat: *p.Lat, Lng: *p.Lng}
	return pt, pt.Valid()
}

type placeDTO struct {
	Name string   `json:"name"`
	Lat  *float64 `json:"lat"`
	Lng  *float64 `json:"lng"`
}

func (p placeDTO) place() (booking.Place, bool) {
	pt, ok := pointDTO{Lat: p.Lat, Lng: p.Lng}.point()
	return booking.Place{Name: p.Name, Point: pt}, ok
}

type placeResponse struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

func toPlaceResponse(p booking.Place) placeResponse {
	return placeResponse{Name: p.Name, Lat: p.Lat, Lng: p.Lng}
}

type moneyResponse struct {
	Amount   int64   `json:"amount"`
	Major    float64 `json:"major"`
	Currency string  `json:"currency"`
}

func toMoney(m types.Money) moneyResponse {
	return moneyResponse{Amount: m.Amount, Major: m.Major(), Currency: m.Currency}
}

type bookingResponse struct {
	ID              types.ID      `json:"bookingId"`
	RiderID         types.ID      `json:"riderId"`
	DriverID        *types.ID     `json:"driverId,omitempty"`
	Pickup          placeResponse `json:"pickup"`
	Drop            placeResponse `json:"drop"`
	VehicleType     string        `json:"vehicleType"`
	Price           moneyResponse `json:"price"`
	DistanceKm      float64       `json:"distanceKm"`
	Status          string        `json:"status"`
	StatusVersion   int           `json:"statusVersion"`
	CreatedAt       time.Time     `json:"createdAt"`
	StatusUpdatedAt time.Time     `json:"statusUpdatedAt"`
	CancelledBy     string        `json:"cancelledBy,omitempty"`
	CancelReason    string        `json:"cancelReason,omitempty"`
}

func toBookingResponse(b *booking.Booking) bookingResponse {
	return bookingResponse{
		ID:              b.ID,
		RiderID:         b.RiderID,
		DriverID:        b.DriverID,
		Pickup:          toPlaceResponse(b.Pickup),
		Drop:            toPlaceResponse(b.Drop),
		VehicleType:     string(b.VehicleType),
		Price:           toMoney(b.Price),
		DistanceKm:      b.DistanceKm,
		Status:          string(b.Status),
		StatusVersion:   b.StatusVersion,
		CreatedAt:       b.CreatedAt,
		StatusUpdatedAt: b.StatusUpdatedAt,
		CancelledBy:     string(b.CancelledBy),
		CancelReason:    b.CancelReason,
	}
}

type eventResponse struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	ActorType string    `json:"actorType"`
	ActorID   *types.ID `json:"actorId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

func toEventResponses(evs []booking.Event) []eventResponse {
	out := make([]eventResponse, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventResponse{
			From:      string(e.From),
			To:        string(e.To),
			ActorType: string(e.ActorType),
			ActorID:   e.ActorID,
			Reason:    e.Reason,
			At:        e.CreatedAt,
		})
	}
	return out
}

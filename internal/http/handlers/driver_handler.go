// README: Driver handlers for presence, location polling fallback, and offers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideline/internal/modules/dispatch"
	"rideline/internal/types"
)

// Dispatcher is the driver-facing surface of the dispatch engine.
type Dispatcher interface {
	SetPresence(ctx context.Context, p dispatch.Presence) (*dispatch.DriverSession, error)
	PendingForDriver(ctx context.Context, driverID types.ID) ([]dispatch.Offer, error)
	Respond(ctx context.Context, cmd dispatch.RespondCommand) (*dispatch.RespondResult, error)
}

// LocationRelay stores a driver fix and forwards it to the rider.
type LocationRelay interface {
	UpdateDriverLocation(ctx context.Context, driverID types.ID, pt types.Point) error
}

type DriverHandler struct {
	dispatch Dispatcher
	relay    LocationRelay
}

func NewDriverHandler(d Dispatcher, relay LocationRelay) *DriverHandler {
	return &DriverHandler{dispatch: d, relay: relay}
}

type presenceReq struct {
	Online      *bool    `json:"online"`
	VehicleType string   `json:"vehicleType"`
	DeviceToken string   `json:"deviceToken"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
}

type sessionResponse struct {
	DriverID         types.ID  `json:"driverId"`
	Online           bool      `json:"online"`
	VehicleType      string    `json:"vehicleType,omitempty"`
	Lat              *float64  `json:"lat,omitempty"`
	Lng              *float64  `json:"lng,omitempty"`
	CurrentBookingID *types.ID `json:"currentBookingId,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func toSessionResponse(s *dispatch.DriverSession) sessionResponse {
	out := sessionResponse{
		DriverID:         s.DriverID,
		Online:           s.Online,
		VehicleType:      string(s.VehicleType),
		CurrentBookingID: s.CurrentBookingID,
		UpdatedAt:        s.UpdatedAt,
	}
	if s.LastLocation != nil {
		lat, lng := s.LastLocation.Lat, s.LastLocation.Lng
		out.Lat, out.Lng = &lat, &lng
	}
	return out
}

func (h *DriverHandler) SetPresence(c *gin.Context) {
	uid, ok := requireSelfDriver(c)
	if !ok {
		return
	}
	var req presenceReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "online is required")
		return
	}
	p := dispatch.Presence{DriverID: uid, Online: *req.Online, DeviceToken: req.DeviceToken}
	if req.VehicleType != "" {
		vt, ok := types.ParseVehicleType(req.VehicleType)
		if !ok {
			writeError(c, http.StatusBadRequest, "unknown_vehicle", "unknown vehicle type")
			return
		}
		p.VehicleType = vt
	}
	if req.Lat != nil || req.Lng != nil {
		pt, ok := pointDTO{Lat: req.Lat, Lng: req.Lng}.point()
		if !ok {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid coordinates")
			return
		}
		p.Location = &pt
	}
	sess, err := h.dispatch.SetPresence(c.Request.Context(), p)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toSessionResponse(sess))
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	uid, ok := requireSelfDriver(c)
	if !ok {
		return
	}
	var req pointDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	pt, ok := req.point()
	if !ok {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid coordinates")
		return
	}
	if err := h.relay.UpdateDriverLocation(c.Request.Context(), uid, pt); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type offerResponse struct {
	ID         types.ID   `json:"offerId"`
	BookingID  types.ID   `json:"bookingId"`
	Outcome    string     `json:"outcome"`
	DistanceKm float64    `json:"distanceKm"`
	OfferedAt  time.Time  `json:"offeredAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

func toOfferResponse(o dispatch.Offer) offerResponse {
	return offerResponse{
		ID:         o.ID,
		BookingID:  o.BookingID,
		Outcome:    string(o.Outcome),
		DistanceKm: o.DistanceKm,
		OfferedAt:  o.OfferedAt,
		ExpiresAt:  o.ExpiresAt,
		ResolvedAt: o.ResolvedAt,
	}
}

func (h *DriverHandler) PendingOffers(c *gin.Context) {
	uid, ok := requireSelfDriver(c)
	if !ok {
		return
	}
	offers, err := h.dispatch.PendingForDriver(c.Request.Context(), uid)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		out = append(out, toOfferResponse(o))
	}
	writeJSON(c, http.StatusOK, gin.H{"offers": out})
}

type respondReq struct {
	Accept *bool `json:"accept"`
}

func (h *DriverHandler) Respond(c *gin.Context) {
	uid, ok := requireDriver(c)
	if !ok {
		return
	}
	offerID, ok := pathID(c, "offerId")
	if !ok {
		return
	}
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Accept == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "accept is required")
		return
	}
	res, err := h.dispatch.Respond(c.Request.Context(), dispatch.RespondCommand{
		OfferID:  offerID,
		DriverID: uid,
		Accept:   *req.Accept,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	body := gin.H{"offer": toOfferResponse(res.Offer)}
	if res.Booking != nil {
		body["booking"] = toBookingResponse(res.Booking)
	}
	writeJSON(c, http.StatusOK, body)
}

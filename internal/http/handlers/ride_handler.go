// README: Ride handlers for create/quote/get/history/cancel/release/status.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideline/internal/modules/booking"
	"rideline/internal/modules/pricing"
	"rideline/internal/types"
)

// Rides is the lifecycle surface the ride routes need.
type Rides interface {
	Create(ctx context.Context, cmd booking.CreateCommand) (*booking.Booking, error)
	Get(ctx context.Context, id types.ID) (*booking.Booking, error)
	History(ctx context.Context, id types.ID) ([]booking.Event, error)
	Cancel(ctx context.Context, cmd booking.CancelCommand) (*booking.Booking, error)
	Release(ctx context.Context, cmd booking.ReleaseCommand) (*booking.Booking, error)
	UpdateStatus(ctx context.Context, id, driverID types.ID, to booking.Status) (*booking.Booking, error)
}

type Quoter interface {
	QuoteAll(ctx context.Context, pickup, drop types.Point) ([]pricing.Quote, error)
}

type RideHandler struct {
	rides  Rides
	quoter Quoter
}

func NewRideHandler(rides Rides, quoter Quoter) *RideHandler {
	return &RideHandler{rides: rides, quoter: quoter}
}

type createRideReq struct {
	Pickup      placeDTO `json:"pickup"`
	Drop        placeDTO `json:"drop"`
	VehicleType string   `json:"vehicleType"`
}

func (h *RideHandler) Create(c *gin.Context) {
	if callerRole(c) != booking.ActorRider {
		writeError(c, http.StatusForbidden, "forbidden", "only riders can request rides")
		return
	}
	var req createRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	pickup, ok := req.Pickup.place()
	if !ok {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid pickup")
		return
	}
	drop, ok := req.Drop.place()
	if !ok {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid drop")
		return
	}
	vt, ok := types.ParseVehicleType(req.VehicleType)
	if !ok {
		writeError(c, http.StatusBadRequest, "unknown_vehicle", "unknown vehicle type")
		return
	}
	b, err := h.rides.Create(c.Request.Context(), booking.CreateCommand{
		RiderID:     callerID(c),
		Pickup:      pickup,
		Drop:        drop,
		VehicleType: vt,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toBookingResponse(b))
}

type quoteReq struct {
	Pickup pointDTO `json:"pickup"`
	Drop   pointDTO `json:"drop"`
}

type quoteResponse struct {
	VehicleType string        `json:"vehicleType"`
	DistanceKm  float64       `json:"distanceKm"`
	Price       moneyResponse `json:"price"`
	ETA         string        `json:"eta"`
}

func (h *RideHandler) Quote(c *gin.Context) {
	var req quoteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	pickup, ok1 := req.Pickup.point()
	drop, ok2 := req.Drop.point()
	if !ok1 || !ok2 {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid coordinates")
		return
	}
	quotes, err := h.quoter.QuoteAll(c.Request.Context(), pickup, drop)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := make([]quoteResponse, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, quoteResponse{
			VehicleType: string(q.VehicleType),
			DistanceKm:  q.DistanceKm,
			Price:       toMoney(q.Price),
			ETA:         q.ETA,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"quotes": out})
}

// partyBooking loads the booking in the path and checks the caller takes
// part in it.
func (h *RideHandler) partyBooking(c *gin.Context) (*booking.Booking, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	b, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	if !b.HasParty(callerID(c)) {
		writeServiceError(c, booking.ErrForbidden)
		return nil, false
	}
	return b, true
}

func (h *RideHandler) Get(c *gin.Context) {
	b, ok := h.partyBooking(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, toBookingResponse(b))
}

func (h *RideHandler) History(c *gin.Context) {
	b, ok := h.partyBooking(c)
	if !ok {
		return
	}
	evs, err := h.rides.History(c.Request.Context(), b.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bookingId": b.ID, "events": toEventResponses(evs)})
}

type reasonReq struct {
	Reason string `json:"reason"`
}

func (h *RideHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonReq
	// Body is optional.
	_ = c.ShouldBindJSON(&req)
	b, err := h.rides.Cancel(c.Request.Context(), booking.CancelCommand{
		BookingID: id,
		ActorType: callerRole(c),
		ActorID:   callerID(c).Ptr(),
		Reason:    booking.NormalizeReason(req.Reason),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingResponse(b))
}

func (h *RideHandler) Release(c *gin.Context) {
	uid, ok := requireDriver(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonReq
	_ = c.ShouldBindJSON(&req)
	b, err := h.rides.Release(c.Request.Context(), booking.ReleaseCommand{
		BookingID: id,
		ActorType: booking.ActorDriver,
		ActorID:   uid.Ptr(),
		Reason:    booking.NormalizeReason(req.Reason),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingResponse(b))
}

type statusReq struct {
	Status string `json:"status"`
}

func (h *RideHandler) UpdateStatus(c *gin.Context) {
	uid, ok := requireDriver(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	to, ok := booking.ParseStatus(req.Status)
	if !ok {
		writeError(c, http.StatusBadRequest, "bad_request", "unknown status")
		return
	}
	b, err := h.rides.UpdateStatus(c.Request.Context(), id, uid, to)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingResponse(b))
}

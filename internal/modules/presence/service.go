// README: Presence service relays locations and lifecycle events to the parties of a booking.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"rideline/internal/infra"
	"rideline/internal/modules/booking"
	"rideline/internal/modules/dispatch"
	"rideline/internal/modules/otp"
	"rideline/internal/observability"
	"rideline/internal/types"
)

const (
	MsgRegisterPresence = "register_presence"
	MsgUpdateLocation   = "update_location"
	MsgPing             = "ping"

	EventPresenceRegistered = "presence_registered"
	EventLocationUpdated    = "location_updated"
	EventRideStatusUpdated  = "ride_status_updated"
	EventRideOffer          = "ride_offer"
	EventRideOfferWithdrawn = "ride_offer_withdrawn"
	EventNoDrivers          = "no_drivers_available"
	EventOTPGenerated       = "otp_generated"
	EventPong               = "pong"
	EventError              = "error"
)

var ErrNotRegistered = errors.New("connection has not registered presence")

// Drivers is the presence surface of the dispatch engine.
type Drivers interface {
	SetPresence(ctx context.Context, p dispatch.Presence) (*dispatch.DriverSession, error)
	UpdateLocation(ctx context.Context, driverID types.ID, pt types.Point, at time.Time) (*dispatch.DriverSession, error)
}

type Bookings interface {
	ActiveFor(ctx context.Context, uid types.ID, role booking.ActorType) (*booking.Booking, error)
}

type Service struct {
	hub      *Hub
	bookings Bookings
	drivers  Drivers
	pusher   infra.Pusher
	log      *zap.Logger
	now      func() time.Time
}

// NewService wires the hub to the lifecycle. pusher may be nil to disable
// FCM fallback for offline drivers.
func NewService(hub *Hub, bookings Bookings, pusher infra.Pusher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{hub: hub, bookings: bookings, pusher: pusher, log: log, now: time.Now}
	hub.SetHandler(s)
	return s
}

// Bind attaches the driver pool owner. The engine takes the service as its
// notifier, so it is bound after both exist.
func (s *Service) Bind(drivers Drivers) {
	s.drivers = drivers
}

type registerPayload struct {
	Online      *bool    `json:"online,omitempty"`
	VehicleType string   `json:"vehicleType,omitempty"`
	DeviceToken string   `json:"deviceToken,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lng         *float64 `json:"lng,omitempty"`
}

type locationPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type errorPayload struct {
	Request string `json:"request,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorMessage(request, code, message string) Envelope {
	return Envelope{Type: EventError, Data: errorPayload{Request: request, Code: code, Message: message}}
}

func (s *Service) HandleMessage(ctx context.Context, c *Client, msgType string, data json.RawMessage) error {
	switch msgType {
	case MsgPing:
		c.Send(Envelope{Type: EventPong, Data: map[string]int64{"at": s.now().UnixMilli()}})
		return nil
	case MsgRegisterPresence:
		return s.register(ctx, c, data)
	case MsgUpdateLocation:
		return s.updateLocation(ctx, c, data)
	}
	c.Send(errorMessage(msgType, "unknown_type", "unsupported message type"))
	return fmt.Errorf("unknown message type %q", msgType)
}

func (s *Service) register(ctx context.Context, c *Client, data json.RawMessage) error {
	var p registerPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			c.Send(errorMessage(MsgRegisterPresence, "bad_payload", err.Error()))
			return err
		}
	}
	c.MarkRegistered()

	reply := map[string]any{"userId": c.Session.UserID, "role": c.Session.Role}
	if c.Session.Role == booking.ActorDriver && (p.Online != nil || p.VehicleType != "") {
		pr := dispatch.Presence{DriverID: c.Session.UserID, Online: true, DeviceToken: p.DeviceToken, At: s.now()}
		if p.Online != nil {
			pr.Online = *p.Online
		}
		if p.VehicleType != "" {
			vt, ok := types.ParseVehicleType(p.VehicleType)
			if !ok {
				c.Send(errorMessage(MsgRegisterPresence, "bad_payload", "unknown vehicle type"))
				return dispatch.ErrBadPresence
			}
			pr.VehicleType = vt
		}
		if p.Lat != nil && p.Lng != nil {
			pr.Location = &types.Point{Lat: *p.Lat, Lng: *p.Lng}
		}
		sess, err := s.drivers.SetPresence(ctx, pr)
		if err != nil {
			c.Send(errorMessage(MsgRegisterPresence, "presence_rejected", err.Error()))
			return err
		}
		reply["online"] = sess.Online
		reply["vehicleType"] = sess.VehicleType
	}
	c.Send(Envelope{Type: EventPresenceRegistered, Data: reply})
	return nil
}

type locationUpdate struct {
	BookingID types.ID `json:"bookingId"`
	UserID    types.ID `json:"userId"`
	Role      string   `json:"role"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	At        int64    `json:"at"`
}

func (s *Service) updateLocation(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.Registered() {
		c.Send(errorMessage(MsgUpdateLocation, "not_registered", ErrNotRegistered.Error()))
		return ErrNotRegistered
	}
	var p locationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.Send(errorMessage(MsgUpdateLocation, "bad_payload", err.Error()))
		return err
	}
	pt := types.Point{Lat: p.Lat, Lng: p.Lng}
	if !pt.Valid() {
		c.Send(errorMessage(MsgUpdateLocation, "bad_payload", "coordinates out of range"))
		return dispatch.ErrBadPresence
	}
	return s.UpdateLocation(ctx, c.Session, pt)
}

// UpdateLocation stores a driver's fix and relays any party's position to the
// other party of their active booking.
func (s *Service) UpdateLocation(ctx context.Context, sess Session, pt types.Point) error {
	at := s.now()
	if sess.Role == booking.ActorDriver && s.drivers != nil {
		if _, err := s.drivers.UpdateLocation(ctx, sess.UserID, pt, at); err != nil && !errors.Is(err, dispatch.ErrUnknownDriver) {
			return err
		}
	}
	b, err := s.bookings.ActiveFor(ctx, sess.UserID, sess.Role)
	if err != nil || b == nil || b.DriverID == nil {
		return err
	}
	peer := b.RiderID
	if sess.Role != booking.ActorDriver {
		peer = *b.DriverID
	}
	s.hub.SendToUser(peer, Envelope{Type: EventLocationUpdated, Data: locationUpdate{
		BookingID: b.ID,
		UserID:    sess.UserID,
		Role:      string(sess.Role),
		Lat:       pt.Lat,
		Lng:       pt.Lng,
		At:        at.UnixMilli(),
	}})
	return nil
}

// UpdateDriverLocation is the polling fallback of update_location for drivers.
func (s *Service) UpdateDriverLocation(ctx context.Context, driverID types.ID, pt types.Point) error {
	return s.UpdateLocation(ctx, Session{UserID: driverID, Role: booking.ActorDriver}, pt)
}

type statusUpdate struct {
	BookingID types.ID  `json:"bookingId"`
	From      string    `json:"from,omitempty"`
	Status    string    `json:"status"`
	Version   int       `json:"statusVersion"`
	DriverID  *types.ID `json:"driverId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        int64     `json:"at"`
}

// OnTransition broadcasts each committed status change to both parties.
func (s *Service) OnTransition(_ context.Context, t booking.Transition) {
	msg := Envelope{Type: EventRideStatusUpdated, Data: statusUpdate{
		BookingID: t.Booking.ID,
		From:      string(t.From),
		Status:    string(t.To),
		Version:   t.Booking.StatusVersion,
		DriverID:  t.Booking.DriverID,
		Reason:    t.Event.Reason,
		At:        t.Event.CreatedAt.UnixMilli(),
	}}
	s.hub.SendToUser(t.Booking.RiderID, msg)
	switch {
	case t.Booking.DriverID != nil:
		s.hub.SendToUser(*t.Booking.DriverID, msg)
	case t.PrevDriverID != nil:
		s.hub.SendToUser(*t.PrevDriverID, msg)
	}
}

type place struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

func toPlace(p booking.Place) place {
	return place{Name: p.Name, Lat: p.Lat, Lng: p.Lng}
}

type offerPayload struct {
	OfferID     types.ID `json:"offerId"`
	BookingID   types.ID `json:"bookingId"`
	Pickup      place    `json:"pickup"`
	Drop        place    `json:"drop"`
	VehicleType string   `json:"vehicleType"`
	Price       int64    `json:"price"`
	Currency    string   `json:"currency"`
	DistanceKm  float64  `json:"distanceKm"`
	ExpiresAt   int64    `json:"expiresAt"`
}

func (s *Service) OfferCreated(ctx context.Context, o dispatch.Offer, b booking.Booking, d dispatch.DriverSession) {
	payload := offerPayload{
		OfferID:     o.ID,
		BookingID:   b.ID,
		Pickup:      toPlace(b.Pickup),
		Drop:        toPlace(b.Drop),
		VehicleType: string(b.VehicleType),
		Price:       b.Price.Amount,
		Currency:    b.Price.Currency,
		DistanceKm:  o.DistanceKm,
		ExpiresAt:   o.ExpiresAt.UnixMilli(),
	}
	if s.hub.SendToUser(o.DriverID, Envelope{Type: EventRideOffer, Data: payload}) {
		return
	}
	if s.pusher == nil || d.DeviceToken == "" {
		return
	}
	// Push is a network call; keep it off the dispatch path.
	go s.pushOffer(context.WithoutCancel(ctx), d.DeviceToken, payload)
}

func (s *Service) pushOffer(ctx context.Context, token string, p offerPayload) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.pusher.Push(ctx, infra.PushMessage{
		DeviceToken: token,
		Title:       "New ride request",
		Body:        fmt.Sprintf("%s to %s", p.Pickup.Name, p.Drop.Name),
		Data: map[string]string{
			"type":       EventRideOffer,
			"offerId":    string(p.OfferID),
			"bookingId":  string(p.BookingID),
			"distanceKm": strconv.FormatFloat(p.DistanceKm, 'f', 2, 64),
			"expiresAt":  strconv.FormatInt(p.ExpiresAt, 10),
		},
	})
	if err != nil {
		observability.PushTotal.WithLabelValues("error").Inc()
		s.log.Warn("ride offer push failed", zap.String("offer_id", string(p.OfferID)), zap.Error(err))
		return
	}
	observability.PushTotal.WithLabelValues("sent").Inc()
}

func (s *Service) OfferClosed(_ context.Context, o dispatch.Offer) {
	s.hub.SendToUser(o.DriverID, Envelope{Type: EventRideOfferWithdrawn, Data: map[string]any{
		"offerId":   o.ID,
		"bookingId": o.BookingID,
		"outcome":   o.Outcome,
	}})
}

func (s *Service) NoDriversAvailable(_ context.Context, b booking.Booking) {
	s.hub.SendToUser(b.RiderID, Envelope{Type: EventNoDrivers, Data: map[string]any{
		"bookingId": b.ID,
		"message":   "no drivers nearby, still searching",
	}})
}

func (s *Service) OTPGenerated(_ context.Context, b booking.Booking, c otp.Challenge) {
	s.hub.SendToUser(b.RiderID, Envelope{Type: EventOTPGenerated, Data: map[string]any{
		"bookingId":         b.ID,
		"code":              c.Code,
		"expiresAt":         c.ExpiresAt.UnixMilli(),
		"attemptsRemaining": c.AttemptsRemaining,
	}})
}

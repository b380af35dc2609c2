// README: Publishes committed booking transitions to the ride event stream.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"rideline/internal/modules/booking"
	"rideline/internal/types"
)

const (
	TypeRideStatusChanged = "ride_status_changed"
	queueSize             = 1024
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RideStatusChanged is the JSON value of each stream message.
type RideStatusChanged struct {
	Type          string    `json:"type"`
	BookingID     types.ID  `json:"bookingId"`
	RiderID       types.ID  `json:"riderId"`
	DriverID      *types.ID `json:"driverId,omitempty"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	StatusVersion int       `json:"statusVersion"`
	ActorType     string    `json:"actorType"`
	ActorID       *types.ID `json:"actorId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// KafkaPublisher queues transitions and writes them from Run, keyed by
// booking id so one booking's events stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
	queue  chan kafka.Message
	log    *zap.Logger
}

func NewKafkaPublisher(writer MessageWriter, log *zap.Logger) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, queue: make(chan kafka.Message, queueSize), log: log}
}

func NewRideStatusChanged(t booking.Transition) RideStatusChanged {
	return RideStatusChanged{
		Type:          TypeRideStatusChanged,
		BookingID:     t.Booking.ID,
		RiderID:       t.Booking.RiderID,
		DriverID:      t.Booking.DriverID,
		From:          string(t.From),
		To:            string(t.To),
		StatusVersion: t.Booking.StatusVersion,
		ActorType:     string(t.Event.ActorType),
		ActorID:       t.Event.ActorID,
		Reason:        t.Event.Reason,
		OccurredAt:    t.Event.CreatedAt.UTC(),
	}
}

// OnTransition never blocks the lifecycle; a full queue drops the event.
func (p *KafkaPublisher) OnTransition(_ context.Context, t booking.Transition) {
	value, err := json.Marshal(NewRideStatusChanged(t))
	if err != nil {
		p.log.Warn("encode ride event failed", zap.String("booking_id", string(t.Booking.ID)), zap.Error(err))
		return
	}
	msg := kafka.Message{Key: []byte(t.Booking.ID), Value: value, Time: t.Event.CreatedAt}
	select {
	case p.queue <- msg:
	default:
		p.log.Warn("ride event queue full, dropping", zap.String("booking_id", string(t.Booking.ID)))
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (p *KafkaPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case msg := <-p.queue:
			p.write(ctx, msg)
		}
	}
}

func (p *KafkaPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.write(ctx, msg)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, msg kafka.Message) {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("publish ride event failed", zap.ByteString("booking_id", msg.Key), zap.Error(err))
	}
}

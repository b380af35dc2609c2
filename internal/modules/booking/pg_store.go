// README: Booking store backed by PostgreSQL; each transition commits with its audit event.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideline/internal/types"
)

const uniqueViolation = "23505"

const bookingColumns = `
	id, rider_id, driver_id,
	pickup_name, pickup_lat, pickup_lng, drop_name, drop_lat, drop_lng,
	vehicle_type, price_amount, price_currency, distance_km,
	status, status_version, cancelled_by, cancel_reason,
	created_at, status_updated_at`

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, b *Booking, e *Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create booking: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		string(b.ID), string(b.RiderID), idPtr(b.DriverID),
		b.Pickup.Name, b.Pickup.Lat, b.Pickup.Lng, b.Drop.Name, b.Drop.Lat, b.Drop.Lng,
		string(b.VehicleType), b.Price.Amount, b.Price.Currency, b.DistanceKm,
		string(b.Status), b.StatusVersion, nullString(string(b.CancelledBy)), nullString(b.CancelReason),
		b.CreatedAt, b.StatusUpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveBooking
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	if err := insertEvent(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create booking: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, ch StatusChange, e *Event) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = $1,
			status_version = status_version + 1,
			status_updated_at = $2,
			driver_id = CASE WHEN $3::boolean THEN NULL ELSE COALESCE($4::text, driver_id) END,
			cancelled_by = COALESCE($5::text, cancelled_by),
			cancel_reason = COALESCE($6::text, cancel_reason)
		WHERE id = $7 AND status = $8 AND status_version = $9`,
		string(ch.To),
		ch.At,
		ch.ClearDriver,
		idPtr(ch.DriverID),
		nullString(string(ch.CancelledBy)),
		nullString(ch.CancelReason),
		string(ch.ID),
		string(ch.From),
		ch.Version,
	)
	if err != nil {
		return false, fmt.Errorf("update booking status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := insertEvent(ctx, tx, e); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	return true, nil
}

func (s *PGStore) ListEvents(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, booking_id, from_status, to_status, actor_type, actor_id, reason, created_at
		FROM booking_status_events
		WHERE booking_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list booking events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID, reason *string
		if err := rows.Scan(&e.ID, &e.BookingID, &e.From, &e.To, &e.ActorType, &actorID, &reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan booking event: %w", err)
		}
		if actorID != nil {
			e.ActorID = types.ID(*actorID).Ptr()
		}
		if reason != nil {
			e.Reason = *reason
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE status = $1 ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bookings by status: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PGStore) ActiveByRider(ctx context.Context, riderID types.ID) (*Booking, error) {
	return s.findActive(ctx, "rider_id", riderID)
}

func (s *PGStore) ActiveByDriver(ctx context.Context, driverID types.ID) (*Booking, error) {
	return s.findActive(ctx, "driver_id", driverID)
}

func (s *PGStore) findActive(ctx context.Context, column string, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE `+column+` = $1
		  AND status IN ('REQUESTED', 'ACCEPTED', 'ARRIVED', 'STARTED')
		ORDER BY created_at DESC
		LIMIT 1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active booking by %s: %w", column, err)
	}
	return b, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	if e == nil {
		return nil
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO booking_status_events (
			booking_id, from_status, to_status, actor_type, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(e.BookingID),
		string(e.From),
		string(e.To),
		string(e.ActorType),
		idPtr(e.ActorID),
		nullString(e.Reason),
		e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert booking event: %w", err)
	}
	return nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var driverID, cancelledBy, cancelReason *string
	var createdAt, updatedAt time.Time
	err := row.Scan(
		&b.ID, &b.RiderID, &driverID,
		&b.Pickup.Name, &b.Pickup.Lat, &b.Pickup.Lng, &b.Drop.Name, &b.Drop.Lat, &b.Drop.Lng,
		&b.VehicleType, &b.Price.Amount, &b.Price.Currency, &b.DistanceKm,
		&b.Status, &b.StatusVersion, &cancelledBy, &cancelReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if driverID != nil {
		b.DriverID = types.ID(*driverID).Ptr()
	}
	if cancelledBy != nil {
		b.CancelledBy = ActorType(*cancelledBy)
	}
	if cancelReason != nil {
		b.CancelReason = *cancelReason
	}
	b.CreatedAt = createdAt
	b.StatusUpdatedAt = updatedAt
	return &b, nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore is the Postgres Store.
type PGStore struct {
	db DBTX
}

func NewPGStore(db DBTX) *PGStore {
	return &PGStore{db: db}
}

var _ Store = (*PGStore)(nil)

const paymentColumns = `id, order_code, user_id, course_id, amount, description, status,
	checkout_url, provider_status, provider_payload, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
	)
	err := row.Scan(&rec.ID, &rec.OrderCode, &rec.UserID, &rec.CourseID, &rec.Amount, &rec.Description,
		&status, &rec.CheckoutURL, &rec.ProviderStatus, &rec.ProviderPayload, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}

func (s *PGStore) CreatePayment(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO payments (id, order_code, user_id, course_id, amount, description, status, checkout_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+paymentColumns,
		rec.ID, rec.OrderCode, rec.UserID, rec.CourseID, rec.Amount, rec.Description, string(rec.Status), rec.CheckoutURL)
	out, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateOrderCode
		}
		return Record{}, fmt.Errorf("insert payment: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetPaymentByOrderCode(ctx context.Context, orderCode int64) (Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_code = $1`, orderCode)
	return scanRecord(row)
}

func (s *PGStore) GetOpenPaymentForCourse(ctx context.Context, userID, courseID string) (Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE user_id = $1 AND course_id = $2 AND status = 'PENDING' AND checkout_url <> ''
		ORDER BY created_at DESC
		LIMIT 1`, userID, courseID)
	return scanRecord(row)
}

func (s *PGStore) SetCheckoutURL(ctx context.Context, orderCode int64, checkoutURL string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payments SET checkout_url = $2, updated_at = now() WHERE order_code = $1`,
		orderCode, checkoutURL)
	if err != nil {
		return fmt.Errorf("set checkout url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePaymentStatus is a compare-and-set on the current status. When the
// row moved on concurrently the result is ErrInvalidTransition.
func (s *PGStore) UpdatePaymentStatus(ctx context.Context, upd StatusUpdate) (Record, error) {
	if !CanTransition(upd.From, upd.To) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, upd.From, upd.To)
	}
	row := s.db.QueryRow(ctx, `
		UPDATE payments
		SET status = $3,
		    provider_status = COALESCE(NULLIF($4, ''), provider_status),
		    provider_payload = COALESCE($5, provider_payload),
		    updated_at = now()
		WHERE order_code = $1 AND status = $2
		RETURNING `+paymentColumns,
		upd.OrderCode, string(upd.From), string(upd.To), upd.ProviderStatus, nullJSON(upd.ProviderPayload))
	rec, err := scanRecord(row)
	if !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	if _, getErr := s.GetPaymentByOrderCode(ctx, upd.OrderCode); getErr != nil {
		return Record{}, getErr
	}
	return Record{}, fmt.Errorf("%w: payment %d is no longer %s", ErrInvalidTransition, upd.OrderCode, upd.From)
}

func (s *PGStore) ActivateEnrollment(ctx context.Context, userID, courseID string, paymentID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO enrollments (id, user_id, course_id, payment_id, status)
		VALUES ($1, $2, $3, $4, 'ACTIVE')
		ON CONFLICT (user_id, course_id)
		DO UPDATE SET status = 'ACTIVE', payment_id = EXCLUDED.payment_id, updated_at = now()`,
		uuid.New(), userID, courseID, paymentID)
	if err != nil {
		return fmt.Errorf("activate enrollment: %w", err)
	}
	return nil
}

func (s *PGStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) InTx(ctx context.Context, fn func(Store) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&PGStore{db: tx})
	})
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

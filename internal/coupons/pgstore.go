package coupons

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore keeps coupons in Postgres. Usage uniqueness is the UNIQUE(coupon_id, user_id) constraint.
type PgStore struct {
	db DB
}

func NewPgStore(db DB) *PgStore {
	return &PgStore{db: db}
}

const couponColumns = `id, code, discount_percent, branch_id, start_date, end_date, is_active`

func scanCoupon(row pgx.Row) (*Coupon, error) {
	var c Coupon
	if err := row.Scan(&c.ID, &c.Code, &c.DiscountPercent, &c.BranchID, &c.StartDate, &c.EndDate, &c.Active); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PgStore) FindByCode(ctx context.Context, code string, branchID int64) (*Coupon, error) {
	// prefer an active row when a code was reissued
	row := s.db.QueryRow(ctx, `
		SELECT `+couponColumns+`
		FROM coupons
		WHERE code = $1 AND branch_id = $2
		ORDER BY is_active DESC, id DESC
		LIMIT 1`, Normalize(code), branchID)
	c, err := scanCoupon(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select coupon: %w", err)
	}
	return c, nil
}

func (s *PgStore) FindByID(ctx context.Context, id int64) (*Coupon, error) {
	row := s.db.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id)
	c, err := scanCoupon(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select coupon: %w", err)
	}
	return c, nil
}

func (s *PgStore) HasUsage(ctx context.Context, couponID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2)`,
		couponID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select usage: %w", err)
	}
	return exists, nil
}

func (s *PgStore) InsertUsage(ctx context.Context, couponID, userID int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO coupon_usages (coupon_id, user_id) VALUES ($1, $2)`,
		couponID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsageExists
		}
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *PgStore) Create(ctx context.Context, c *Coupon) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO coupons (code, discount_percent, branch_id, start_date, end_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		c.Code, c.DiscountPercent, c.BranchID, c.StartDate, c.EndDate, c.Active).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert coupon: %w", err)
	}
	return nil
}

func (s *PgStore) ListByBranch(ctx context.Context, branchID int64) ([]Coupon, error) {
	rows, err := s.db.Query(ctx, `SELECT `+couponColumns+` FROM coupons WHERE branch_id = $1 ORDER BY id`, branchID)
	if err != nil {
		return nil, fmt.Errorf("select coupons: %w", err)
	}
	defer rows.Close()

	var out []Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PgStore) Deactivate(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE coupons SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate coupon: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
)

// DB is the subset of *pgxpool.Pool the food store uses.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgFoodStore reads the foods table.
type PgFoodStore struct {
	db DB
}

func NewPgFoodStore(db DB) *PgFoodStore {
	return &PgFoodStore{db: db}
}

const foodColumns = `id, name, price::text, discount, COALESCE(image_url, ''), branch_id`

func scanFood(row pgx.Row) (*Food, error) {
	var (
		f     Food
		price string
	)
	if err := row.Scan(&f.ID, &f.Name, &price, &f.Discount, &f.ImageURL, &f.BranchID); err != nil {
		return nil, err
	}
	p, err := money.Parse(price)
	if err != nil {
		return nil, err
	}
	f.Price = p
	return &f, nil
}

func (s *PgFoodStore) GetFood(ctx context.Context, id int64) (*Food, error) {
	f, err := scanFood(s.db.QueryRow(ctx, `SELECT `+foodColumns+` FROM foods WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select food %d: %w", id, err)
	}
	return f, nil
}

func (s *PgFoodStore) GetFoods(ctx context.Context, ids []int64) ([]Food, error) {
	rows, err := s.db.Query(ctx, `SELECT `+foodColumns+` FROM foods WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select foods: %w", err)
	}
	defer rows.Close()

	var out []Food
	for rows.Next() {
		f, err := scanFood(rows)
		if err != nil {
			return nil, fmt.Errorf("scan food: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// Insert adds a food and sets its id. Used for seeding.
func (s *PgFoodStore) Insert(ctx context.Context, f *Food) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO foods (name, price, discount, image_url, branch_id) VALUES ($1, $2::numeric, $3, NULLIF($4, ''), $5) RETURNING id`,
		f.Name, f.Price.String(), f.Discount, f.ImageURL, f.BranchID).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("insert food: %w", err)
	}
	return nil
}

// MemFoodStore keeps foods in memory.
type MemFoodStore struct {
	mu     sync.RWMutex
	nextID int64
	foods  map[int64]Food
}

func NewMemFoodStore() *MemFoodStore {
	return &MemFoodStore{foods: map[int64]Food{}}
}

// Insert adds f, assigning an id when f.ID is zero.
func (s *MemFoodStore) Insert(_ context.Context, f *Food) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == 0 {
		s.nextID++
		f.ID = s.nextID
	} else if f.ID > s.nextID {
		s.nextID = f.ID
	}
	s.foods[f.ID] = *f
	return nil
}

func (s *MemFoodStore) GetFood(_ context.Context, id int64) (*Food, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.foods[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *MemFoodStore) GetFoods(_ context.Context, ids []int64) ([]Food, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Food, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.foods[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

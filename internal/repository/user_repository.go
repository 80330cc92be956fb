package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/models"
)

// ErrInsufficientCredits is returned when a deduction would drive a balance
// negative. No write happens in that case.
var ErrInsufficientCredits = errors.New("insufficient credits")

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	const query = `
SELECT id, email, plan, credits, image_credits, video_credits, created_at, updated_at
FROM users WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Plan, &u.Credits, &u.ImageCredits, &u.VideoCredits, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// Ensure loads the user row for an authenticated identity, creating it on
// first sight.
func (r *UserRepository) Ensure(ctx context.Context, id int64, email string) (*models.User, error) {
	user, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	const query = `INSERT INTO users (id, email, plan) VALUES (?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, id, email, models.PlanFree); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return r.FindByID(ctx, id)
}

// creditColumn whitelists the balance column per credit type; the type never
// reaches the SQL text unchecked.
func creditColumn(ct models.CreditType) (string, error) {
	switch ct {
	case models.CreditTypeGeneral:
		return "credits", nil
	case models.CreditTypeImage:
		return "image_credits", nil
	case models.CreditTypeVideo:
		return "video_credits", nil
	default:
		return "", fmt.Errorf("unknown credit type: %s", ct)
	}
}

// DeductCredits decrements a balance in one conditional statement, so two
// near-simultaneous requests can never both pass a stale balance check. The
// new balance is read back after the write.
func (r *UserRepository) DeductCredits(ctx context.Context, userID int64, ct models.CreditType, amount int) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative deduction: %d", amount)
	}
	column, err := creditColumn(ct)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
UPDATE users SET %s = %s - ?, updated_at = NOW()
WHERE id = ? AND %s >= ?`, column, column, column)
	res, err := r.db.ExecContext(ctx, query, amount, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("deduct credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deduct rows affected: %w", err)
	}
	if affected == 0 {
		return 0, ErrInsufficientCredits
	}

	return r.balance(ctx, userID, column)
}

// AddCredits increments a balance; used by payment settlement.
func (r *UserRepository) AddCredits(ctx context.Context, userID int64, ct models.CreditType, amount int) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative top-up: %d", amount)
	}
	column, err := creditColumn(ct)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`UPDATE users SET %s = %s + ?, updated_at = NOW() WHERE id = ?`, column, column)
	if _, err := r.db.ExecContext(ctx, query, amount, userID); err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	return r.balance(ctx, userID, column)
}

func (r *UserRepository) balance(ctx context.Context, userID int64, column string) (int, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = ?`, column)
	var balance int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/models"
)

// PaymentRepository reads payment orders. Order lifecycle is owned by the
// payment provider integration; the gateway only flips pending orders to paid
// on settlement.
type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	const query = `
SELECT id, order_id, user_id, status, credits_amount, credit_type, currency, amount_minor, created_at, updated_at
FROM payment_orders WHERE order_id = ?`
	row := r.db.QueryRowContext(ctx, query, orderID)
	var o models.PaymentOrder
	if err := row.Scan(&o.ID, &o.OrderID, &o.UserID, &o.Status, &o.CreditsAmount, &o.CreditType, &o.Currency, &o.AmountMinor, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment order: %w", err)
	}
	return &o, nil
}

// MarkPaid transitions a pending order to paid. The status guard makes
// settlement idempotent under webhook retries: only the first call reports
// a transition.
func (r *PaymentRepository) MarkPaid(ctx context.Context, orderID string) (bool, error) {
	const query = `
UPDATE payment_orders SET status = 'paid', updated_at = NOW()
WHERE order_id = ? AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, orderID)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark paid rows affected: %w", err)
	}
	return affected > 0, nil
}

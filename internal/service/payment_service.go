package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/notify"
)

var (
	// ErrUnknownOrder is returned for webhook events naming no known order.
	ErrUnknownOrder = errors.New("unknown payment order")

	// ErrBadSignature is returned when the webhook signature does not match.
	ErrBadSignature = errors.New("invalid webhook signature")
)

// OrderStore is the payment-order surface the settlement path needs.
type OrderStore interface {
	FindByOrderID(ctx context.Context, orderID string) (*models.PaymentOrder, error)
	MarkPaid(ctx context.Context, orderID string) (bool, error)
}

// CreditAdder tops up a user balance after settlement.
type CreditAdder interface {
	AddCredits(ctx context.Context, userID int64, ct models.CreditType, amount int) (int, error)
}

// PaymentService settles webhook events from the payment provider. The
// provider owns the order lifecycle; the gateway only reads the credit
// fields and flips pending orders to paid.
type PaymentService struct {
	secret   string
	orders   OrderStore
	users    CreditAdder
	notifier *notify.Notifier
	log      *slog.Logger
}

func NewPaymentService(secret string, orders OrderStore, users CreditAdder, notifier *notify.Notifier, log *slog.Logger) *PaymentService {
	return &PaymentService{
		secret:   secret,
		orders:   orders,
		users:    users,
		notifier: notifier,
		log:      log,
	}
}

type webhookEvent struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Settle verifies and applies one webhook delivery. Retries are harmless:
// only the first transition to paid credits the user.
func (s *PaymentService) Settle(ctx context.Context, payload []byte, signature string) error {
	if err := s.verifySignature(payload, signature); err != nil {
		return err
	}

	var evt webhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("parse webhook payload: %w", err)
	}
	if evt.OrderID == "" {
		return fmt.Errorf("webhook payload missing order_id")
	}
	if evt.Status != "succeeded" {
		s.log.Info("ignoring non-success payment event", "order", evt.OrderID, "status", evt.Status)
		return nil
	}

	order, err := s.orders.FindByOrderID(ctx, evt.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, evt.OrderID)
	}

	transitioned, err := s.orders.MarkPaid(ctx, order.OrderID)
	if err != nil {
		return err
	}
	if !transitioned {
		s.log.Info("order already settled", "order", order.OrderID)
		return nil
	}

	if _, err := s.users.AddCredits(ctx, order.UserID, order.CreditType, order.CreditsAmount); err != nil {
		return fmt.Errorf("credit user after settlement: %w", err)
	}

	s.log.Info("payment settled", "order", order.OrderID, "user", order.UserID, "credits", order.CreditsAmount, "type", order.CreditType)
	s.notifier.PaymentSettled(order.OrderID, order.UserID, order.CreditsAmount, string(order.CreditType))
	return nil
}

func (s *PaymentService) verifySignature(payload []byte, signature string) error {
	if s.secret == "" {
		// Signature checking is configured via PAYMENT_WEBHOOK_SECRET; without
		// it the endpoint trusts its network boundary.
		return nil
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

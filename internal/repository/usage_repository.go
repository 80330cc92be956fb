package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/models"
)

type UsageRepository struct {
	db *sql.DB
}

func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) Insert(ctx context.Context, rec *models.UsageRecord) error {
	const query = `
INSERT INTO usage_stats (user_id, model_name, tier, tokens_used, cost_usd, stat_date, stat_month)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, rec.UserID, rec.ModelName, rec.Tier, rec.TokensUsed, rec.CostUSD, rec.Date, rec.Month); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// CountForDay derives the quota counter by counting ledger rows directly, so
// it can never drift from the usage records themselves.
func (r *UsageRepository) CountForDay(ctx context.Context, userID int64, tier models.Tier, date string) (int, error) {
	const query = `
SELECT COUNT(*) FROM usage_stats
WHERE user_id = ? AND tier = ? AND stat_date = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, tier, date).Scan(&count); err != nil {
		return 0, fmt.Errorf("count daily usage: %w", err)
	}
	return count, nil
}

// Summary aggregates one period (a stat_date or stat_month value).
type Summary struct {
	Requests   int     `json:"requests"`
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

func (r *UsageRepository) SummaryForDay(ctx context.Context, userID int64, date string) (Summary, error) {
	return r.summary(ctx, userID, "stat_date", date)
}

func (r *UsageRepository) SummaryForMonth(ctx context.Context, userID int64, month string) (Summary, error) {
	return r.summary(ctx, userID, "stat_month", month)
}

func (r *UsageRepository) summary(ctx context.Context, userID int64, column, value string) (Summary, error) {
	query := fmt.Sprintf(`
SELECT COUNT(*), COALESCE(SUM(tokens_used), 0), COALESCE(SUM(cost_usd), 0)
FROM usage_stats WHERE user_id = ? AND %s = ?`, column)
	var s Summary
	if err := r.db.QueryRowContext(ctx, query, userID, value).Scan(&s.Requests, &s.TokensUsed, &s.CostUSD); err != nil {
		return Summary{}, fmt.Errorf("usage summary: %w", err)
	}
	return s, nil
}

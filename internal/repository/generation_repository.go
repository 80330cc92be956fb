package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/models"
)

// GenerationRepository serves one of the two task tables; the table name is
// fixed at construction, never caller-supplied.
type GenerationRepository struct {
	db    *sql.DB
	table string
}

func NewImageGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db, table: "image_generations"}
}

func NewVideoGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db, table: "video_generations"}
}

func (r *GenerationRepository) Insert(ctx context.Context, t *models.GenerationTask) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, user_id, model, prompt, status, progress, result_url, cost_credits, external_task_id, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r.table)
	if _, err := r.db.ExecContext(ctx, query, t.ID, t.UserID, t.Model, t.Prompt, t.Status, t.Progress, t.ResultURL, t.CostCredits, t.ExternalTaskID, t.Error); err != nil {
		return fmt.Errorf("insert generation task: %w", err)
	}
	return nil
}

func (r *GenerationRepository) UpdateStatus(ctx context.Context, id string, status models.TaskState, progress int, resultURL, errMsg string) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = ?, progress = ?, result_url = ?, error = ?, updated_at = NOW()
WHERE id = ?`, r.table)
	if _, err := r.db.ExecContext(ctx, query, status, progress, resultURL, errMsg, id); err != nil {
		return fmt.Errorf("update generation task: %w", err)
	}
	return nil
}

func (r *GenerationRepository) SetExternalTaskID(ctx context.Context, id, externalID string) error {
	query := fmt.Sprintf(`UPDATE %s SET external_task_id = ?, updated_at = NOW() WHERE id = ?`, r.table)
	if _, err := r.db.ExecContext(ctx, query, externalID, id); err != nil {
		return fmt.Errorf("set external task id: %w", err)
	}
	return nil
}

func (r *GenerationRepository) FindByID(ctx context.Context, id string) (*models.GenerationTask, error) {
	query := fmt.Sprintf(`
SELECT id, user_id, model, prompt, status, progress, COALESCE(result_url, ''), cost_credits,
       COALESCE(external_task_id, ''), COALESCE(error, ''), created_at, updated_at
FROM %s WHERE id = ?`, r.table)
	row := r.db.QueryRowContext(ctx, query, id)
	var t models.GenerationTask
	if err := row.Scan(&t.ID, &t.UserID, &t.Model, &t.Prompt, &t.Status, &t.Progress, &t.ResultURL, &t.CostCredits, &t.ExternalTaskID, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan generation task: %w", err)
	}
	return &t, nil
}

func (r *GenerationRepository) CountForUser(ctx context.Context, userID int64) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = ?`, r.table)
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count generation tasks: %w", err)
	}
	return count, nil
}

// ResultURLs lists the stored artifact locations for a user, for the
// retention trimmer to inspect before the rows are dropped.
func (r *GenerationRepository) ResultURLs(ctx context.Context, userID int64) ([]string, error) {
	query := fmt.Sprintf(`
SELECT result_url FROM %s
WHERE user_id = ? AND result_url IS NOT NULL AND result_url <> ''`, r.table)
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list result urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan result url: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func (r *GenerationRepository) DeleteAllForUser(ctx context.Context, userID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = ?`, r.table)
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("delete generation tasks: %w", err)
	}
	return nil
}

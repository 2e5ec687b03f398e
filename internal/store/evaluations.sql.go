package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const evaluationColumns = `id, status, request, results, error, attempt, max_attempts, run_at, created_at, completed_at`

func scanEvaluation(row interface{ Scan(...interface{}) error }) (Evaluation, error) {
	var i Evaluation
	err := row.Scan(
		&i.ID,
		&i.Status,
		&i.Request,
		&i.Results,
		&i.Error,
		&i.Attempt,
		&i.MaxAttempts,
		&i.RunAt,
		&i.CreatedAt,
		&i.CompletedAt,
	)
	return i, err
}

const claimNextEvaluation = `
UPDATE evaluations
SET status = 'running', attempt = attempt + 1, run_at = now()
WHERE id = (
    SELECT id FROM evaluations
    WHERE (status = 'pending' AND run_at <= now())
       OR (status = 'running' AND run_at < $1)
    ORDER BY run_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + evaluationColumns

// ClaimNextEvaluation takes the oldest due pending evaluation, or a running
// one claimed before staleBefore whose worker never reported back.
func (q *Queries) ClaimNextEvaluation(ctx context.Context, staleBefore time.Time) (Evaluation, error) {
	row := q.db.QueryRow(ctx, claimNextEvaluation, staleBefore)
	return scanEvaluation(row)
}

const createEvaluation = `
INSERT INTO evaluations (id, status, request, max_attempts)
VALUES ($1, 'pending', $2, $3)
RETURNING ` + evaluationColumns

type CreateEvaluationParams struct {
	ID          uuid.UUID `json:"id"`
	Request     []byte    `json:"request"`
	MaxAttempts int32     `json:"max_attempts"`
}

func (q *Queries) CreateEvaluation(ctx context.Context, arg CreateEvaluationParams) (Evaluation, error) {
	row := q.db.QueryRow(ctx, createEvaluation, arg.ID, arg.Request, arg.MaxAttempts)
	return scanEvaluation(row)
}

const getEvaluation = `SELECT ` + evaluationColumns + ` FROM evaluations WHERE id = $1`

func (q *Queries) GetEvaluation(ctx context.Context, id uuid.UUID) (Evaluation, error) {
	row := q.db.QueryRow(ctx, getEvaluation, id)
	return scanEvaluation(row)
}

const purgeEvaluations = `
DELETE FROM evaluations
WHERE status IN ('completed', 'rejected', 'failed') AND completed_at < $1`

func (q *Queries) PurgeEvaluations(ctx context.Context, completedBefore time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, purgeEvaluations, completedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const updateEvaluationStatus = `
UPDATE evaluations
SET status = $2, results = $3, error = $4, completed_at = $5, run_at = $6
WHERE id = $1
RETURNING ` + evaluationColumns

type UpdateEvaluationStatusParams struct {
	ID          uuid.UUID   `json:"id"`
	Status      string      `json:"status"`
	Results     []byte      `json:"results"`
	Error       pgtype.Text `json:"error"`
	CompletedAt *time.Time  `json:"completed_at"`
	RunAt       time.Time   `json:"run_at"`
}

func (q *Queries) UpdateEvaluationStatus(ctx context.Context, arg UpdateEvaluationStatusParams) (Evaluation, error) {
	row := q.db.QueryRow(ctx, updateEvaluationStatus,
		arg.ID,
		arg.Status,
		arg.Results,
		arg.Error,
		arg.CompletedAt,
		arg.RunAt,
	)
	return scanEvaluation(row)
}

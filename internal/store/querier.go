package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Querier interface {
	ClaimNextEvaluation(ctx context.Context, staleBefore time.Time) (Evaluation, error)
	CreateEvaluation(ctx context.Context, arg CreateEvaluationParams) (Evaluation, error)
	GetEvaluation(ctx context.Context, id uuid.UUID) (Evaluation, error)
	PurgeEvaluations(ctx context.Context, completedBefore time.Time) (int64, error)
	UpdateEvaluationStatus(ctx context.Context, arg UpdateEvaluationStatusParams) (Evaluation, error)
}

var _ Querier = (*Queries)(nil)

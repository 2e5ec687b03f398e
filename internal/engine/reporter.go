package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gsarma/batchjudge/internal/batch"
	"github.com/gsarma/batchjudge/internal/demux"
	"github.com/gsarma/batchjudge/internal/domain"
)

// Started describes an evaluation that passed validation.
type Started struct {
	EvaluationID uuid.UUID    `json:"evaluation_id"`
	Language     string       `json:"language"`
	Shape        string       `json:"shape"`
	TestCases    int          `json:"test_cases"`
	Batches      int          `json:"batches"`
	Config       batch.Config `json:"config"`
}

// Reporter receives progress while an evaluation runs. FinishBatch may be
// called from several goroutines at once.
type Reporter interface {
	StartEvaluation(ctx context.Context, s Started)
	FinishBatch(ctx context.Context, id uuid.UUID, b domain.Batch, res domain.JobResult, results []domain.TestResult)
	FinishEvaluation(ctx context.Context, id uuid.UUID, summary demux.Summary)
}

type logReporter struct {
	log *zap.SugaredLogger
}

// NewLogReporter reports progress to a zap logger.
func NewLogReporter(log *zap.SugaredLogger) Reporter {
	return &logReporter{log: log}
}

func (r *logReporter) StartEvaluation(_ context.Context, s Started) {
	r.log.Infow("evaluation started",
		"evaluation", s.EvaluationID,
		"language", s.Language,
		"shape", s.Shape,
		"test_cases", s.TestCases,
		"batches", s.Batches,
		"per_batch", s.Config.MaxTestCasesPerBatch,
	)
}

func (r *logReporter) FinishBatch(_ context.Context, id uuid.UUID, b domain.Batch, res domain.JobResult, results []domain.TestResult) {
	passed := 0
	for _, tr := range results {
		if tr.Passed {
			passed++
		}
	}
	r.log.Infow("batch finished",
		"evaluation", id,
		"batch", b.ID,
		"status", res.Status.String(),
		"passed", passed,
		"cases", b.Len(),
		"cpu_time", res.CPUTime,
	)
}

func (r *logReporter) FinishEvaluation(_ context.Context, id uuid.UUID, s demux.Summary) {
	r.log.Infow("evaluation finished",
		"evaluation", id,
		"total", s.Total,
		"passed", s.Passed,
		"infrastructure_failures", s.InfrastructureFailures,
	)
}

type multiReporter []Reporter

// MultiReporter fans every event out to reporters in order.
func MultiReporter(reporters ...Reporter) Reporter {
	return multiReporter(reporters)
}

func (m multiReporter) StartEvaluation(ctx context.Context, s Started) {
	for _, r := range m {
		r.StartEvaluation(ctx, s)
	}
}

func (m multiReporter) FinishBatch(ctx context.Context, id uuid.UUID, b domain.Batch, res domain.JobResult, results []domain.TestResult) {
	for _, r := range m {
		r.FinishBatch(ctx, id, b, res, results)
	}
}

func (m multiReporter) FinishEvaluation(ctx context.Context, id uuid.UUID, s demux.Summary) {
	for _, r := range m {
		r.FinishEvaluation(ctx, id, s)
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/engine"
	"github.com/gsarma/batchjudge/internal/logger"
	"github.com/gsarma/batchjudge/internal/store"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultLease        = 10 * time.Minute
	janitorInterval     = time.Minute
	baseBackoff         = 10 * time.Second
)

// Evaluator runs one submission against its test cases.
type Evaluator interface {
	Evaluate(ctx context.Context, sub domain.Submission, cases []domain.TestCase, timeLimit time.Duration) ([]domain.TestResult, error)
}

type Option func(*Worker)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(w *Worker) { w.log = l }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithRetention purges finished evaluations once they are older than d.
func WithRetention(d time.Duration) Option {
	return func(w *Worker) { w.retention = d }
}

// WithLease sets how long a running evaluation may go without a result before
// another worker reclaims it. It should exceed the evaluation timeout.
func WithLease(d time.Duration) Option {
	return func(w *Worker) { w.lease = d }
}

// Worker polls the database for pending evaluations and runs them concurrently.
type Worker struct {
	store        store.Querier
	evaluator    Evaluator
	concurrency  int
	pollInterval time.Duration
	retention    time.Duration
	lease        time.Duration
	log          *zap.SugaredLogger
}

func New(q store.Querier, evaluator Evaluator, concurrency int, opts ...Option) *Worker {
	w := &Worker{
		store:        q,
		evaluator:    evaluator,
		concurrency:  concurrency,
		pollInterval: defaultPollInterval,
		lease:        defaultLease,
	}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = logger.NewNamedLogger("worker")
	}
	return w
}

// Start spawns concurrency goroutines that each poll for evaluations. It
// blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		go w.loop(ctx)
	}
	if w.retention > 0 {
		go w.janitor(ctx)
	}
	<-ctx.Done()
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processNext(ctx)
		}
	}
}

func (w *Worker) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.PurgeEvaluations(ctx, time.Now().Add(-w.retention))
			if err != nil {
				w.log.Errorw("purge error", "error", err)
				continue
			}
			if n > 0 {
				w.log.Infow("purged finished evaluations", "count", n)
			}
		}
	}
}

func (w *Worker) processNext(ctx context.Context) {
	ev, err := w.store.ClaimNextEvaluation(ctx, time.Now().Add(-w.lease))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || ctx.Err() != nil {
			return
		}
		w.log.Errorw("claim error", "error", err)
		return
	}
	log := w.log.With("evaluation", ev.ID, "attempt", ev.Attempt)

	if ev.Attempt > ev.MaxAttempts {
		// Reclaimed after its lease ran out on every allowed attempt.
		w.finish(ctx, log, ev, store.StatusFailed, nil, fmt.Errorf("abandoned after %d attempts", ev.MaxAttempts))
		return
	}

	var req domain.EvaluationRequest
	if err := json.Unmarshal(ev.Request, &req); err != nil {
		w.finish(ctx, log, ev, store.StatusRejected, nil, fmt.Errorf("decode request: %w", err))
		return
	}

	results, evalErr := w.evaluator.Evaluate(ctx, req.Submission(ev.ID), req.TestCases, req.TimeLimit())

	if ctx.Err() != nil {
		// Shutting down: hand the evaluation back instead of storing
		// results cut short by the cancellation.
		_, err = w.store.UpdateEvaluationStatus(context.WithoutCancel(ctx), store.UpdateEvaluationStatusParams{
			ID:     ev.ID,
			Status: store.StatusPending,
			Error:  pgtype.Text{String: "worker shut down", Valid: true},
			RunAt:  time.Now(),
		})
		if err != nil {
			log.Errorw("release error", "error", err)
		}
		return
	}

	switch {
	case evalErr == nil:
		payload, err := json.Marshal(storable(results))
		if err != nil {
			w.finish(ctx, log, ev, store.StatusFailed, nil, fmt.Errorf("encode results: %w", err))
			return
		}
		if !w.finish(ctx, log, ev, store.StatusCompleted, payload, nil) {
			w.finish(ctx, log, ev, store.StatusFailed, nil, errors.New("results could not be stored"))
		}
	case engine.IsRejection(evalErr):
		w.finish(ctx, log, ev, store.StatusRejected, nil, evalErr)
	case ev.Attempt < ev.MaxAttempts:
		// Failed: retry later with exponential backoff.
		backoff := time.Duration(int64(1)<<uint(ev.Attempt)) * baseBackoff
		_, err = w.store.UpdateEvaluationStatus(ctx, store.UpdateEvaluationStatusParams{
			ID:     ev.ID,
			Status: store.StatusPending,
			Error:  errorText(evalErr),
			RunAt:  time.Now().Add(backoff),
		})
		if err != nil {
			log.Errorw("update status error", "error", err)
			return
		}
		log.Warnw("evaluation will be retried", "error", evalErr, "backoff", backoff)
	default:
		w.finish(ctx, log, ev, store.StatusFailed, nil, evalErr)
	}
}

// finish records a terminal status and reports whether it was stored.
func (w *Worker) finish(ctx context.Context, log *zap.SugaredLogger, ev store.Evaluation, status string, results []byte, cause error) bool {
	now := time.Now()
	arg := store.UpdateEvaluationStatusParams{
		ID:          ev.ID,
		Status:      status,
		Results:     results,
		CompletedAt: &now,
		RunAt:       ev.RunAt,
	}
	if cause != nil {
		arg.Error = errorText(cause)
	}
	if _, err := w.store.UpdateEvaluationStatus(ctx, arg); err != nil {
		log.Errorw("update status error", "status", status, "error", err)
		return false
	}
	if cause != nil {
		log.Infow("evaluation finished", "status", status, "error", cause)
		return true
	}
	log.Infow("evaluation finished", "status", status)
	return true
}

// Postgres text and jsonb reject NUL, which learner output may contain.
const nulReplacement = "\uFFFD"

func errorText(err error) pgtype.Text {
	return pgtype.Text{String: strings.ReplaceAll(err.Error(), "\x00", nulReplacement), Valid: true}
}

// storable returns results with NUL bytes replaced in every free-text field.
func storable(results []domain.TestResult) []domain.TestResult {
	out := make([]domain.TestResult, len(results))
	for i, r := range results {
		r.Actual = strings.ReplaceAll(r.Actual, "\x00", nulReplacement)
		r.Expected = strings.ReplaceAll(r.Expected, "\x00", nulReplacement)
		if r.Failure != nil {
			f := *r.Failure
			f.Detail = strings.ReplaceAll(f.Detail, "\x00", nulReplacement)
			r.Failure = &f
		}
		out[i] = r
	}
	return out
}

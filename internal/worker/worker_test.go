package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsarma/batchjudge/internal/batch"
	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/driver"
	"github.com/gsarma/batchjudge/internal/logger"
	"github.com/gsarma/batchjudge/internal/store"
	"github.com/gsarma/batchjudge/internal/worker"
)

// stubQuerier implements store.Querier for worker tests.
type stubQuerier struct {
	mu                       sync.Mutex
	claimNextEvaluationFn    func(ctx context.Context, staleBefore time.Time) (store.Evaluation, error)
	updateEvaluationStatusFn func(ctx context.Context, arg store.UpdateEvaluationStatusParams) (store.Evaluation, error)
	purged                   []time.Time
}

func (s *stubQuerier) ClaimNextEvaluation(ctx context.Context, staleBefore time.Time) (store.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimNextEvaluationFn != nil {
		return s.claimNextEvaluationFn(ctx, staleBefore)
	}
	return store.Evaluation{}, pgx.ErrNoRows
}

func (s *stubQuerier) UpdateEvaluationStatus(ctx context.Context, arg store.UpdateEvaluationStatusParams) (store.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateEvaluationStatusFn != nil {
		return s.updateEvaluationStatusFn(ctx, arg)
	}
	return store.Evaluation{}, nil
}

func (s *stubQuerier) CreateEvaluation(ctx context.Context, arg store.CreateEvaluationParams) (store.Evaluation, error) {
	return store.Evaluation{}, nil
}

func (s *stubQuerier) GetEvaluation(ctx context.Context, id uuid.UUID) (store.Evaluation, error) {
	return store.Evaluation{}, pgx.ErrNoRows
}

func (s *stubQuerier) PurgeEvaluations(ctx context.Context, completedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, completedBefore)
	return 0, nil
}

// stubEvaluator implements worker.Evaluator for tests.
type stubEvaluator struct {
	evaluateFn func(ctx context.Context, sub domain.Submission, cases []domain.TestCase, timeLimit time.Duration) ([]domain.TestResult, error)
}

func (s *stubEvaluator) Evaluate(ctx context.Context, sub domain.Submission, cases []domain.TestCase, timeLimit time.Duration) ([]domain.TestResult, error) {
	if s.evaluateFn != nil {
		return s.evaluateFn(ctx, sub, cases, timeLimit)
	}
	results := make([]domain.TestResult, len(cases))
	for i, tc := range cases {
		results[i] = domain.TestResult{TestCaseID: tc.ID, Passed: true}
	}
	return results, nil
}

var (
	_ store.Querier    = (*stubQuerier)(nil)
	_ worker.Evaluator = (*stubEvaluator)(nil)
)

func newWorker(q store.Querier, ev worker.Evaluator) *worker.Worker {
	return worker.New(q, ev, 1, worker.WithLogger(logger.Nop()), worker.WithPollInterval(10*time.Millisecond))
}

// runWorkerUntilDone starts a single-goroutine worker and waits for done to
// be closed or the test to time out.
func runWorkerUntilDone(t *testing.T, q store.Querier, ev worker.Evaluator, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go newWorker(q, ev).Start(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for worker to process evaluation")
	}
}

func makeEvaluation(t *testing.T, attempt, maxAttempts int32) store.Evaluation {
	t.Helper()
	req, err := json.Marshal(domain.EvaluationRequest{
		Language:         "python3",
		SourceCode:       "def solve():\n    return 1\n",
		TimeLimitSeconds: 0.5,
		TestCases:        []domain.TestCase{{ID: "a", ExpectedOutput: "1"}, {ID: "b", ExpectedOutput: "1"}},
	})
	require.NoError(t, err)
	return store.Evaluation{
		ID:          uuid.New(),
		Status:      store.StatusRunning,
		Request:     req,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		RunAt:       time.Now(),
	}
}

// claimOnce hands out ev on the first claim and nothing afterwards.
func claimOnce(ev store.Evaluation) func(context.Context, time.Time) (store.Evaluation, error) {
	claimed := false
	return func(context.Context, time.Time) (store.Evaluation, error) {
		if claimed {
			return store.Evaluation{}, pgx.ErrNoRows
		}
		claimed = true
		return ev, nil
	}
}

func captureUpdate(captured *store.UpdateEvaluationStatusParams, done chan struct{}) func(context.Context, store.UpdateEvaluationStatusParams) (store.Evaluation, error) {
	return func(_ context.Context, arg store.UpdateEvaluationStatusParams) (store.Evaluation, error) {
		*captured = arg
		close(done)
		return store.Evaluation{}, nil
	}
}

func TestWorker_NoEvaluations(t *testing.T) {
	updateCalled := false
	q := &stubQuerier{
		updateEvaluationStatusFn: func(_ context.Context, _ store.UpdateEvaluationStatusParams) (store.Evaluation, error) {
			updateCalled = true
			return store.Evaluation{}, nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	newWorker(q, &stubEvaluator{}).Start(ctx)
	assert.False(t, updateCalled, "UpdateEvaluationStatus should not be called when nothing is queued")
}

func TestWorker_EvaluationCompletes(t *testing.T) {
	ev := makeEvaluation(t, 1, 3)
	var captured store.UpdateEvaluationStatusParams
	done := make(chan struct{})

	var gotSub domain.Submission
	var gotLimit time.Duration
	exec := &stubEvaluator{
		evaluateFn: func(_ context.Context, sub domain.Submission, cases []domain.TestCase, timeLimit time.Duration) ([]domain.TestResult, error) {
			gotSub, gotLimit = sub, timeLimit
			return []domain.TestResult{{TestCaseID: "a", Passed: true}, {TestCaseID: "b", Passed: true}}, nil
		},
	}
	q := &stubQuerier{
		claimNextEvaluationFn:    claimOnce(ev),
		updateEvaluationStatusFn: captureUpdate(&captured, done),
	}
	runWorkerUntilDone(t, q, exec, done)

	assert.Equal(t, ev.ID, gotSub.ID)
	assert.Equal(t, "python3", gotSub.Language)
	assert.Equal(t, 500*time.Millisecond, gotLimit)

	assert.Equal(t, store.StatusCompleted, captured.Status)
	assert.NotNil(t, captured.CompletedAt)
	assert.False(t, captured.Error.Valid)

	var stored []domain.TestResult
	require.NoError(t, json.Unmarshal(captured.Results, &stored))
	require.Len(t, stored, 2)
	assert.Equal(t, "b", stored[1].TestCaseID)
}

func TestWorker_RejectionsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"configuration", &batch.ConfigurationError{Field: "time limit", Reason: "must be positive"}},
		{"synthesis", &driver.SynthesisError{Language: "python3", Reason: "no entry point"}},
		{"scale", batch.ErrExceedsScale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := makeEvaluation(t, 1, 3)
			var captured store.UpdateEvaluationStatusParams
			done := make(chan struct{})
			q := &stubQuerier{
				claimNextEvaluationFn:    claimOnce(ev),
				updateEvaluationStatusFn: captureUpdate(&captured, done),
			}
			exec := &stubEvaluator{
				evaluateFn: func(context.Context, domain.Submission, []domain.TestCase, time.Duration) ([]domain.TestResult, error) {
					return nil, tt.err
				},
			}
			runWorkerUntilDone(t, q, exec, done)

			assert.Equal(t, store.StatusRejected, captured.Status)
			assert.Equal(t, tt.err.Error(), captured.Error.String)
			assert.NotNil(t, captured.CompletedAt)
		})
	}
}

func TestWorker_UndecodableRequestIsRejected(t *testing.T) {
	ev := makeEvaluation(t, 1, 3)
	ev.Request = []byte(`{"test_cases": 7}`)
	var captured store.UpdateEvaluationStatusParams
	done := make(chan struct{})
	called := false
	q := &stubQuerier{
		claimNextEvaluationFn:    claimOnce(ev),
		updateEvaluationStatusFn: captureUpdate(&captured, done),
	}
	exec := &stubEvaluator{
		evaluateFn: func(context.Context, domain.Submission, []domain.TestCase, time.Duration) ([]domain.TestResult, error) {
			called = true
			return nil, nil
		},
	}
	runWorkerUntilDone(t, q, exec, done)

	assert.False(t, called)
	assert.Equal(t, store.StatusRejected, captured.Status)
	assert.Contains(t, captured.Error.String, "decode request")
}

func TestWorker_EvaluationFailsWithRetry(t *testing.T) {
	ev := makeEvaluation(t, 1, 3)
	execErr := errors.New("judge unreachable")
	var captured store.UpdateEvaluationStatusParams
	done := make(chan struct{})
	q := &stubQuerier{
		claimNextEvaluationFn:    claimOnce(ev),
		updateEvaluationStatusFn: captureUpdate(&captured, done),
	}
	exec := &stubEvaluator{
		evaluateFn: func(context.Context, domain.Submission, []domain.TestCase, time.Duration) ([]domain.TestResult, error) {
			return nil, execErr
		},
	}
	runWorkerUntilDone(t, q, exec, done)

	assert.Equal(t, store.StatusPending, captured.Status)
	assert.Equal(t, execErr.Error(), captured.Error.String)
	assert.True(t, captured.RunAt.After(time.Now()), "run_at should be in the future for retry backoff")
	assert.Nil(t, captured.CompletedAt)
}

func TestWorker_EvaluationExhaustsRetries(t *testing.T) {
	ev := makeEvaluation(t, 3, 3)
	execErr := errors.New("judge unreachable")
	var captured store.UpdateEvaluationStatusParams
	done := make(chan struct{})
	q := &stubQuerier{
		claimNextEvaluationFn:    claimOnce(ev),
		updateEvaluationStatusFn: captureUpdate(&captured, done),
	}
	exec := &stubEvaluator{
		evaluateFn: func(context.Context, domain.Submission, []domain.TestCase, time.Duration) ([]domain.TestResult, error) {
			return nil, execErr
		},
	}
	runWorkerUntilDone(t, q, exec, done)

	assert.Equal(t, store.StatusFailed, captured.Status)
	assert.Equal(t, execErr.Error(), captured.Error.String)
	assert.NotNil(t, captured.CompletedAt)
}

func TestWorker_BackoffGrowsWithAttempt(t *testing.T) {
	cases := []struct {
		attempt    int32
		minBackoff time.Duration
	}{
		{1, 20*time.Second - time.Second},
		{2, 40*time.Second - time.Second},
		{3, 80*time.Second - time.Second},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("attempt%d", tc.attempt), func(t *testing.T) {
			ev := makeEvaluation(t, tc.attempt, 10)
			var captured store.UpdateEvaluationStatusParams
			done := make(chan struct{})
			q := &stubQuerier{
				claimNextEvaluationFn:    claimOnce(ev),
				updateEvaluationStatusFn: captureUpdate(&captured, done),
			}
			exec := &stubEvaluator{
				evaluateFn: func(context.Context, domain.Submission, []domain.TestCase, time.Duration) ([]domain.TestResult, error) {
					return nil, errors.New("fail")
				},
			}
			runWorkerUntilDone(t, q, exec, done)

			minRunAt := time.Now().Add(tc.minBackoff)
			assert.False(t, captured.RunAt.Before(minRunAt), "attempt %d: expected run_at >= %v, got %v", tc.attempt, minRunAt, captured.RunAt)
		})
	}
}

func TestWorker_ShutdownReleasesEvaluation(t *testing.T) {
	ev := makeEvaluation(t, 1, 3)
	var captured store.UpdateEvaluationStatusParams
	done := make(chan struct{})
	started := make(chan struct{})
	q := &stubQuerier{
		claimNextEvaluationFn:    claimOnce(ev),
		updateEvaluationStatusFn: captureUpdate(&captured, done),
	}
	exec := &stubEvaluator{
		evaluateFn: func(ctx context.Context, _ domain.Submission, _ []domain.TestCase, _ time.Duration) ([]domain.TestResult, error) {
			close(started)
			<-ctx.Done()
			return []domain.TestResult{}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go newWorker(q, exec).Start(ctx)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("evaluation never started")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("evaluation was not released")
	}

	assert.Equal(t, store.StatusPending, captured.Status)
	assert.Nil(t, captured.CompletedAt)
	assert.Nil(t, captured.Results)
}

func TestWorker_ResultsWithNULAreStorable(t *testing.T) {
	ev := makeEvaluation(t, 1, 3)
	var captured store.UpdateEvaluationStatusParams
	done := make(chan struct{})
	q := &stubQuerier{
		claimNextEvaluationFn:    claimOnce(ev),
		updateEvaluationStatusFn: captureUpdate(&captured, done),
	}
	exec := &stubEvaluator{
		evaluateFn: func(context.Context, domain.Submission, []domain.TestCase, time.Duration) ([]domain.TestResult, error) {
			return []domain.TestResult{{
				TestCaseID: "a",
				Actual:     "1\x002",
				Failure:    domain.NewFailure(domain.KindCaseCrashed, "bad\x00byte"),
			}}, nil
		},
	}
	runWorkerUntilDone(t, q, exec, done)

	require.Equal(t, store.StatusCompleted, captured.Status)
	assert.NotContains(t, string(captured.Results), `\u0000`)
	var stored []domain.TestResult
	require.NoError(t, json.Unmarshal(captured.Results, &stored))
	assert.Equal(t, "1\uFFFD2", stored[0].Actual)
	assert.Equal(t, "bad\uFFFDbyte", stored[0].Failure.Detail)
}

func TestWorker_UnstorableResultsFailTheEvaluation(t *testing.T) {
	ev := makeEvaluation(t, 1, 3)
	var statuses []string
	var last store.UpdateEvaluationStatusParams
	done := make(chan struct{})
	q := &stubQuerier{
		claimNextEvaluationFn: claimOnce(ev),
		updateEvaluationStatusFn: func(_ context.Context, arg store.UpdateEvaluationStatusParams) (store.Evaluation, error) {
			statuses = append(statuses, arg.Status)
			if arg.Status == store.StatusCompleted {
				return store.Evaluation{}, errors.New("value too long")
			}
			last = arg
			close(done)
			return store.Evaluation{}, nil
		},
	}
	runWorkerUntilDone(t, q, &stubEvaluator{}, done)

	assert.Equal(t, []string{store.StatusCompleted, store.StatusFailed}, statuses)
	assert.Equal(t, "results could not be stored", last.Error.String)
	assert.NotNil(t, last.CompletedAt)
}

func TestWorker_ReclaimedPastMaxAttemptsFails(t *testing.T) {
	ev := makeEvaluation(t, 4, 3)
	var captured store.UpdateEvaluationStatusParams
	done := make(chan struct{})
	called := false
	q := &stubQuerier{
		claimNextEvaluationFn:    claimOnce(ev),
		updateEvaluationStatusFn: captureUpdate(&captured, done),
	}
	exec := &stubEvaluator{
		evaluateFn: func(context.Context, domain.Submission, []domain.TestCase, time.Duration) ([]domain.TestResult, error) {
			called = true
			return nil, nil
		},
	}
	runWorkerUntilDone(t, q, exec, done)

	assert.False(t, called)
	assert.Equal(t, store.StatusFailed, captured.Status)
	assert.Contains(t, captured.Error.String, "abandoned after 3 attempts")
}

func TestWorker_ClaimsStaleRunningEvaluations(t *testing.T) {
	var staleBefore time.Time
	claimed := make(chan struct{})
	var once sync.Once
	q := &stubQuerier{
		claimNextEvaluationFn: func(_ context.Context, before time.Time) (store.Evaluation, error) {
			once.Do(func() {
				staleBefore = before
				close(claimed)
			})
			return store.Evaluation{}, pgx.ErrNoRows
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	w := worker.New(q, &stubEvaluator{}, 1,
		worker.WithLogger(logger.Nop()),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithLease(5*time.Minute),
	)
	go w.Start(ctx)

	select {
	case <-claimed:
	case <-ctx.Done():
		t.Fatal("worker never claimed")
	}
	assert.WithinDuration(t, time.Now().Add(-5*time.Minute), staleBefore, 5*time.Second)
}

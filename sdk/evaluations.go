package batchjudge

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// EvaluationsService queues, runs and inspects evaluations.
type EvaluationsService struct {
	c *Client
}

// Create queues an evaluation. Poll it with Get or Wait.
func (s *EvaluationsService) Create(ctx context.Context, req EvaluationRequest) (*QueuedEvaluation, error) {
	return doRequest[QueuedEvaluation](ctx, s.c, http.MethodPost, "/evaluations", nil, req, http.StatusAccepted)
}

// Run evaluates synchronously and returns the results.
func (s *EvaluationsService) Run(ctx context.Context, req EvaluationRequest) (*EvaluationResult, error) {
	return doRequest[EvaluationResult](ctx, s.c, http.MethodPost, "/evaluations", map[string]string{"sync": "true"}, req, http.StatusOK)
}

// Plan returns how the test cases would be batched, without running anything.
func (s *EvaluationsService) Plan(ctx context.Context, req EvaluationRequest) (*Plan, error) {
	return doRequest[Plan](ctx, s.c, http.MethodPost, "/evaluations/plan", nil, req, http.StatusOK)
}

// Get retrieves the current state of a queued evaluation.
func (s *EvaluationsService) Get(ctx context.Context, id string) (*Evaluation, error) {
	path := fmt.Sprintf("/evaluations/%s", id)
	return doRequest[Evaluation](ctx, s.c, http.MethodGet, path, nil, nil, http.StatusOK)
}

// Wait polls Get every interval until the evaluation reaches a final state
// or ctx is done.
func (s *EvaluationsService) Wait(ctx context.Context, id string, interval time.Duration) (*Evaluation, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ev, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ev.Done() {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return ev, ctx.Err()
		case <-ticker.C:
		}
	}
}

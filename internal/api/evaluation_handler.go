package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gsarma/batchjudge/internal/batch"
	"github.com/gsarma/batchjudge/internal/demux"
	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/driver"
	"github.com/gsarma/batchjudge/internal/store"
)

type evaluationBody struct {
	Language         string            `json:"language" binding:"required"`
	SourceCode       string            `json:"source_code"`
	TimeLimitSeconds float64           `json:"time_limit_seconds"`
	TestCases        []domain.TestCase `json:"test_cases"`
}

func (b evaluationBody) request() domain.EvaluationRequest {
	return domain.EvaluationRequest{
		Language:         b.Language,
		SourceCode:       b.SourceCode,
		TimeLimitSeconds: b.TimeLimitSeconds,
		TestCases:        b.TestCases,
	}
}

// CreateEvaluation queues an evaluation (async by default) or runs it
// immediately with ?sync=true.
//
// Request body:
//
//	{
//	  "language":           "python3",
//	  "source_code":        "def solve(): ...",
//	  "time_limit_seconds": 1,
//	  "test_cases":         [{"id": "1", "input": "2", "expected_output": "4", "is_public": true}]
//	}
//
// Async (default): returns 202 {"evaluation_id": "...", "status": "queued"}.
// Sync (?sync=true): returns 200 {"evaluation_id", "results", "summary"}.
// Both paths validate the request before anything is queued or run.
func (h *Handler) CreateEvaluation(c *gin.Context) {
	var body evaluationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := body.request()

	if c.Query("sync") == "true" {
		id := uuid.New()
		results, err := h.engine.Evaluate(c.Request.Context(), req.Submission(id), req.TestCases, req.TimeLimit())
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"evaluation_id": id,
			"results":       results,
			"summary":       demux.Summarize(results),
		})
		return
	}

	if _, err := h.engine.Plan(req.Language, req.SourceCode, req.TestCases, req.TimeLimit()); err != nil {
		writeEngineError(c, err)
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode request"})
		return
	}
	// The queue stores requests as jsonb, which cannot hold NUL.
	if hasNUL(req) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source code and test cases must not contain NUL bytes"})
		return
	}
	ev, err := h.queries.CreateEvaluation(c.Request.Context(), store.CreateEvaluationParams{
		ID:          uuid.New(),
		Request:     payload,
		MaxAttempts: h.maxAttempts,
	})
	if err != nil {
		h.log.Errorw("failed to queue evaluation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue evaluation"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"evaluation_id": ev.ID, "status": "queued"})
}

type evaluationResponse struct {
	ID          uuid.UUID           `json:"evaluation_id"`
	Status      string              `json:"status"`
	Attempt     int32               `json:"attempt"`
	Error       string              `json:"error,omitempty"`
	Results     []domain.TestResult `json:"results,omitempty"`
	Summary     *demux.Summary      `json:"summary,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// GetEvaluation returns the state of a queued evaluation and, once it
// completed, its results.
func (h *Handler) GetEvaluation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid evaluation id"})
		return
	}

	ev, err := h.queries.GetEvaluation(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "evaluation not found"})
			return
		}
		h.log.Errorw("failed to load evaluation", "evaluation", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load evaluation"})
		return
	}

	resp := evaluationResponse{
		ID:          ev.ID,
		Status:      ev.Status,
		Attempt:     ev.Attempt,
		CreatedAt:   ev.CreatedAt,
		CompletedAt: ev.CompletedAt,
	}
	if ev.Error.Valid {
		resp.Error = ev.Error.String
	}
	if ev.Status == store.StatusCompleted && len(ev.Results) > 0 {
		if err := json.Unmarshal(ev.Results, &resp.Results); err != nil {
			h.log.Errorw("stored results are unreadable", "evaluation", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stored results are unreadable"})
			return
		}
		s := demux.Summarize(resp.Results)
		resp.Summary = &s
	}
	c.JSON(http.StatusOK, resp)
}

type planBatch struct {
	ID            int     `json:"batch_id"`
	StartIndex    int     `json:"start_index"`
	EndIndex      int     `json:"end_index"`
	TestCases     int     `json:"test_cases"`
	CPUTimeLimit  float64 `json:"cpu_time_limit_seconds"`
	WallTimeLimit float64 `json:"wall_time_limit_seconds"`
}

// PlanEvaluation shows how an evaluation would be batched without running it.
func (h *Handler) PlanEvaluation(c *gin.Context) {
	var body evaluationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := body.request()

	plan, err := h.engine.Plan(req.Language, req.SourceCode, req.TestCases, req.TimeLimit())
	if err != nil {
		writeEngineError(c, err)
		return
	}
	batches := make([]planBatch, len(plan.Batches))
	for i, b := range plan.Batches {
		batches[i] = planBatch{
			ID:         b.ID,
			StartIndex: b.StartIndex,
			EndIndex:   b.EndIndex,
			TestCases:  b.Len(),
		}
		if i < len(plan.Jobs) {
			batches[i].CPUTimeLimit = plan.Jobs[i].Request.CPUTimeLimit.Seconds()
			batches[i].WallTimeLimit = plan.Jobs[i].Request.WallTimeLimit.Seconds()
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"config":  plan.Config,
		"shape":   plan.Shape,
		"batches": batches,
	})
}

func writeEngineError(c *gin.Context, err error) {
	var cfgErr *batch.ConfigurationError
	var synth *driver.SynthesisError
	switch {
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "configuration", "field": cfgErr.Field})
	case errors.As(err, &synth):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "synthesis"})
	case errors.Is(err, batch.ErrExceedsScale):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error(), "kind": "scale"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func hasNUL(req domain.EvaluationRequest) bool {
	if strings.ContainsRune(req.SourceCode, 0) {
		return true
	}
	for _, tc := range req.TestCases {
		if strings.ContainsRune(tc.Input, 0) || strings.ContainsRune(tc.ExpectedOutput, 0) || strings.ContainsRune(tc.ID, 0) {
			return true
		}
	}
	return false
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/engine"
	"github.com/gsarma/batchjudge/internal/store"
)

// Evaluator is the engine surface the handlers use.
type Evaluator interface {
	Evaluate(ctx context.Context, sub domain.Submission, cases []domain.TestCase, timeLimit time.Duration) ([]domain.TestResult, error)
	Plan(language, source string, cases []domain.TestCase, timeLimit time.Duration) (*engine.Plan, error)
}

type Handler struct {
	queries     store.Querier
	engine      Evaluator
	languages   []string
	maxAttempts int32
	log         *zap.SugaredLogger
}

func NewHandler(q store.Querier, ev Evaluator, languages []string, maxAttempts int, log *zap.SugaredLogger) *Handler {
	return &Handler{
		queries:     q,
		engine:      ev,
		languages:   languages,
		maxAttempts: int32(maxAttempts),
		log:         log,
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Languages lists the languages submissions may be written in.
func (h *Handler) Languages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": h.languages})
}

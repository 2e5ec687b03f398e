// Package progress streams evaluation progress to NATS subscribers.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gsarma/batchjudge/internal/demux"
	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/engine"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher implements engine.Reporter by publishing JSON events. Every
// evaluation gets its own subject, <subject>.<evaluation id>.
type Publisher struct {
	conn    Conn
	subject string
	log     *zap.SugaredLogger
	now     func() time.Time
}

var _ engine.Reporter = (*Publisher)(nil)

func NewPublisher(conn Conn, subject string, log *zap.SugaredLogger) *Publisher {
	return &Publisher{conn: conn, subject: subject, log: log, now: time.Now}
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("batchjudge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

func (p *Publisher) StartEvaluation(_ context.Context, s engine.Started) {
	p.send(s.EvaluationID, Started{
		header:    p.header(EventStarted, s.EvaluationID),
		Language:  s.Language,
		Shape:     s.Shape,
		TestCases: s.TestCases,
		Batches:   s.Batches,
		Config:    s.Config,
	})
}

func (p *Publisher) FinishBatch(_ context.Context, id uuid.UUID, b domain.Batch, res domain.JobResult, results []domain.TestResult) {
	msg := BatchFinished{
		header:     p.header(EventBatchFinished, id),
		BatchID:    b.ID,
		StartIndex: b.StartIndex,
		EndIndex:   b.EndIndex,
		Status:     res.Status.String(),
		CPUTime:    res.CPUTime.Seconds(),
		Cases:      make([]CaseVerdict, 0, len(results)),
	}
	for _, tr := range results {
		v := CaseVerdict{TestCaseID: tr.TestCaseID, Passed: tr.Passed}
		if tr.Failure != nil {
			v.Failure = string(tr.Failure.Kind)
			v.Detail = demux.TrimToRect(tr.Failure.Detail, maxOutputHeight, maxOutputWidth)
			v.Actual = demux.TrimToRect(tr.Actual, maxOutputHeight, maxOutputWidth)
		}
		msg.Cases = append(msg.Cases, v)
	}
	p.send(id, msg)
}

func (p *Publisher) FinishEvaluation(_ context.Context, id uuid.UUID, s demux.Summary) {
	p.send(id, Finished{header: p.header(EventFinished, id), Summary: s})
}

func (p *Publisher) header(kind string, id uuid.UUID) header {
	return header{Type: kind, EvaluationID: id, SentAt: p.now().UTC()}
}

func (p *Publisher) send(id uuid.UUID, msg interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		p.log.Errorw("failed to marshal progress event", "evaluation", id, "error", err)
		return
	}
	if err := p.conn.Publish(p.subject+"."+id.String(), b); err != nil {
		p.log.Warnw("failed to publish progress event", "evaluation", id, "error", err)
	}
}

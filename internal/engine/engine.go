// Package engine evaluates a submission against a problem's test cases by
// packing them into as few judge jobs as the platform allows.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gsarma/batchjudge/internal/batch"
	"github.com/gsarma/batchjudge/internal/demux"
	"github.com/gsarma/batchjudge/internal/dispatch"
	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/driver"
	"github.com/gsarma/batchjudge/internal/judge"
	"github.com/gsarma/batchjudge/internal/logger"
)

type Options struct {
	Ceilings batch.Ceilings
	Policy   batch.Policy
	// LanguageIDs maps language names to the judge's language ids.
	LanguageIDs   map[string]int
	MemoryLimitKB int
	// CPUHeadroom is added to every job's estimated CPU time.
	CPUHeadroom time.Duration
	// MaxBatches caps the jobs of one evaluation; 0 means unlimited.
	MaxBatches        int
	EvaluationTimeout time.Duration
	Framing           domain.FramingMode
	Compare           demux.Comparator
	Dispatch          dispatch.Options
}

type Option func(*Engine)

func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithCache lets the dispatcher reuse results of identical jobs.
func WithCache(c dispatch.Cache) Option {
	return func(e *Engine) { e.dispatchOpts = append(e.dispatchOpts, dispatch.WithCache(c)) }
}

type Engine struct {
	opts         Options
	dispatcher   *dispatch.Dispatcher
	dispatchOpts []dispatch.Option
	reporter     Reporter
	log          *zap.SugaredLogger
}

func New(client dispatch.Client, opts Options, options ...Option) *Engine {
	if opts.Compare == nil {
		opts.Compare = demux.CompareTrimmed
	}
	if opts.Framing == "" {
		opts.Framing = domain.FramingMarkers
	}
	if opts.Dispatch.MaxGroupedSubmissions == 0 {
		opts.Dispatch.MaxGroupedSubmissions = opts.Ceilings.MaxGroupedSubmissions
	}

	e := &Engine{opts: opts}
	for _, o := range options {
		o(e)
	}
	if e.log == nil {
		e.log = logger.NewNamedLogger("engine")
	}
	if e.reporter == nil {
		e.reporter = NewLogReporter(e.log)
	}
	e.dispatcher = dispatch.New(client, opts.Dispatch, append([]dispatch.Option{dispatch.WithLogger(e.log)}, e.dispatchOpts...)...)
	return e
}

// Plan is everything Evaluate would send to the judge.
type Plan struct {
	Config  batch.Config   `json:"config"`
	Shape   string         `json:"shape"`
	Batches []domain.Batch `json:"batches"`
	Jobs    []dispatch.Job `json:"-"`
}

// Plan validates the request and builds its batches and jobs without any
// network call. It returns a *batch.ConfigurationError, a
// *driver.SynthesisError or batch.ErrExceedsScale.
func (e *Engine) Plan(language, source string, cases []domain.TestCase, timeLimit time.Duration) (*Plan, error) {
	langID, ok := e.opts.LanguageIDs[language]
	if !ok || !driver.Supported(language) {
		return nil, &batch.ConfigurationError{Field: "language", Reason: fmt.Sprintf("%q is not supported", language)}
	}
	if err := validateIDs(cases); err != nil {
		return nil, err
	}

	cfg, err := batch.Calculate(timeLimit, e.opts.Ceilings, e.opts.Policy)
	if err != nil {
		return nil, err
	}
	if cfg, err = e.fitCeilings(cfg); err != nil {
		return nil, err
	}
	batches := batch.Split(cases, cfg)
	if err := batch.CheckScale(len(batches), e.opts.MaxBatches); err != nil {
		return nil, err
	}

	drv, err := driver.Prepare(language, source, driver.Options{
		Framing: e.opts.Framing,
		Nonce:   markerNonce(language, source),
	})
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Config:  cfg,
		Shape:   drv.Shape().String(),
		Batches: make([]domain.Batch, len(batches)),
		Jobs:    make([]dispatch.Job, len(batches)),
	}
	for i, b := range batches {
		prog, err := drv.Render(b.TestCases)
		if err != nil {
			return nil, err
		}
		b = b.WithProgram(prog.Source, prog.Stdin, prog.Framing)
		cpu, wall := e.limits(b.Len(), timeLimit)
		plan.Batches[i] = b
		plan.Jobs[i] = dispatch.Job{
			BatchID: b.ID,
			Request: judge.Request{
				SourceCode:    prog.Source,
				LanguageID:    langID,
				Stdin:         prog.Stdin,
				CPUTimeLimit:  cpu,
				WallTimeLimit: wall,
				MemoryLimitKB: e.opts.MemoryLimitKB,
			},
		}
	}
	return plan, nil
}

// Evaluate runs every test case and returns one result per case in the
// original order. Failing cases and failed batches are reported in the
// results; only configuration, synthesis and scale problems return an error.
func (e *Engine) Evaluate(ctx context.Context, sub domain.Submission, cases []domain.TestCase, timeLimit time.Duration) ([]domain.TestResult, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	plan, err := e.Plan(sub.Language, sub.Source, cases, timeLimit)
	if err != nil {
		e.log.Infow("evaluation rejected", "evaluation", sub.ID, "error", err)
		return nil, err
	}

	e.reporter.StartEvaluation(ctx, Started{
		EvaluationID: sub.ID,
		Language:     sub.Language,
		Shape:        plan.Shape,
		TestCases:    len(cases),
		Batches:      len(plan.Batches),
		Config:       plan.Config,
	})

	dctx := ctx
	if e.opts.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, e.opts.EvaluationTimeout)
		defer cancel()
	}

	var mu sync.Mutex
	perBatch := make(map[int][]domain.TestResult, len(plan.Batches))
	e.dispatcher.Dispatch(dctx, plan.Jobs, func(i int, res domain.JobResult) {
		b := plan.Batches[i]
		results := demux.Demultiplex(b, res, e.opts.Compare)
		mu.Lock()
		perBatch[b.ID] = results
		mu.Unlock()
		e.reporter.FinishBatch(ctx, sub.ID, b, res, results)
	})

	results := demux.Assemble(plan.Batches, perBatch)
	if results == nil {
		results = []domain.TestResult{}
	}
	e.reporter.FinishEvaluation(ctx, sub.ID, demux.Summarize(results))
	return results, nil
}

// fitCeilings shrinks the batch size until n·t plus headroom fits under each
// job ceiling, so no job is sent with limits below its own estimate.
func (e *Engine) fitCeilings(cfg batch.Config) (batch.Config, error) {
	t := cfg.TimePerTestCase
	ceilings := []struct {
		field string
		limit time.Duration
	}{
		{"cpu time ceiling", e.opts.Ceilings.MaxCPUTime},
		{"wall time ceiling", e.opts.Ceilings.MaxWallTime},
	}
	for _, c := range ceilings {
		if c.limit <= 0 {
			continue
		}
		if t > c.limit {
			return batch.Config{}, &batch.ConfigurationError{
				Field:  "time limit",
				Reason: fmt.Sprintf("%s per test case exceeds the judge's %s of %s", t, c.field, c.limit),
			}
		}
		n := max(int((c.limit-e.opts.CPUHeadroom)/t), 1)
		if n < cfg.MaxTestCasesPerBatch {
			cfg.MaxTestCasesPerBatch = n
			cfg.MaxTotalTimePerBatch = time.Duration(n) * t
		}
	}
	return cfg, nil
}

// limits sizes a job's CPU and wall time for n cases, within the platform ceilings.
func (e *Engine) limits(n int, timeLimit time.Duration) (cpu, wall time.Duration) {
	cpu = time.Duration(n)*timeLimit + e.opts.CPUHeadroom
	wall = 2 * cpu
	if c := e.opts.Ceilings.MaxCPUTime; c > 0 && cpu > c {
		cpu = c
	}
	if c := e.opts.Ceilings.MaxWallTime; c > 0 && wall > c {
		wall = c
	}
	return cpu, wall
}

func validateIDs(cases []domain.TestCase) error {
	seen := mapset.NewThreadUnsafeSet[string]()
	for i, tc := range cases {
		if tc.ID == "" {
			return &batch.ConfigurationError{Field: "test cases", Reason: fmt.Sprintf("test case %d has no id", i)}
		}
		if !seen.Add(tc.ID) {
			return &batch.ConfigurationError{Field: "test cases", Reason: fmt.Sprintf("duplicate test case id %q", tc.ID)}
		}
	}
	return nil
}

// markerNonce is stable for a submission so identical jobs share cache
// entries across evaluations.
func markerNonce(language, source string) string {
	sum := sha256.Sum256([]byte(language + "\x00" + source))
	return hex.EncodeToString(sum[:8])
}

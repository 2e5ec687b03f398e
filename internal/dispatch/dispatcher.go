// Package dispatch runs batch jobs on the Remote Judge Service: it submits
// them, polls until every job is terminal or the deadline passes, and hands
// back one result per job.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/judge"
	"github.com/gsarma/batchjudge/internal/logger"
)

// Client is the part of the judge API the dispatcher needs.
type Client interface {
	Submit(ctx context.Context, r judge.Request) (string, error)
	SubmitBatch(ctx context.Context, reqs []judge.Request) ([]judge.Receipt, error)
	Get(ctx context.Context, token string) (domain.JobResult, error)
	GetBatch(ctx context.Context, tokens []string) ([]domain.JobResult, error)
}

// Cache stores deterministic job results keyed by CacheKey.
type Cache interface {
	Get(ctx context.Context, key string) (domain.JobResult, bool, error)
	Put(ctx context.Context, key string, res domain.JobResult) error
}

type Mode string

const (
	// ModeGrouped sends up to MaxGroupedSubmissions jobs per submit call.
	ModeGrouped Mode = "grouped"
	// ModeIndependent submits and polls every job on its own.
	ModeIndependent Mode = "independent"
)

type Options struct {
	Mode                  Mode
	MaxGroupedSubmissions int
	// Concurrency bounds the submit calls in flight at once.
	Concurrency     int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// MaxPollFailures is the number of consecutive failed status requests
	// after which a job is given up on.
	MaxPollFailures int
	SubmitAttempts  int
}

// DefaultOptions suits a self-hosted Judge0 CE.
func DefaultOptions() Options {
	return Options{
		Mode:                  ModeGrouped,
		MaxGroupedSubmissions: 20,
		Concurrency:           4,
		PollInterval:          500 * time.Millisecond,
		MaxPollInterval:       3 * time.Second,
		MaxPollFailures:       3,
		SubmitAttempts:        3,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.Mode == "" {
		o.Mode = def.Mode
	}
	if o.MaxGroupedSubmissions < 1 {
		o.MaxGroupedSubmissions = def.MaxGroupedSubmissions
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = o.PollInterval
	}
	if o.MaxPollFailures < 1 {
		o.MaxPollFailures = 1
	}
	if o.SubmitAttempts < 1 {
		o.SubmitAttempts = 1
	}
	return o
}

// Job is one batch's execution request.
type Job struct {
	BatchID int
	Request judge.Request
}

// Observer is told about each job as soon as it is terminal. It may be
// called from several goroutines at once.
type Observer func(i int, res domain.JobResult)

type Option func(*Dispatcher)

// WithCache serves repeated jobs from c.
func WithCache(c Cache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher executes jobs against a Client.
type Dispatcher struct {
	client Client
	opts   Options
	cache  Cache
	log    *zap.SugaredLogger
}

func New(client Client, opts Options, options ...Option) *Dispatcher {
	d := &Dispatcher{
		client: client,
		opts:   opts.normalized(),
	}
	for _, o := range options {
		o(d)
	}
	if d.log == nil {
		d.log = logger.NewNamedLogger("dispatch")
	}
	return d
}

// Dispatch runs jobs and returns their results index-aligned with jobs. All
// submissions are issued first, Concurrency at a time, and the resulting
// tokens are then polled together. Every job gets a terminal result: those
// still pending when ctx is done are reported as transport errors.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []Job, observe Observer) []domain.JobResult {
	r := &run{
		Dispatcher: d,
		jobs:       jobs,
		results:    make([]domain.JobResult, len(jobs)),
		done:       make([]bool, len(jobs)),
		pending:    xsync.NewMapOf[string, int](),
		observe:    observe,
	}

	todo := r.serveFromCache(ctx)

	g := new(errgroup.Group)
	g.SetLimit(d.opts.Concurrency)
	for _, unit := range d.units(todo) {
		g.Go(func() error {
			r.submit(ctx, unit)
			return nil
		})
	}
	_ = g.Wait()

	r.poll(ctx)

	for i, ok := range r.done {
		if !ok {
			r.complete(i, domain.TransportFailure("", "job was never dispatched"))
		}
	}
	return r.results
}

// units splits job indices into the groups that are submitted together.
func (d *Dispatcher) units(indices []int) [][]int {
	size := 1
	if d.opts.Mode == ModeGrouped {
		size = d.opts.MaxGroupedSubmissions
	}
	var out [][]int
	for start := 0; start < len(indices); start += size {
		end := min(start+size, len(indices))
		out = append(out, indices[start:end:end])
	}
	return out
}

// run is the state of one Dispatch call. Each job index is owned by exactly
// one goroutine at a time, so results and done need no locking.
type run struct {
	*Dispatcher
	jobs    []Job
	results []domain.JobResult
	done    []bool
	// pending maps the token of every submitted, non-terminal job to its
	// index. Submit goroutines fill it concurrently; the poll loop drains it.
	pending *xsync.MapOf[string, int]
	observe Observer
}

func (r *run) serveFromCache(ctx context.Context) []int {
	todo := make([]int, 0, len(r.jobs))
	for i, job := range r.jobs {
		if r.cache == nil {
			todo = append(todo, i)
			continue
		}
		res, ok, err := r.cache.Get(ctx, CacheKey(job.Request))
		if err != nil {
			r.log.Warnw("cache lookup failed", "batch", job.BatchID, "error", err)
		}
		if !ok {
			todo = append(todo, i)
			continue
		}
		r.log.Debugw("serving batch from cache", "batch", job.BatchID)
		r.complete(i, res)
	}
	return todo
}

// finish records a terminal result, caching it when it is deterministic.
func (r *run) finish(ctx context.Context, i int, res domain.JobResult) {
	if r.done[i] {
		return
	}
	if r.cache != nil && cacheable(res.Status) {
		if err := r.cache.Put(ctx, CacheKey(r.jobs[i].Request), res); err != nil {
			r.log.Warnw("cache store failed", "batch", r.jobs[i].BatchID, "error", err)
		}
	}
	r.complete(i, res)
}

func (r *run) complete(i int, res domain.JobResult) {
	if r.done[i] {
		return
	}
	r.results[i] = res
	r.done[i] = true
	if r.observe != nil {
		r.observe(i, res)
	}
}

// abandon fails jobs that were never submitted because ctx is done.
func (r *run) abandon(ctx context.Context, unit []int) bool {
	if ctx.Err() == nil {
		return false
	}
	for _, i := range unit {
		r.complete(i, domain.TransportFailure("", domain.DescriptionDeadlineExceeded))
	}
	return true
}

// submit sends one unit and registers the tokens it got back.
func (r *run) submit(ctx context.Context, unit []int) {
	if r.abandon(ctx, unit) {
		return
	}
	if r.opts.Mode == ModeIndependent {
		r.submitOne(ctx, unit[0])
		return
	}

	reqs := make([]judge.Request, len(unit))
	for k, i := range unit {
		reqs[k] = r.jobs[i].Request
	}
	var receipts []judge.Receipt
	err := r.retry(ctx, func() error {
		var err error
		receipts, err = r.client.SubmitBatch(ctx, reqs)
		return err
	})
	if err == nil && len(receipts) != len(unit) {
		err = fmt.Errorf("judge returned %d receipts for %d submissions", len(receipts), len(unit))
	}
	if err != nil {
		for _, i := range unit {
			r.failSubmit(ctx, i, err)
		}
		return
	}
	for k, i := range unit {
		if receipts[k].Err != nil {
			r.failSubmit(ctx, i, receipts[k].Err)
			continue
		}
		r.track(receipts[k].Token, i)
	}
}

func (r *run) submitOne(ctx context.Context, i int) {
	var token string
	err := r.retry(ctx, func() error {
		var err error
		token, err = r.client.Submit(ctx, r.jobs[i].Request)
		return err
	})
	if err != nil {
		r.failSubmit(ctx, i, err)
		return
	}
	r.track(token, i)
}

func (r *run) track(token string, i int) {
	r.pending.Store(token, i)
	r.log.Debugw("batch submitted", "batch", r.jobs[i].BatchID, "token", token)
}

func (r *run) failSubmit(ctx context.Context, i int, err error) {
	desc := domain.DescriptionRejected
	switch {
	case ctx.Err() != nil:
		desc = domain.DescriptionDeadlineExceeded
	case judge.IsTransient(err):
		desc = domain.DescriptionUnavailable
	}
	r.log.Warnw("batch submission failed", "batch", r.jobs[i].BatchID, "error", err)
	r.finish(ctx, i, domain.TransportFailure("", desc))
}

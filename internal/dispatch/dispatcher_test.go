package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/judge"
	"github.com/gsarma/batchjudge/internal/logger"
)

// fakeJudge echoes each job's stdin as its stdout after pendingPolls
// non-terminal status reads.
type fakeJudge struct {
	mu sync.Mutex

	pendingPolls int
	status       domain.StatusKind
	rejectLang   int
	submitErrs   []error
	pollErr      error

	next         int
	reqs         map[string]judge.Request
	polls        map[string]int
	submits      int
	batchSizes   []int
	repolledDone bool
	// submits seen when the first status request arrived; -1 until then.
	submitsAtFirstPoll int
}

func newFakeJudge() *fakeJudge {
	return &fakeJudge{
		status:             domain.StatusSuccess,
		reqs:               map[string]judge.Request{},
		polls:              map[string]int{},
		submitsAtFirstPoll: -1,
	}
}

func (f *fakeJudge) enqueue(r judge.Request) string {
	f.next++
	token := fmt.Sprintf("tok-%d", f.next)
	f.reqs[token] = r
	return token
}

func (f *fakeJudge) submitErr() error {
	f.submits++
	if len(f.submitErrs) == 0 {
		return nil
	}
	err := f.submitErrs[0]
	f.submitErrs = f.submitErrs[1:]
	return err
}

func (f *fakeJudge) Submit(_ context.Context, r judge.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr(); err != nil {
		return "", err
	}
	return f.enqueue(r), nil
}

func (f *fakeJudge) SubmitBatch(_ context.Context, reqs []judge.Request) ([]judge.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr(); err != nil {
		return nil, err
	}
	f.batchSizes = append(f.batchSizes, len(reqs))
	out := make([]judge.Receipt, len(reqs))
	for i, r := range reqs {
		if f.rejectLang != 0 && r.LanguageID == f.rejectLang {
			out[i].Err = fmt.Errorf("language %d does not exist", r.LanguageID)
			continue
		}
		out[i].Token = f.enqueue(r)
	}
	return out, nil
}

func (f *fakeJudge) result(token string) domain.JobResult {
	if f.submitsAtFirstPoll < 0 {
		f.submitsAtFirstPoll = f.next
	}
	f.polls[token]++
	n := f.polls[token]
	if n > f.pendingPolls+1 {
		f.repolledDone = true
	}
	if n <= f.pendingPolls {
		return domain.JobResult{Token: token, Status: domain.StatusPending}
	}
	return domain.JobResult{Token: token, Status: f.status, Stdout: f.reqs[token].Stdin}
}

func (f *fakeJudge) Get(_ context.Context, token string) (domain.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return domain.JobResult{}, f.pollErr
	}
	return f.result(token), nil
}

func (f *fakeJudge) GetBatch(_ context.Context, tokens []string) ([]domain.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	out := make([]domain.JobResult, len(tokens))
	for i, t := range tokens {
		out[i] = f.result(t)
	}
	return out, nil
}

func testOptions(mode Mode) Options {
	return Options{
		Mode:                  mode,
		MaxGroupedSubmissions: 2,
		Concurrency:           3,
		PollInterval:          time.Millisecond,
		MaxPollInterval:       2 * time.Millisecond,
		MaxPollFailures:       3,
		SubmitAttempts:        3,
	}
}

func makeJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{BatchID: i + 1, Request: judge.Request{SourceCode: "src", LanguageID: 71, Stdin: fmt.Sprintf("batch-%d", i+1)}}
	}
	return jobs
}

type observed struct {
	mu    sync.Mutex
	calls map[int]int
}

func (o *observed) observe(i int, _ domain.JobResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[int]int{}
	}
	o.calls[i]++
}

func TestDispatch_GroupedRoundsKeepOrder(t *testing.T) {
	fj := newFakeJudge()
	fj.pendingPolls = 2
	d := New(fj, testOptions(ModeGrouped), WithLogger(logger.Nop()))

	var obs observed
	results := d.Dispatch(context.Background(), makeJobs(5), obs.observe)

	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, domain.StatusSuccess, res.Status)
		assert.Equal(t, fmt.Sprintf("batch-%d", i+1), res.Stdout)
		assert.Equal(t, 1, obs.calls[i], "observer calls for job %d", i)
	}
	assert.ElementsMatch(t, []int{2, 2, 1}, fj.batchSizes)
	assert.False(t, fj.repolledDone, "terminal token polled again")
	for token, n := range fj.polls {
		assert.Equal(t, 3, n, "polls for %s", token)
	}
}

func TestDispatch_Independent(t *testing.T) {
	fj := newFakeJudge()
	fj.pendingPolls = 1
	d := New(fj, testOptions(ModeIndependent), WithLogger(logger.Nop()))

	results := d.Dispatch(context.Background(), makeJobs(4), nil)

	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("batch-%d", i+1), res.Stdout)
	}
	assert.Equal(t, 4, fj.submits)
	assert.Empty(t, fj.batchSizes)
	assert.False(t, fj.repolledDone)
}

func TestDispatch_SubmitsEverythingBeforePolling(t *testing.T) {
	for _, mode := range []Mode{ModeIndependent, ModeGrouped} {
		t.Run(string(mode), func(t *testing.T) {
			fj := newFakeJudge()
			fj.pendingPolls = 3
			opts := testOptions(mode)
			opts.Concurrency = 1
			d := New(fj, opts, WithLogger(logger.Nop()))

			results := d.Dispatch(context.Background(), makeJobs(6), nil)

			for _, res := range results {
				assert.Equal(t, domain.StatusSuccess, res.Status)
			}
			assert.Equal(t, 6, fj.submitsAtFirstPoll)
			for token, n := range fj.polls {
				assert.Equal(t, 4, n, "polls for %s", token)
			}
		})
	}
}

func TestDispatch_DeadlineMarksPendingJobs(t *testing.T) {
	fj := newFakeJudge()
	fj.pendingPolls = 1 << 30
	d := New(fj, testOptions(ModeGrouped), WithLogger(logger.Nop()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	results := d.Dispatch(ctx, makeJobs(3), nil)

	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, domain.StatusTransportError, res.Status)
		assert.Equal(t, domain.DescriptionDeadlineExceeded, res.Description)
		assert.NotEmpty(t, res.Token)
	}
}

func TestDispatch_ExpiredContextNeverDropsJobs(t *testing.T) {
	fj := newFakeJudge()
	d := New(fj, testOptions(ModeIndependent), WithLogger(logger.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := d.Dispatch(ctx, makeJobs(2), nil)

	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, domain.StatusTransportError, res.Status)
		assert.Equal(t, domain.DescriptionDeadlineExceeded, res.Description)
	}
	assert.Zero(t, fj.submits)
}

func TestDispatch_RetriesTransientSubmit(t *testing.T) {
	fj := newFakeJudge()
	fj.submitErrs = []error{&judge.HTTPError{StatusCode: http.StatusServiceUnavailable}}
	d := New(fj, testOptions(ModeIndependent), WithLogger(logger.Nop()))

	results := d.Dispatch(context.Background(), makeJobs(1), nil)

	assert.Equal(t, domain.StatusSuccess, results[0].Status)
	assert.Equal(t, 2, fj.submits)
}

func TestDispatch_SubmitFailures(t *testing.T) {
	tests := []struct {
		name     string
		errs     []error
		wantDesc string
		submits  int
	}{
		{
			name:     "permanent rejection",
			errs:     []error{&judge.HTTPError{StatusCode: http.StatusUnprocessableEntity}},
			wantDesc: domain.DescriptionRejected,
			submits:  1,
		},
		{
			name: "judge keeps failing",
			errs: []error{
				&judge.HTTPError{StatusCode: http.StatusBadGateway},
				&judge.HTTPError{StatusCode: http.StatusBadGateway},
				&judge.HTTPError{StatusCode: http.StatusBadGateway},
			},
			wantDesc: domain.DescriptionUnavailable,
			submits:  3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fj := newFakeJudge()
			fj.submitErrs = tt.errs
			d := New(fj, testOptions(ModeGrouped), WithLogger(logger.Nop()))

			results := d.Dispatch(context.Background(), makeJobs(2), nil)

			for _, res := range results {
				assert.Equal(t, domain.StatusTransportError, res.Status)
				assert.Equal(t, tt.wantDesc, res.Description)
			}
			assert.Equal(t, tt.submits, fj.submits)
		})
	}
}

func TestDispatch_RejectedGroupItem(t *testing.T) {
	fj := newFakeJudge()
	fj.rejectLang = 99
	jobs := makeJobs(2)
	jobs[1].Request.LanguageID = 99
	d := New(fj, testOptions(ModeGrouped), WithLogger(logger.Nop()))

	results := d.Dispatch(context.Background(), jobs, nil)

	assert.Equal(t, domain.StatusSuccess, results[0].Status)
	assert.Equal(t, domain.StatusTransportError, results[1].Status)
	assert.Equal(t, domain.DescriptionRejected, results[1].Description)
}

func TestDispatch_PollFailuresEscalate(t *testing.T) {
	fj := newFakeJudge()
	fj.pollErr = &judge.HTTPError{StatusCode: http.StatusInternalServerError}
	d := New(fj, testOptions(ModeIndependent), WithLogger(logger.Nop()))

	results := d.Dispatch(context.Background(), makeJobs(1), nil)

	assert.Equal(t, domain.StatusTransportError, results[0].Status)
	assert.Equal(t, domain.DescriptionPollFailed, results[0].Description)
}

type memCache struct {
	mu   sync.Mutex
	data map[string]domain.JobResult
	puts int
}

func (c *memCache) Get(_ context.Context, key string) (domain.JobResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.data[key]
	return res, ok, nil
}

func (c *memCache) Put(_ context.Context, key string, res domain.JobResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = res
	c.puts++
	return nil
}

func TestDispatch_CacheServesRepeatedJobs(t *testing.T) {
	cache := &memCache{data: map[string]domain.JobResult{}}
	jobs := makeJobs(3)

	first := newFakeJudge()
	New(first, testOptions(ModeGrouped), WithCache(cache), WithLogger(logger.Nop())).
		Dispatch(context.Background(), jobs, nil)
	assert.Equal(t, 3, cache.puts)

	second := newFakeJudge()
	var obs observed
	results := New(second, testOptions(ModeGrouped), WithCache(cache), WithLogger(logger.Nop())).
		Dispatch(context.Background(), jobs, obs.observe)

	assert.Zero(t, second.submits)
	assert.Len(t, obs.calls, 3)
	assert.Equal(t, "batch-2", results[1].Stdout)
}

func TestDispatch_CacheSkipsNondeterministicResults(t *testing.T) {
	cache := &memCache{data: map[string]domain.JobResult{}}
	fj := newFakeJudge()
	fj.status = domain.StatusTimeLimitExceeded

	New(fj, testOptions(ModeGrouped), WithCache(cache), WithLogger(logger.Nop())).
		Dispatch(context.Background(), makeJobs(2), nil)

	assert.Zero(t, cache.puts)
}

func TestCacheKey(t *testing.T) {
	a := judge.Request{SourceCode: "x", LanguageID: 71, Stdin: "1", CPUTimeLimit: time.Second}
	b := a
	assert.Equal(t, CacheKey(a), CacheKey(b))
	b.CPUTimeLimit = 2 * time.Second
	assert.NotEqual(t, CacheKey(a), CacheKey(b))
}

package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/judge"
)

const backoffFactor = 1.5

// poll fetches every pending token until each is terminal. Tokens are
// requested MaxGroupedSubmissions at a time in grouped mode and one by one in
// independent mode; terminal tokens are never fetched again.
func (r *run) poll(ctx context.Context) {
	interval := r.opts.PollInterval
	failures := map[string]int{}
	for r.pending.Size() > 0 {
		if !sleep(ctx, interval) {
			r.expireAll(ctx, domain.DescriptionDeadlineExceeded)
			return
		}
		interval = r.nextInterval(interval)

		for _, tokens := range r.pollRounds() {
			results, err := r.fetch(ctx, tokens)
			if err == nil && len(results) != len(tokens) {
				err = fmt.Errorf("judge returned %d results for %d tokens", len(results), len(tokens))
			}
			if err != nil {
				if ctx.Err() != nil {
					r.expireAll(ctx, domain.DescriptionDeadlineExceeded)
					return
				}
				r.log.Warnw("polling judge failed", "tokens", len(tokens), "error", err)
				for _, token := range tokens {
					failures[token]++
					if !judge.IsTransient(err) || failures[token] >= r.opts.MaxPollFailures {
						r.settle(ctx, token, domain.TransportFailure(token, domain.DescriptionPollFailed))
					}
				}
				continue
			}

			for k, res := range results {
				token := tokens[k]
				delete(failures, token)
				if !res.Status.Terminal() {
					continue
				}
				if res.Token == "" {
					res.Token = token
				}
				r.settle(ctx, token, res)
			}
		}
	}
}

// pollRounds returns the pending tokens, sorted and split into requests.
func (r *run) pollRounds() [][]string {
	tokens := make([]string, 0, r.pending.Size())
	r.pending.Range(func(token string, _ int) bool {
		tokens = append(tokens, token)
		return true
	})
	sort.Strings(tokens)

	size := 1
	if r.opts.Mode == ModeGrouped {
		size = r.opts.MaxGroupedSubmissions
	}
	var out [][]string
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		out = append(out, tokens[start:end:end])
	}
	return out
}

func (r *run) fetch(ctx context.Context, tokens []string) ([]domain.JobResult, error) {
	if r.opts.Mode == ModeGrouped {
		return r.client.GetBatch(ctx, tokens)
	}
	res, err := r.client.Get(ctx, tokens[0])
	if err != nil {
		return nil, err
	}
	return []domain.JobResult{res}, nil
}

// settle removes token from the pending set and records res for its job.
func (r *run) settle(ctx context.Context, token string, res domain.JobResult) {
	i, ok := r.pending.LoadAndDelete(token)
	if !ok {
		return
	}
	r.finish(ctx, i, res)
}

// expireAll gives every pending job a terminal transport error.
func (r *run) expireAll(ctx context.Context, desc string) {
	r.pending.Range(func(token string, i int) bool {
		r.log.Warnw("abandoning batch", "batch", r.jobs[i].BatchID, "token", token, "reason", desc)
		r.settle(ctx, token, domain.TransportFailure(token, desc))
		return true
	})
}

// retry runs fn until it succeeds, fails permanently or SubmitAttempts is
// reached. Only transient judge errors are retried.
func (r *run) retry(ctx context.Context, fn func() error) error {
	delay := r.opts.PollInterval
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !judge.IsTransient(err) || attempt >= r.opts.SubmitAttempts {
			return err
		}
		r.log.Infow("retrying submission", "attempt", attempt, "error", err)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = r.nextInterval(delay)
	}
}

func (d *Dispatcher) nextInterval(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > d.opts.MaxPollInterval {
		next = d.opts.MaxPollInterval
	}
	return next
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func cacheable(s domain.StatusKind) bool {
	return s == domain.StatusSuccess || s == domain.StatusCompileError
}

// CacheKey identifies a job by everything that influences its outcome.
func CacheKey(req judge.Request) string {
	b, _ := json.Marshal(struct {
		Source string        `json:"s"`
		Lang   int           `json:"l"`
		Stdin  string        `json:"i"`
		CPU    time.Duration `json:"c"`
		Wall   time.Duration `json:"w"`
		Memory int           `json:"m"`
	}{req.SourceCode, req.LanguageID, req.Stdin, req.CPUTimeLimit, req.WallTimeLimit, req.MemoryLimitKB})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

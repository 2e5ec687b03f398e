// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/gsarma/batchjudge/internal/batch"
	"github.com/gsarma/batchjudge/internal/demux"
	"github.com/gsarma/batchjudge/internal/dispatch"
	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/driver"
	"github.com/gsarma/batchjudge/internal/engine"
	"github.com/gsarma/batchjudge/internal/judge"
)

type Config struct {
	Mode              string `env:"MODE" env-default:"both" env-description:"api, worker or both"`
	Port              string `env:"PORT" env-default:"8080"`
	DatabaseURL       string `env:"DATABASE_URL" env-description:"postgres connection string for the evaluation queue"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" env-default:"5"`
	LogDir            string `env:"LOG_DIR" env-default:"logs"`

	MaxAttempts int           `env:"EVALUATION_MAX_ATTEMPTS" env-default:"3"`
	Retention   time.Duration `env:"EVALUATION_RETENTION" env-default:"24h" env-description:"finished evaluations older than this are purged"`
	Lease       time.Duration `env:"EVALUATION_LEASE" env-default:"10m" env-description:"running evaluations without a result after this long are reclaimed"`

	Judge0   Judge0
	Platform Platform
	Batching Batching
	Dispatch Dispatch
	Output   Output
	Redis    Redis
	NATS     NATS
}

type Judge0 struct {
	URL               string        `env:"JUDGE0_URL" env-default:"http://judge0-server:2358"`
	AuthToken         string        `env:"JUDGE0_AUTH_TOKEN"`
	AuthHeader        string        `env:"JUDGE0_AUTH_HEADER" env-default:"X-Auth-Token"`
	OAuthTokenURL     string        `env:"JUDGE0_OAUTH_TOKEN_URL"`
	OAuthClientID     string        `env:"JUDGE0_OAUTH_CLIENT_ID"`
	OAuthClientSecret string        `env:"JUDGE0_OAUTH_CLIENT_SECRET"`
	OAuthScopes       []string      `env:"JUDGE0_OAUTH_SCOPES" env-separator:","`
	HTTPTimeout       time.Duration `env:"JUDGE0_HTTP_TIMEOUT" env-default:"30s"`
}

// Platform describes what the Remote Judge Service enforces.
type Platform struct {
	LanguageIDs           LanguageIDs   `env:"JUDGE_LANGUAGE_IDS" env-default:"python3:71,cpp:54"`
	MaxCPUTime            time.Duration `env:"JUDGE_MAX_CPU_TIME" env-default:"15s"`
	MaxWallTime           time.Duration `env:"JUDGE_MAX_WALL_TIME" env-default:"30s"`
	MaxGroupedSubmissions int           `env:"JUDGE_MAX_GROUPED_SUBMISSIONS" env-default:"20"`
	MemoryLimitKB         int           `env:"JUDGE_MEMORY_LIMIT_KB" env-default:"262144"`
}

type Batching struct {
	SafetyMargin            float64       `env:"BATCH_SAFETY_MARGIN" env-default:"0.75"`
	Tiers                   TierList      `env:"BATCH_TIERS" env-default:"1s:45,3s:15,0:5"`
	CPUHeadroom             time.Duration `env:"BATCH_CPU_HEADROOM" env-default:"1s"`
	MaxBatchesPerEvaluation int           `env:"MAX_BATCHES_PER_EVALUATION" env-default:"0"`
}

type Dispatch struct {
	Mode              string        `env:"DISPATCH_MODE" env-default:"grouped"`
	Concurrency       int           `env:"DISPATCH_CONCURRENCY" env-default:"4"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" env-default:"500ms"`
	MaxPollInterval   time.Duration `env:"POLL_MAX_INTERVAL" env-default:"3s"`
	MaxPollFailures   int           `env:"POLL_MAX_FAILURES" env-default:"3"`
	SubmitAttempts    int           `env:"SUBMIT_ATTEMPTS" env-default:"3"`
	EvaluationTimeout time.Duration `env:"EVALUATION_TIMEOUT" env-default:"2m"`
}

type Output struct {
	Framing     string `env:"DRIVER_FRAMING" env-default:"markers"`
	CompareMode string `env:"COMPARE_MODE" env-default:"trimmed"`
}

type Redis struct {
	URL      string        `env:"REDIS_URL"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `env:"CACHE_TTL" env-default:"24h"`
}

type NATS struct {
	URL     string `env:"NATS_URL"`
	Subject string `env:"NATS_SUBJECT" env-default:"batchjudge.progress"`
}

// Load reads .env (when present) into the environment and then parses the
// environment into a Config.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat .env: %w", err)
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case "api", "worker", "both":
	default:
		return fmt.Errorf("MODE must be api, worker or both, got %q", c.Mode)
	}
	switch c.Dispatch.Mode {
	case "grouped", "independent":
	default:
		return fmt.Errorf("DISPATCH_MODE must be grouped or independent, got %q", c.Dispatch.Mode)
	}
	switch c.Output.Framing {
	case "markers", "lines":
	default:
		return fmt.Errorf("DRIVER_FRAMING must be markers or lines, got %q", c.Output.Framing)
	}
	switch c.Output.CompareMode {
	case "trimmed", "tokens":
	default:
		return fmt.Errorf("COMPARE_MODE must be trimmed or tokens, got %q", c.Output.CompareMode)
	}
	if c.Lease <= c.Dispatch.EvaluationTimeout {
		return fmt.Errorf("EVALUATION_LEASE (%s) must exceed EVALUATION_TIMEOUT (%s)", c.Lease, c.Dispatch.EvaluationTimeout)
	}
	if (c.Judge0.OAuthTokenURL == "") != (c.Judge0.OAuthClientID == "") {
		return errors.New("JUDGE0_OAUTH_TOKEN_URL and JUDGE0_OAUTH_CLIENT_ID must be set together")
	}
	return nil
}

// Ceilings returns the platform limits used for batch sizing.
func (c *Config) Ceilings() batch.Ceilings {
	return batch.Ceilings{
		MaxCPUTime:            c.Platform.MaxCPUTime,
		MaxWallTime:           c.Platform.MaxWallTime,
		MaxGroupedSubmissions: c.Platform.MaxGroupedSubmissions,
	}
}

// Policy returns the batch sizing policy.
func (c *Config) Policy() batch.Policy {
	return batch.Policy{
		SafetyMargin: c.Batching.SafetyMargin,
		Tiers:        []batch.Tier(c.Batching.Tiers),
	}
}

// JudgeConfig returns the Judge0 client settings.
func (c *Config) JudgeConfig() judge.Config {
	jc := judge.Config{
		URL:         c.Judge0.URL,
		AuthToken:   c.Judge0.AuthToken,
		AuthHeader:  c.Judge0.AuthHeader,
		HTTPTimeout: c.Judge0.HTTPTimeout,
	}
	if c.Judge0.OAuthTokenURL != "" {
		jc.OAuth = &judge.OAuthConfig{
			TokenURL:     c.Judge0.OAuthTokenURL,
			ClientID:     c.Judge0.OAuthClientID,
			ClientSecret: c.Judge0.OAuthClientSecret,
			Scopes:       c.Judge0.OAuthScopes,
		}
	}
	return jc
}

// EngineOptions returns the evaluation engine settings.
func (c *Config) EngineOptions() engine.Options {
	compare, err := demux.ComparatorFor(c.Output.CompareMode)
	if err != nil {
		// validate already rejected unknown modes.
		compare = demux.CompareTrimmed
	}
	return engine.Options{
		Ceilings:          c.Ceilings(),
		Policy:            c.Policy(),
		LanguageIDs:       c.Platform.LanguageIDs,
		MemoryLimitKB:     c.Platform.MemoryLimitKB,
		CPUHeadroom:       c.Batching.CPUHeadroom,
		MaxBatches:        c.Batching.MaxBatchesPerEvaluation,
		EvaluationTimeout: c.Dispatch.EvaluationTimeout,
		Framing:           domain.FramingMode(c.Output.Framing),
		Compare:           compare,
		Dispatch: dispatch.Options{
			Mode:                  dispatch.Mode(c.Dispatch.Mode),
			MaxGroupedSubmissions: c.Platform.MaxGroupedSubmissions,
			Concurrency:           c.Dispatch.Concurrency,
			PollInterval:          c.Dispatch.PollInterval,
			MaxPollInterval:       c.Dispatch.MaxPollInterval,
			MaxPollFailures:       c.Dispatch.MaxPollFailures,
			SubmitAttempts:        c.Dispatch.SubmitAttempts,
		},
	}
}

// Languages returns the configured languages the engine can synthesize
// drivers for, sorted.
func (c *Config) Languages() []string {
	var langs []string
	for _, l := range driver.Languages() {
		if _, ok := c.Platform.LanguageIDs[l]; ok {
			langs = append(langs, l)
		}
	}
	return langs
}

// TierList parses "1s:45,3s:15,0:5" into batch tiers. A zero duration is the
// open-ended tier.
type TierList []batch.Tier

func (t *TierList) SetValue(s string) error {
	var tiers TierList
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		limit, maxCases, ok := strings.Cut(part, ":")
		if !ok {
			return fmt.Errorf("tier %q: expected <duration>:<cases>", part)
		}
		upTo, err := time.ParseDuration(strings.TrimSpace(limit))
		if err != nil {
			return fmt.Errorf("tier %q: %w", part, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(maxCases))
		if err != nil {
			return fmt.Errorf("tier %q: %w", part, err)
		}
		tiers = append(tiers, batch.Tier{UpTo: upTo, MaxCases: n})
	}
	if len(tiers) == 0 {
		return errors.New("at least one tier is required")
	}
	// Bounded tiers ascending, open-ended tier last.
	sort.SliceStable(tiers, func(i, j int) bool {
		a, b := tiers[i].UpTo, tiers[j].UpTo
		if a == 0 || b == 0 {
			return b == 0 && a != 0
		}
		return a < b
	})
	*t = tiers
	return nil
}

// LanguageIDs maps engine language names to Judge0 language ids.
type LanguageIDs map[string]int

func (l *LanguageIDs) SetValue(s string) error {
	ids := LanguageIDs{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, id, ok := strings.Cut(part, ":")
		if !ok {
			return fmt.Errorf("language %q: expected <name>:<id>", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil {
			return fmt.Errorf("language %q: %w", part, err)
		}
		ids[strings.TrimSpace(name)] = n
	}
	*l = ids
	return nil
}

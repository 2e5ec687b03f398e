// Package batch sizes and partitions test cases into judge jobs.
package batch

import (
	"math"
	"time"
)

// Ceilings are the limits the Remote Judge Service enforces per job.
type Ceilings struct {
	MaxCPUTime            time.Duration
	MaxWallTime           time.Duration
	MaxGroupedSubmissions int
}

// Generous returns the largest enforced time ceiling.
func (c Ceilings) Generous() time.Duration {
	if c.MaxWallTime > c.MaxCPUTime {
		return c.MaxWallTime
	}
	return c.MaxCPUTime
}

// Tier caps the batch size for problems whose per-case limit is at most UpTo.
// A zero UpTo matches every limit.
type Tier struct {
	UpTo     time.Duration
	MaxCases int
}

// Policy holds the calibrated safety margin and tiered caps.
type Policy struct {
	SafetyMargin float64
	Tiers        []Tier
}

// DefaultPolicy is calibrated for Judge0 CE with its default limits.
func DefaultPolicy() Policy {
	return Policy{
		SafetyMargin: 0.75,
		Tiers: []Tier{
			{UpTo: time.Second, MaxCases: 45},
			{UpTo: 3 * time.Second, MaxCases: 15},
			{UpTo: 0, MaxCases: 5},
		},
	}
}

// Config is the derived sizing for one problem/time-limit pair.
type Config struct {
	MaxTestCasesPerBatch int           `json:"max_test_cases_per_batch"`
	MaxTotalTimePerBatch time.Duration `json:"max_total_time_per_batch"`
	SafetyMargin         float64       `json:"safety_margin"`
	TimePerTestCase      time.Duration `json:"time_per_test_case"`
}

// Calculate derives the batch size for a per-test-case time limit.
func Calculate(timeLimit time.Duration, ceilings Ceilings, policy Policy) (Config, error) {
	if timeLimit <= 0 {
		return Config{}, configError("time limit", "must be positive, got %s", timeLimit)
	}
	if policy.SafetyMargin <= 0 || policy.SafetyMargin > 1 {
		return Config{}, configError("safety margin", "must be in (0,1], got %g", policy.SafetyMargin)
	}
	ceiling := ceilings.Generous()
	if ceiling <= 0 {
		return Config{}, configError("platform ceilings", "no positive cpu or wall time ceiling")
	}
	tierCap, err := policy.capFor(timeLimit)
	if err != nil {
		return Config{}, err
	}

	safeMax := time.Duration(math.Floor(float64(ceiling) * policy.SafetyMargin))
	perBatch := int(safeMax / timeLimit)
	if tierCap < perBatch {
		perBatch = tierCap
	}

	total := safeMax
	if perBatch < 1 {
		perBatch = 1
		total = timeLimit
	}

	return Config{
		MaxTestCasesPerBatch: perBatch,
		MaxTotalTimePerBatch: total,
		SafetyMargin:         policy.SafetyMargin,
		TimePerTestCase:      timeLimit,
	}, nil
}

func (p Policy) capFor(timeLimit time.Duration) (int, error) {
	if len(p.Tiers) == 0 {
		return 0, configError("tiers", "at least one tier is required")
	}
	for _, t := range p.Tiers {
		if t.MaxCases < 1 {
			return 0, configError("tiers", "tier cap must be positive, got %d", t.MaxCases)
		}
		if t.UpTo == 0 || timeLimit <= t.UpTo {
			return t.MaxCases, nil
		}
	}
	// Limits above the last bounded tier fall back to its cap.
	return p.Tiers[len(p.Tiers)-1].MaxCases, nil
}

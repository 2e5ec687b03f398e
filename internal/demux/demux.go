// Package demux turns one batch's judge result back into per-test-case
// verdicts.
package demux

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gsarma/batchjudge/internal/domain"
)

const (
	maxDetailHeight = 20
	maxDetailWidth  = 200
)

// unit is the output a driver produced for one case.
type unit struct {
	text    string
	crashed bool
	present bool
}

// splitUnits recovers n output units from stdout according to framing.
func splitUnits(stdout string, framing domain.Framing, n int) []unit {
	units := make([]unit, n)
	if framing.Mode == domain.FramingLines || framing.Marker == "" {
		if stdout == "" {
			return units
		}
		for i, line := range strings.Split(strings.TrimSuffix(stdout, "\n"), "\n") {
			if i >= n {
				break
			}
			units[i] = unit{text: line, present: true}
		}
		return units
	}

	sep := "\n" + framing.Marker + " "
	rest := stdout
	for {
		at := strings.Index(rest, sep)
		if at < 0 {
			return units
		}
		text := rest[:at]
		rest = rest[at+len(sep):]

		line := rest
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			line, rest = rest[:nl], rest[nl+1:]
		} else {
			rest = ""
		}
		idxField, status, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(idxField)
		if err != nil || idx < 0 || idx >= n || units[idx].present {
			continue
		}
		units[idx] = unit{text: text, crashed: status != "ok", present: true}
	}
}

// Demultiplex produces one TestResult per case of b, in batch order. It is
// pure: the same inputs always give the same results.
func Demultiplex(b domain.Batch, res domain.JobResult, compare Comparator) []domain.TestResult {
	if compare == nil {
		compare = CompareTrimmed
	}
	n := b.Len()
	results := make([]domain.TestResult, n)
	approx := approxPerCase(res, n)

	if res.Status != domain.StatusSuccess {
		failure := batchFailure(res)
		for i, tc := range b.TestCases {
			f := *failure
			results[i] = domain.TestResult{
				TestCaseID:          tc.ID,
				BatchID:             b.ID,
				Expected:            tc.ExpectedOutput,
				Actual:              res.Description,
				ApproxExecutionTime: approx,
				Failure:             &f,
			}
		}
		return results
	}

	units := splitUnits(res.Stdout, b.Framing, n)
	for i, tc := range b.TestCases {
		u := units[i]
		r := domain.TestResult{
			TestCaseID:          tc.ID,
			BatchID:             b.ID,
			Expected:            tc.ExpectedOutput,
			Actual:              u.text,
			ApproxExecutionTime: approx,
		}
		switch {
		case !u.present:
			r.Failure = domain.NewFailure(domain.KindNoOutput, "")
		case u.crashed:
			r.Failure = domain.NewFailure(domain.KindCaseCrashed, TrimToRect(res.Stderr, maxDetailHeight, maxDetailWidth))
		case compare(tc.ExpectedOutput, u.text):
			r.Passed = true
		default:
			r.Failure = domain.NewFailure(domain.KindWrongAnswer, "")
		}
		results[i] = r
	}
	return results
}

func batchFailure(res domain.JobResult) *domain.Failure {
	switch res.Status {
	case domain.StatusCompileError:
		detail := res.CompileOutput
		if detail == "" {
			detail = res.Stderr
		}
		return domain.NewFailure(domain.KindCompileError, TrimToRect(detail, maxDetailHeight, maxDetailWidth))
	case domain.StatusRuntimeError:
		return domain.NewFailure(domain.KindRuntimeError, TrimToRect(res.Stderr, maxDetailHeight, maxDetailWidth))
	case domain.StatusTimeLimitExceeded:
		return domain.NewFailure(domain.KindTimeLimitExceeded, "")
	case domain.StatusMemoryLimitExceeded:
		return domain.NewFailure(domain.KindMemoryLimitExceeded, "")
	}
	if res.Description == domain.DescriptionDeadlineExceeded {
		return domain.NewFailure(domain.KindDeadlineExceeded, "")
	}
	return domain.NewFailure(domain.KindJudgeUnavailable, res.Description)
}

func approxPerCase(res domain.JobResult, n int) time.Duration {
	if n == 0 {
		return 0
	}
	total := res.CPUTime
	if total == 0 {
		total = res.WallTime
	}
	return total / time.Duration(n)
}

// Assemble joins per-batch results into one list in the original test case
// order. A batch without results has every case reported as a judge failure.
func Assemble(batches []domain.Batch, perBatch map[int][]domain.TestResult) []domain.TestResult {
	ordered := append([]domain.Batch(nil), batches...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StartIndex < ordered[j].StartIndex })

	var out []domain.TestResult
	for _, b := range ordered {
		results, ok := perBatch[b.ID]
		if !ok || len(results) != b.Len() {
			results = Demultiplex(b, domain.TransportFailure("", "no result for batch"), nil)
		}
		out = append(out, results...)
	}
	return out
}

// Summary counts an evaluation's verdicts.
type Summary struct {
	Total                  int `json:"total"`
	Passed                 int `json:"passed"`
	Failed                 int `json:"failed"`
	InfrastructureFailures int `json:"infrastructure_failures"`
}

func Summarize(results []domain.TestResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Passed {
			s.Passed++
			continue
		}
		s.Failed++
		if r.Failure.IsInfrastructure() {
			s.InfrastructureFailures++
		}
	}
	return s
}

// TrimToRect bounds s to maxHeight lines of at most maxWidth bytes each,
// marking every cut with "[...]".
func TrimToRect(s string, maxHeight, maxWidth int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxHeight {
		lines = append(lines[:maxHeight:maxHeight], "[...]")
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if len(line) > maxWidth {
			b.WriteString(line[:maxWidth])
			b.WriteString("[...]")
		} else {
			b.WriteString(line)
		}
	}
	return b.String()
}

package batch_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsarma/batchjudge/internal/batch"
	"github.com/gsarma/batchjudge/internal/domain"
)

func makeCases(n int) []domain.TestCase {
	cases := make([]domain.TestCase, n)
	for i := range cases {
		cases[i] = domain.TestCase{
			ID:             fmt.Sprintf("tc-%03d", i),
			Input:          fmt.Sprintf("%d\n", i),
			ExpectedOutput: fmt.Sprintf("%d\n", i*2),
		}
	}
	return cases
}

func batchSizes(batches []domain.Batch) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = b.Len()
	}
	return sizes
}

func TestSplit_Scenarios(t *testing.T) {
	tests := []struct {
		name      string
		timeLimit time.Duration
		n         int
		want      []int
	}{
		{"100 cases at 0.5s", 500 * time.Millisecond, 100, []int{45, 45, 10}},
		{"25 cases at 2s", 2 * time.Second, 25, []int{11, 11, 3}},
		{"exact multiple", 2 * time.Second, 22, []int{11, 11}},
		{"single case", 2 * time.Second, 1, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := batch.Calculate(tt.timeLimit, judge0Ceilings, scenarioPolicy())
			require.NoError(t, err)
			batches := batch.Split(makeCases(tt.n), cfg)
			assert.Equal(t, tt.want, batchSizes(batches))
		})
	}
}

func TestSplit_IndicesAndIDs(t *testing.T) {
	cfg := batch.Config{MaxTestCasesPerBatch: 4}
	batches := batch.Split(makeCases(10), cfg)
	require.Len(t, batches, 3)

	wantRanges := [][2]int{{0, 3}, {4, 7}, {8, 9}}
	for i, b := range batches {
		assert.Equal(t, i+1, b.ID)
		assert.Equal(t, wantRanges[i][0], b.StartIndex)
		assert.Equal(t, wantRanges[i][1], b.EndIndex)
		assert.Equal(t, fmt.Sprintf("tc-%03d", b.StartIndex), b.TestCases[0].ID)
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	assert.Empty(t, batch.Split(nil, batch.Config{MaxTestCasesPerBatch: 5}))
}

func TestSplit_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 44, 45, 46, 100, 313} {
		for _, limit := range []time.Duration{50 * time.Millisecond, 700 * time.Millisecond, 2 * time.Second, 25 * time.Second} {
			cfg, err := batch.Calculate(limit, judge0Ceilings, batch.DefaultPolicy())
			require.NoError(t, err)

			cases := makeCases(n)
			batches := batch.Split(cases, cfg)
			flat := batch.Flatten(batches)
			require.Len(t, flat, n)
			for i := range cases {
				require.Equal(t, cases[i], flat[i], "n=%d limit=%s index=%d", n, limit, i)
			}
			for _, b := range batches {
				require.NotZero(t, b.Len())
				require.LessOrEqual(t, time.Duration(b.Len())*cfg.TimePerTestCase, cfg.MaxTotalTimePerBatch)
			}
		}
	}
}

func TestSplit_BatchesDoNotAliasFollowingCases(t *testing.T) {
	cases := makeCases(4)
	batches := batch.Split(cases, batch.Config{MaxTestCasesPerBatch: 2})
	first := append(batches[0].TestCases, domain.TestCase{ID: "extra"})
	assert.Equal(t, "extra", first[2].ID)
	assert.Equal(t, "tc-002", batches[1].TestCases[0].ID)
}

func TestCheckScale(t *testing.T) {
	assert.NoError(t, batch.CheckScale(5, 0))
	assert.NoError(t, batch.CheckScale(5, 5))
	err := batch.CheckScale(6, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, batch.ErrExceedsScale))
}

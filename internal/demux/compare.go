package demux

import (
	"fmt"
	"slices"
	"strings"
)

// Comparator decides whether a case's actual output matches the expected one.
type Comparator func(expected, actual string) bool

// CompareTrimmed is exact comparison after trimming surrounding whitespace.
func CompareTrimmed(expected, actual string) bool {
	return strings.TrimSpace(expected) == strings.TrimSpace(actual)
}

// CompareTokens ignores how whitespace separates tokens.
func CompareTokens(expected, actual string) bool {
	return slices.Equal(strings.Fields(expected), strings.Fields(actual))
}

// ComparatorFor returns the comparator configured by COMPARE_MODE.
func ComparatorFor(mode string) (Comparator, error) {
	switch mode {
	case "", "trimmed":
		return CompareTrimmed, nil
	case "tokens":
		return CompareTokens, nil
	default:
		return nil, fmt.Errorf("unknown compare mode %q", mode)
	}
}

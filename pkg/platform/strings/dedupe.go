// Package strings provides string manipulation utilities.
package strings

import (
	"strings"
)

// SplitList splits a separated list, trims each element and drops empty and
// repeated entries. Order is preserved. It returns nil when nothing remains.
//
// Example:
//
//	SplitList(" broker-1:9092, ,broker-2:9092,broker-1:9092", ",")
//	// Returns: []string{"broker-1:9092", "broker-2:9092"}
func SplitList(v, sep string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	out := DedupeAndTrim(strings.Split(v, sep))
	if len(out) == 0 {
		return nil
	}
	return out
}

// DedupeAndTrim removes duplicates and empty strings from a slice,
// trimming whitespace from each element. Order is preserved.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))

	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}

	return result
}

package handlers

import (
	"strconv"
	"strings"

	"github.com/nvidal/stepwise/pkg/schema"
)

// Compare applies a condition operator to two interpolated operands.
//
// Equality operators compare the strings as-is. Ordering operators attempt a
// numeric parse of both operands; if either side fails to parse, the
// comparison falls back to lexicographic string order. This rule is fixed:
// "10" > "9" is numeric (true), "10" > "abc" is lexicographic (false).
func Compare(left, operator, right string) (bool, error) {
	switch operator {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	case "contains":
		return strings.Contains(left, right), nil
	case "isEmpty":
		return left == "", nil
	case "isNotEmpty":
		return left != "", nil
	case ">", "<", ">=", "<=":
		return compareOrdered(left, operator, right), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown comparison operator %q", operator)
	}
}

func compareOrdered(left, operator, right string) bool {
	var cmp int
	lf, lerr := strconv.ParseFloat(strings.TrimSpace(left), 64)
	rf, rerr := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if lerr == nil && rerr == nil {
		cmp = compareFloats(lf, rf)
	} else {
		cmp = strings.Compare(left, right)
	}

	switch operator {
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	default: // "<="
		return cmp <= 0
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// Token parsing for the literal token syntax used by action arguments,
// e.g. "$B{true}" and "$N{3}". The parser produces a typed literal or an
// error and is deliberately isolated from action dispatch.
package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	booleanTokenPrefix = "$B{"
	numberTokenPrefix  = "$N{"
	tokenSuffix        = "}"
)

// ParseBooleanToken parses a literal boolean token of the form "$B{true}" or
// "$B{false}" (case-insensitive). Anything else is an error.
func ParseBooleanToken(expr string) (bool, error) {
	inner, err := tokenBody(expr, booleanTokenPrefix)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(inner) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q is not a boolean literal", ErrMalformedToken, expr)
	}
}

// ParseNumberToken parses a literal numeric token of the form "$N{3}" or
// "$N{-2.5}". A token whose body is empty or not a number is an error.
func ParseNumberToken(expr string) (float64, error) {
	inner, err := tokenBody(expr, numberTokenPrefix)
	if err != nil {
		return 0, err
	}
	return ParseNumber(inner)
}

// ParseNumber converts a bare string to a float64, rejecting empty and
// non-numeric input. Shared with the answer validator for number questions.
// NaN and infinities are rejected: they compare false against every range
// bound and cannot be persisted as JSON.
func ParseNumber(s string) (float64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, ErrEmptyExpression
	}
	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotANumber, s)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%w: %q", ErrNotANumber, s)
	}
	return n, nil
}

func tokenBody(expr, prefix string) (string, error) {
	if !strings.HasPrefix(expr, prefix) || !strings.HasSuffix(expr, tokenSuffix) {
		return "", fmt.Errorf("%w: expected %s...%s, got %q", ErrMalformedToken, prefix, tokenSuffix, expr)
	}
	return expr[len(prefix) : len(expr)-len(tokenSuffix)], nil
}

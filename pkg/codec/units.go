package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseUnitFloat parses a number with an optional decimal SI suffix
// (k, M, G), eg. "1.5k" = 1500.
func ParseUnitFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidValue)
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1e3
	case 'm', 'M':
		mult = 1e6
	case 'g', 'G':
		mult = 1e9
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	return v * mult, nil
}

// ParseUnit is ParseUnitFloat rounded to an integer, eg. "10M" = 10000000.
func ParseUnit(s string) (int64, error) {
	v, err := ParseUnitFloat(s)
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt64 || v < math.MinInt64 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidValue, s)
	}
	return int64(math.Round(v)), nil
}

package app

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	UnitKilograms = "kg"
	UnitPounds    = "lbs"
)

// ParseWeight parses a weight argument. Any float literal is accepted,
// including zero, negative and very large values.
func ParseWeight(arg string) (float64, error) {
	weight, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if errors.Is(err, strconv.ErrRange) {
		// out-of-range literals saturate to ±Inf or underflow to zero
		return weight, nil
	}
	if err != nil {
		return 0, validationError("", fmt.Errorf("invalid weight %q", arg))
	}
	return weight, nil
}

// ValidateUnit accepts the unit keys Garmin understands for weigh-ins.
func ValidateUnit(unit string) error {
	switch unit {
	case UnitKilograms, UnitPounds:
		return nil
	default:
		return fmt.Errorf("unsupported unit %q, expected %q or %q", unit, UnitKilograms, UnitPounds)
	}
}

// FormatWeight renders a weight the way Python prints a float: 72.5 stays
// "72.5", 80 becomes "80.0", and magnitudes from 1e16 up or below 1e-4 use
// exponent notation ("1e+20", "1e-05").
func FormatWeight(weight float64) string {
	switch {
	case math.IsNaN(weight):
		return "nan"
	case math.IsInf(weight, 1):
		return "inf"
	case math.IsInf(weight, -1):
		return "-inf"
	}

	s := strconv.FormatFloat(weight, 'e', -1, 64)
	if exp, err := strconv.Atoi(s[strings.IndexByte(s, 'e')+1:]); err == nil && (exp < -4 || exp >= 16) {
		return s
	}

	s = strconv.FormatFloat(weight, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

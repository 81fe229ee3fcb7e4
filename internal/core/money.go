// Package core provides the ledger domain model and money handling.
//
// Amounts are stored as int64 centavos so that all reconciliation math is
// exact integer arithmetic.
package core

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParsePesosToCentavos converts a decimal peso string to centavos with
// half-up rounding on the third decimal place.
//
// It accepts both dot (1250.50) and comma (1250,50) decimal separators.
// Returns an error for invalid formats, signs, or non-positive amounts.
func ParsePesosToCentavos(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart {
		if !unicode.IsDigit(r) {
			return 0, ErrInvalidAmount
		}
	}
	for _, r := range fracPart {
		if !unicode.IsDigit(r) {
			return 0, ErrInvalidAmount
		}
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	// Prevent overflow when scaling to centavos.
	const maxSafeInt64 = (1<<63 - 1) / 100
	if iv > maxSafeInt64 {
		return 0, ErrInvalidAmount
	}
	var fracCentavos int64
	if len(fracPart) > 0 {
		d1 := int64(fracPart[0] - '0')
		fracCentavos = d1 * 10
		if len(fracPart) > 1 {
			d2 := int64(fracPart[1] - '0')
			fracCentavos += d2
			if len(fracPart) > 2 && fracPart[2] >= '5' {
				fracCentavos++
			}
		}
	}
	centavos := iv*100 + fracCentavos
	if centavos <= 0 {
		return 0, ErrInvalidAmount
	}
	return centavos, nil
}

// Pesos returns the peso value as a float64 for display purposes.
// Use centavos for calculations to avoid floating-point drift.
func (m Money) Pesos() float64 {
	return float64(m.Centavos) / 100.0
}

// String formats the amount as "1250.50" without a currency symbol.
func (m Money) String() string {
	neg := ""
	c := m.Centavos
	if c < 0 {
		neg = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", neg, c/100, c%100)
}

// Add returns the sum; deltas may be negative.
func (m Money) Add(delta int64) Money {
	return Money{Centavos: m.Centavos + delta}
}

func (m Money) Validate() error {
	if m.Centavos <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

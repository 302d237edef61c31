// Package utils provides common utility functions for symbol validation.
//
// Symbols are instrument tickers such as "AAPL", "BRK.B" or crypto pairs
// such as "BTC-USD". Validation is applied at the public edges (gRPC calls,
// cache coordinator subscribe) so the streaming pipeline only ever sees
// normalised symbols.
package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrInvalidSymbol  = errors.New("invalid symbol")
)

// MaxSymbolLength bounds the length of a ticker including separators.
const MaxSymbolLength = 15

// NormalizeSymbol trims whitespace and upper-cases a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol checks that a symbol is a plausible ticker.
//
// The expected format is one or more segments of letters and digits joined by
// '.' or '-', starting with a letter. Validation is case-insensitive.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidSymbol)
	}
	if len(symbol) > MaxSymbolLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidSymbol, symbol, MaxSymbolLength)
	}

	upper := strings.ToUpper(symbol)
	if upper[0] < 'A' || upper[0] > 'Z' {
		return fmt.Errorf("%w: %q must start with a letter", ErrInvalidSymbol, symbol)
	}

	prevSep := false
	for i := 0; i < len(upper); i++ {
		c := upper[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			prevSep = false
		case c == '.' || c == '-':
			if prevSep || i == len(upper)-1 {
				return fmt.Errorf("%w: misplaced separator in %q", ErrInvalidSymbol, symbol)
			}
			prevSep = true
		default:
			return fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidSymbol, c, symbol)
		}
	}

	return nil
}

// ValidateSymbols validates a slice of symbols and enforces quantity limits.
//
// This function performs two types of validation:
//  1. Quantity validation: Ensures the number of symbols is within acceptable limits
//  2. Format validation: Validates each symbol using ValidateSymbol
func ValidateSymbols(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(symbols) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(symbols), maxAllowed)
	}

	for i, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// NormalizeSymbols validates and normalises symbols, dropping duplicates while
// keeping first-seen order.
func NormalizeSymbols(symbols []string, maxAllowed int) ([]string, error) {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if err := ValidateSymbols(out, maxAllowed); err != nil {
		return nil, err
	}
	return out, nil
}

// Package utils validates venue instrument symbols.
//
// Venue symbols are bare upper-case alphanumerics such as XBTUSD or ETHUSD,
// with no separator between base and quote.
package utils

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrInvalidSymbol  = errors.New("invalid symbol")
)

const symbolRules = "required,max=32,alphanum,uppercase"

var validate = validator.New()

// ValidateSymbol reports whether symbol looks like a venue instrument.
func ValidateSymbol(symbol string) error {
	if err := validate.Var(symbol, symbolRules); err != nil {
		return fmt.Errorf("%w %q: expected upper-case alphanumerics, e.g. XBTUSD", ErrInvalidSymbol, symbol)
	}
	return nil
}

// ValidateSymbols checks every symbol and that there are between 1 and max
// of them. A max of zero or less means no limit.
func ValidateSymbols(symbols []string, max int) error {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}
	if max > 0 && len(symbols) > max {
		return fmt.Errorf("%w: %d requested, at most %d allowed", ErrTooManySymbols, len(symbols), max)
	}
	for i, s := range symbols {
		if err := ValidateSymbol(s); err != nil {
			return fmt.Errorf("symbol at index %d: %w", i, err)
		}
	}
	return nil
}

// Package instrument parses and validates OTC instrument symbols and splits
// them into the currency or commodity legs used for exposure correlation.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
)

// symbolRegex matches: {BASE}/{QUOTE} or a single-leg ticker.
// Examples: EUR/USD, BTC/USD, WTI
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,6})(?:/([A-Z0-9]{2,6}))?$`)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrSameLegs      = errors.New("instrument: base and quote must differ")
)

// Instrument is a parsed symbol.
type Instrument struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote,omitempty"`
}

// ParseSymbol parses and validates a symbol string.
func ParseSymbol(symbol string) (*Instrument, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE/QUOTE or TICKER)", ErrInvalidSymbol, symbol)
	}
	if matches[1] == matches[2] {
		return nil, fmt.Errorf("%w: %s", ErrSameLegs, symbol)
	}
	return &Instrument{
		Symbol: symbol,
		Base:   matches[1],
		Quote:  matches[2],
	}, nil
}

// Legs returns the distinct legs of the instrument.
func (i *Instrument) Legs() []string {
	if i.Quote == "" {
		return []string{i.Base}
	}
	return []string{i.Base, i.Quote}
}

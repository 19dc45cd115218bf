// Package money renders decimal amounts for display using CLDR currency and number data.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Formatter renders amounts in one currency for one locale. It is safe for concurrent use.
type Formatter struct {
	unit    currency.Unit
	tag     language.Tag
	symbol  string
	printer *message.Printer
	scale   int
}

// NewFormatter resolves an ISO 4217 code and a BCP 47 locale such as "ZAR" and "en-ZA".
func NewFormatter(code, locale string) (*Formatter, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, fmt.Errorf("money: currency %q: %w", code, err)
	}
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return nil, fmt.Errorf("money: locale %q: %w", locale, err)
	}
	printer := message.NewPrinter(tag)
	scale, _ := currency.Standard.Rounding(unit)
	return &Formatter{
		unit:    unit,
		tag:     tag,
		symbol:  printer.Sprint(currency.NarrowSymbol(unit)),
		printer: printer,
		scale:   scale,
	}, nil
}

// Currency returns the ISO code.
func (f *Formatter) Currency() string { return f.unit.String() }

// Locale returns the canonical locale tag.
func (f *Formatter) Locale() string { return f.tag.String() }

// Format renders amount rounded to the currency's minor unit, e.g. "R 1 234,50" for en-ZA. Display
// strings are derived from the exact decimal and are never parsed back.
func (f *Formatter) Format(amount decimal.Decimal) string {
	rounded := amount.Round(int32(f.scale))
	value := f.printer.Sprint(number.Decimal(rounded.Abs().InexactFloat64(), number.Scale(f.scale)))
	if rounded.IsNegative() {
		return "-" + f.symbol + " " + value
	}
	return f.symbol + " " + value
}

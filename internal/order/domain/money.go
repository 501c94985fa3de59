package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var currencyExponents = map[string]int32{
	"NGN": 2,
	"GHS": 2,
	"KES": 2,
	"ZAR": 2,
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"XOF": 0,
	"JPY": 0,
}

var currencySymbols = map[string]string{
	"NGN": "₦",
	"GHS": "GH₵",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// Exponent is the number of minor-unit digits for currency.
func Exponent(currency string) (int32, error) {
	exp, ok := currencyExponents[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok {
		return 0, fmt.Errorf("unsupported currency %q", currency)
	}
	return exp, nil
}

// MajorToMinor converts an amount in major units (e.g. "5000.00" NGN) to an
// exact minor-unit integer. Fractions finer than the currency allows are rejected.
func MajorToMinor(major decimal.Decimal, currency string) (int64, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return 0, err
	}
	minor := major.Shift(exp)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", major.String(), currency)
	}
	return minor.IntPart(), nil
}

// FormatMinor renders a minor-unit amount for humans, e.g. ₦5,000.00.
func FormatMinor(amount int64, currency string) string {
	exp, err := Exponent(currency)
	if err != nil {
		return fmt.Sprintf("%d %s", amount, currency)
	}
	s := decimal.New(amount, -exp).StringFixed(exp)
	intPart, frac, _ := strings.Cut(s, ".")
	neg := strings.HasPrefix(intPart, "-")
	intPart = strings.TrimPrefix(intPart, "-")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String()
	if frac != "" {
		out += "." + frac
	}
	sym, ok := currencySymbols[strings.ToUpper(currency)]
	if !ok {
		sym = strings.ToUpper(currency) + " "
	}
	if neg {
		return "-" + sym + out
	}
	return sym + out
}

/*
Display formatting for wallet amounts.

Amounts arrive in cents (minor units). Zero-decimal currencies treat the
minor unit as the whole unit, so 1234 "cents" of JPY is 1234 yen.
*/
package wallet

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimal holds the ISO codes whose minor unit equals the major
// unit, matching Stripe's zero-decimal currency list.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true,
	"xpf": true,
}

// symbols maps the currency codes we render with a symbol prefix.
// Anything missing falls back to "CODE amount".
var symbols = map[string]string{
	"usd": "$",
	"eur": "€",
	"gbp": "£",
	"jpy": "¥",
	"cny": "¥",
	"krw": "₩",
	"inr": "₹",
	"brl": "R$",
	"aud": "A$",
	"cad": "C$",
	"nzd": "NZ$",
	"hkd": "HK$",
	"sgd": "S$",
	"mxn": "MX$",
	"vnd": "₫",
	"clp": "$",
}

// Format renders a cent amount for display.
//
// Zero-decimal currencies print as whole units ("¥1234"). Two-decimal
// currencies print with at least two decimals and keep any sub-cent
// remainder ("$12.34", "$0.015"). Unknown codes print uppercased before
// the amount ("XYZ 12.34"). Negative amounts carry the sign before the
// symbol ("-$5.00").
func Format(cents float64, currency string) string {
	code := strings.ToLower(strings.TrimSpace(currency))
	if code == "" {
		code = DefaultCurrency
	}

	d := decimal.NewFromFloat(cents)
	negative := d.IsNegative()
	d = d.Abs()

	var amount string
	if zeroDecimal[code] {
		amount = d.Floor().String()
	} else {
		units := d.Div(decimal.NewFromInt(100))
		amount = units.StringFixed(2)
		// Keep sub-cent precision when rounding to two decimals would
		// lose it.
		if !units.Equal(units.Round(2)) {
			amount = units.String()
		}
	}

	symbol, known := symbols[code]
	var out string
	if known {
		out = symbol + amount
	} else {
		out = strings.ToUpper(code) + " " + amount
	}
	if negative {
		out = "-" + out
	}
	return out
}

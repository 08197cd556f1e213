// Package money handles GHS amounts in integer minor units (pesewas).
//
// All monetary arithmetic in the engine is integer arithmetic. Floating
// point never touches an amount; decimal strings exist only at the HTTP
// boundary.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Currency is the only currency the platform settles in.
const Currency = "GHS"

var ErrInvalidAmount = errors.New("money: invalid amount")

// Format renders minor units as a decimal string, e.g. 123456 -> "1234.56".
func Format(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// FormatGHS renders minor units with the currency code, e.g. "GHS 1234.56".
func FormatGHS(minor int64) string {
	return Currency + " " + Format(minor)
}

// Parse converts a decimal string ("1234.56", "1234") into minor units.
// At most two fractional digits are accepted; negative amounts are rejected.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
		if len(frac) == 0 || len(frac) > 2 {
			return 0, ErrInvalidAmount
		}
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}

	return w*100 + f, nil
}

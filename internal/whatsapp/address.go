package whatsapp

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	minAddressDigits = 8
	maxAddressDigits = 15
)

var countryCodeRe = regexp.MustCompile(`^\+?\d{1,4}$`)

// NormalizeAddress reduces address to the bare international digits the
// driver expects. countryCode is prepended when the number does not already
// start with it; numbers written with a leading + or 00 are taken as
// international and left alone.
func NormalizeAddress(address, countryCode string) (string, error) {
	raw := strings.TrimSpace(address)
	international := strings.HasPrefix(raw, "+") || strings.HasPrefix(raw, "00")
	digits := onlyDigits(raw)
	if strings.HasPrefix(raw, "00") {
		digits = strings.TrimPrefix(digits, "00")
	}
	if digits == "" {
		return "", errors.Wrap(ErrValidation, "address has no digits")
	}

	if countryCode != "" && !international {
		if !countryCodeRe.MatchString(countryCode) {
			return "", errors.Wrapf(ErrValidation, "invalid country code %q", countryCode)
		}
		cc := strings.TrimPrefix(countryCode, "+")
		if !strings.HasPrefix(digits, cc) {
			digits = cc + strings.TrimLeft(digits, "0")
		}
	}

	if len(digits) < minAddressDigits || len(digits) > maxAddressDigits {
		return "", errors.Wrapf(ErrValidation, "address must have %d-%d digits", minAddressDigits, maxAddressDigits)
	}
	return digits, nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

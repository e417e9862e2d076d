// Package phonenumber normalizes and compares phone numbers written in
// international (+44 7700 900123) and national (07700 900123) forms.
package phonenumber

import "strings"

// DefaultCountryCode is the dialling code stripped back to a national
// leading zero when no other code is configured.
const DefaultCountryCode = "44"

// matchDigits is how many trailing digits IsMatch compares.
const matchDigits = 10

// Matcher normalizes and compares numbers for a single country code.
// The zero value behaves like DefaultCountryCode.
type Matcher struct {
	CountryCode string
}

// NewMatcher returns a Matcher for the given country code (digits only,
// no leading "+"). An empty code selects DefaultCountryCode.
func NewMatcher(countryCode string) Matcher {
	return Matcher{CountryCode: digitsOnly(countryCode)}
}

func (m Matcher) code() string {
	if m.CountryCode == "" {
		return DefaultCountryCode
	}
	return m.CountryCode
}

// Normalize strips every non-digit character. A number that starts with
// the country code and is longer than ten digits has the code replaced by
// a single leading zero.
func (m Matcher) Normalize(number string) string {
	digits := digitsOnly(number)
	cc := m.code()
	if strings.HasPrefix(digits, cc) && len(digits) > matchDigits {
		digits = "0" + digits[len(cc):]
	}
	return digits
}

// IsMatch reports whether a and b refer to the same line. Both numbers are
// normalized and their last ten digits compared; one must be a suffix of
// the other. An empty number never matches.
func (m Matcher) IsMatch(a, b string) bool {
	na := lastDigits(m.Normalize(a))
	nb := lastDigits(m.Normalize(b))
	if na == "" || nb == "" {
		return false
	}
	return strings.HasSuffix(na, nb) || strings.HasSuffix(nb, na)
}

// Normalize normalizes number with DefaultCountryCode.
func Normalize(number string) string {
	return Matcher{}.Normalize(number)
}

// IsMatch compares a and b with DefaultCountryCode.
func IsMatch(a, b string) bool {
	return Matcher{}.IsMatch(a, b)
}

func lastDigits(s string) string {
	if len(s) > matchDigits {
		return s[len(s)-matchDigits:]
	}
	return s
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

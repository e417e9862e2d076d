package api

import (
	"regexp"
	"strconv"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields (contact names, the user's name).
const maxNameLen = 100

// maxPhoneLen is the maximum length of a dialable number.
const maxPhoneLen = 32

// maxEmailLen is the maximum length for email addresses (RFC 5321).
const maxEmailLen = 254

// maxTokenLen is the maximum length for push tokens.
const maxTokenLen = 4096

// emailRe is a basic email format regex. Not exhaustive; validates structure only.
var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// phoneRe accepts an optional leading + followed by digits and common
// separators, or a short service number such as 999.
var phoneRe = regexp.MustCompile(`^\+?[0-9][0-9 ()\-.]*$`)

// pinRe validates PINs: digits only, 4-12 chars.
var pinRe = regexp.MustCompile(`^\d{4,12}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return validateStringLen(field, value, maxLen)
}

// validatePhoneNumber checks that a required number is dialable.
func validatePhoneNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if len(value) > maxPhoneLen {
		return field + " exceeds maximum length"
	}
	if !phoneRe.MatchString(value) {
		return field + " is not a valid phone number"
	}
	return ""
}

// validateEmail checks that a string is a valid-looking email address.
func validateEmail(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxEmailLen {
		return field + " exceeds maximum length"
	}
	if !emailRe.MatchString(value) {
		return field + " is not a valid email address"
	}
	return ""
}

// validatePIN checks a PIN is digits-only and between 4-12 chars.
func validatePIN(field, value string) string {
	if !pinRe.MatchString(value) {
		return field + " must be 4-12 digits"
	}
	return ""
}

// validateIntRange checks that an optional int pointer is within [min, max].
func validateIntRange(field string, value *int, min, max int) string {
	if value == nil {
		return ""
	}
	if *value < min || *value > max {
		return field + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max)
	}
	return ""
}

// containsControlChars checks whether a string has control characters.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

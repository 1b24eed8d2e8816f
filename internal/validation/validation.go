package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidInput is wrapped by every validation error; the HTTP layer maps it to 400.
var ErrInvalidInput = errors.New("invalid input")

// ErrSiteIDEmpty is returned when the site id is empty or whitespace-only after trim.
var ErrSiteIDEmpty = fmt.Errorf("%w: site id is required", ErrInvalidInput)

// ErrSiteIDTooLong is returned when the site id exceeds the maximum length.
var ErrSiteIDTooLong = fmt.Errorf("%w: site id too long", ErrInvalidInput)

// ErrSiteIDInvalidChars is returned when the site id contains disallowed characters.
var ErrSiteIDInvalidChars = fmt.Errorf("%w: site id contains invalid characters", ErrInvalidInput)

// ErrDateRequired is returned when a start or end date is missing.
var ErrDateRequired = fmt.Errorf("%w: start_date and end_date are required", ErrInvalidInput)

// ErrDateFormat is returned for dates not in YYYY-MM-DD form.
var ErrDateFormat = fmt.Errorf("%w: dates must be YYYY-MM-DD", ErrInvalidInput)

// ErrDateOrder is returned when end precedes start.
var ErrDateOrder = fmt.Errorf("%w: end_date is before start_date", ErrInvalidInput)

// ErrDateRangeTooLong is returned when the range spans more days than allowed.
var ErrDateRangeTooLong = fmt.Errorf("%w: date range too long", ErrInvalidInput)

// ErrInstantFormat is returned for timestamps that are neither RFC 3339 nor naive ISO 8601.
var ErrInstantFormat = fmt.Errorf("%w: timestamp must be ISO 8601", ErrInvalidInput)

// ValidateSiteID trims the input and restricts it to letters, digits, hyphen and underscore.
// maxLen is in runes; 0 disables the check.
func ValidateSiteID(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrSiteIDEmpty
	}
	if maxLen > 0 && len(r) > maxLen {
		return "", ErrSiteIDTooLong
	}
	for _, c := range r {
		if !isAllowedSiteIDRune(c) {
			return "", ErrSiteIDInvalidChars
		}
	}
	return s, nil
}

func isAllowedSiteIDRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return r == '-' || r == '_'
}

// ValidateDateRange parses start and end (YYYY-MM-DD, inclusive) and checks their order.
// maxDays bounds the number of calendar days covered; 0 disables the check.
func ValidateDateRange(start, end string, maxDays int) (time.Time, time.Time, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, ErrDateRequired
	}
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrDateFormat, start)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrDateFormat, end)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, ErrDateOrder
	}
	if days := int(e.Sub(s).Hours()/24) + 1; maxDays > 0 && days > maxDays {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %d days, max %d", ErrDateRangeTooLong, days, maxDays)
	}
	return s, e, nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// ParseInstant accepts RFC 3339 timestamps, and naive ISO 8601 timestamps which are read as UTC.
func ParseInstant(input string) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInstantFormat)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInstantFormat, s)
}

// Package holiday answers whether a date is a public holiday.
package holiday

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Calendar reports holidays. The timestamp's own calendar date is used, so callers
// convert to the site's time zone first.
type Calendar interface {
	IsHoliday(t time.Time) bool
}

type dateKey struct {
	year  int
	month time.Month
	day   int
}

func keyOf(t time.Time) dateKey {
	y, m, d := t.Date()
	return dateKey{y, m, d}
}

// DateSet is a fixed set of holiday dates.
type DateSet struct {
	dates map[dateKey]struct{}
}

// NewDateSet parses YYYY-MM-DD dates. Blank entries are ignored.
func NewDateSet(dates []string) (*DateSet, error) {
	s := &DateSet{dates: make(map[dateKey]struct{}, len(dates))}
	for _, d := range dates {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, d)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", d, err)
		}
		s.dates[keyOf(t)] = struct{}{}
	}
	return s, nil
}

// IsHoliday implements Calendar.
func (s *DateSet) IsHoliday(t time.Time) bool {
	if s == nil {
		return false
	}
	_, ok := s.dates[keyOf(t)]
	return ok
}

// Len returns the number of distinct dates.
func (s *DateSet) Len() int {
	return len(s.dates)
}

// Dates returns the set as sorted YYYY-MM-DD strings.
func (s *DateSet) Dates() []string {
	out := make([]string, 0, len(s.dates))
	for k := range s.dates {
		out = append(out, time.Date(k.year, k.month, k.day, 0, 0, 0, 0, time.UTC).Format(time.DateOnly))
	}
	sort.Strings(out)
	return out
}

// USFederal2025 lists the 2025 US federal holidays.
var USFederal2025 = []string{
	"2025-01-01", // New Year's Day
	"2025-01-20", // MLK Day
	"2025-02-17", // Presidents' Day
	"2025-05-26", // Memorial Day
	"2025-07-04", // Independence Day
	"2025-09-01", // Labor Day
	"2025-10-13", // Columbus Day
	"2025-11-11", // Veterans Day
	"2025-11-27", // Thanksgiving
	"2025-12-25", // Christmas
}

// Default returns the built-in calendar.
func Default() *DateSet {
	s, err := NewDateSet(USFederal2025)
	if err != nil {
		panic(err)
	}
	return s
}

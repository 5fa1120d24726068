package legacyimport

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// dateLayouts are tried in order. Slash and dash dates are month-first.
var dateLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"01/02/06",
	"01-02-2006",
	"1-2-2006",
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"1/2/2006 15:04",
	"Jan 2, 2006",
	"January 2, 2006",
	"2-Jan-2006",
	"02-Jan-06",
}

// ParseDate parses a legacy date or timestamp. The result is in UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ParseDay parses a date and drops any time of day.
func ParseDay(s string) (time.Time, error) {
	t, err := ParseDate(s)
	if err != nil {
		return t, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

var clockLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "3:04:05 PM", "3PM", "3 PM"}

// ParseClock returns the offset into the day of a time-of-day value.
func ParseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(s)); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q", s)
}

// ParseAmount parses a currency value into cents. "$1,234.50", "(25.00)"
// and "25.00-" are all accepted; the last two are negative.
func ParseAmount(s string) (int64, error) {
	raw := s
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if strings.HasSuffix(s, "-") {
		neg = !neg
		s = strings.TrimSpace(strings.TrimSuffix(s, "-"))
	}
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = strings.TrimSpace(s[1:])
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("unrecognized amount %q", raw)
	}
	scaled := math.Round(v * 100)
	if math.Abs(scaled) >= math.MaxInt64 {
		return 0, fmt.Errorf("amount %q out of range", raw)
	}
	cents := int64(scaled)
	if neg {
		cents = -cents
	}
	return cents, nil
}

// ParseMinutes accepts "30", "30 min" or "0:30".
func ParseMinutes(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if h, m, ok := strings.Cut(s, ":"); ok {
		hi, err1 := strconv.Atoi(h)
		mi, err2 := strconv.Atoi(m)
		if err1 == nil && err2 == nil && hi >= 0 && mi >= 0 {
			return hi*60 + mi, nil
		}
	}
	s = strings.TrimSpace(strings.TrimRight(s, "minutes."))
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unrecognized duration %q", s)
	}
	return n, nil
}

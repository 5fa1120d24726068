package legacyimport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	want := time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"03/14/2023", "3/14/2023", "3/14/23", "2023-03-14", "20230314", "Mar 14, 2023", "14-Mar-2023"} {
		got, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	got, err := ParseDate("3/14/2023 2:30 PM")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 3, 14, 14, 30, 0, 0, time.UTC), got)

	day, err := ParseDay("2023-03-14 09:15:00")
	require.NoError(t, err)
	assert.Equal(t, want, day)

	for _, s := range []string{"", "yesterday", "13/45/2023"} {
		_, err := ParseDate(s)
		assert.Error(t, err, s)
	}
}

func TestParseClock(t *testing.T) {
	tests := map[string]time.Duration{
		"09:30":    9*time.Hour + 30*time.Minute,
		"14:05:10": 14*time.Hour + 5*time.Minute + 10*time.Second,
		"2:30 pm":  14*time.Hour + 30*time.Minute,
		"2:30PM":   14*time.Hour + 30*time.Minute,
		"12:00 AM": 0,
		"3 pm":     15 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseClock("noonish")
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := map[string]int64{
		"45":        4500,
		"$1,234.50": 123450,
		"(25.00)":   -2500,
		"25.00-":    -2500,
		"-$10.10":   -1010,
		"0.005":     1,
		" 12.3 ":    1230,
	}
	for in, want := range tests {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, s := range []string{"", "$", "abc", "NaN", "1e30", "(1e30)", "-92233720368547758.08"} {
		_, err := ParseAmount(s)
		assert.Error(t, err, s)
	}

	got, err := ParseAmount("12,345,678,901.23")
	require.NoError(t, err)
	assert.Equal(t, int64(1234567890123), got)
}

func TestParseMinutes(t *testing.T) {
	tests := map[string]int{"30": 30, "45 min": 45, "15 minutes": 15, "1:15": 75}
	for in, want := range tests {
		got, err := ParseMinutes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMinutes("half an hour")
	assert.Error(t, err)
}

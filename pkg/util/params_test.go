package util

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTimeRFC3339(t *testing.T) {
	got, ok := ParseTime("2024-10-10T12:10:10+02:00")
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC), got)

	got, ok = ParseTime("2024-10-10T10:10:10.5Z")
	assert.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, time.Duration(got.Nanosecond()))
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
	got, ok := ParseTime(strconv.FormatInt(ts, 10))
	assert.True(t, ok)
	assert.Equal(t, ts, got.Unix())
}

func TestParseDefaults(t *testing.T) {
	def := time.Unix(1, 0)
	assert.Equal(t, def, ParseTimeDefault("yesterday", def))
	assert.Equal(t, 7, ParseIntDefault("x", 7))
	assert.Equal(t, 3, ParseIntDefault("3", 7))
}

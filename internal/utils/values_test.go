package utils

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSafe(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2026-03-01T11:30:00Z", JSONSafe(ts))

	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", JSONSafe(id))

	assert.Equal(t, int64(5), JSONSafe(5))
	assert.Equal(t, int64(5), JSONSafe(int32(5)))
	assert.Nil(t, JSONSafe(nil))
	assert.Equal(t, "raw", JSONSafe([]byte("raw")))
}

// Values from different decoders compare equal when they mean the same
// thing: json numbers against ints, zoned timestamps against UTC.
func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual(int64(5), float64(5)))
	assert.True(t, ValuesEqual("5", int64(5)))
	assert.False(t, ValuesEqual(int64(5), int64(6)))

	utc := "2026-03-01T11:30:00Z"
	cet := "2026-03-01T12:30:00+01:00"
	assert.True(t, ValuesEqual(utc, cet))

	assert.True(t, ValuesEqual(nil, nil))
	assert.False(t, ValuesEqual(nil, "x"))
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank(nil))
	assert.True(t, IsBlank(""))
	assert.True(t, IsBlank("  "))
	assert.True(t, IsBlank("none"))
	assert.True(t, IsBlank("None"))
	assert.False(t, IsBlank("0"))
	assert.False(t, IsBlank(int64(0)))
	assert.False(t, IsBlank(false))
}

func TestParseTime(t *testing.T) {
	for _, in := range []string{
		"2026-03-01T11:30:00Z",
		"2026-03-01T11:30:00.123456Z",
		"2026-03-01 11:30:00",
	} {
		ts, ok := ParseTime(in)
		require.True(t, ok, in)
		assert.Equal(t, 2026, ts.Year())
	}

	_, ok := ParseTime("yesterday-ish")
	assert.False(t, ok)
	_, ok = ParseTime(nil)
	assert.False(t, ok)
}

func TestAPIKeyRoundTrip(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(key), APIKeyLength)

	hash, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.True(t, CheckAPIKey(hash, key))
	assert.False(t, CheckAPIKey(hash, key+"x"))
}

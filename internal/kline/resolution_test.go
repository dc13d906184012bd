package kline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResolution(t *testing.T) {
	tests := []struct {
		raw        string
		unit       Unit
		sysUnit    Unit
		divisor    int
		multiplier int
		system     string
	}{
		{raw: "1m", unit: Minute, sysUnit: Minute, divisor: 1, multiplier: 1, system: "1"},
		{raw: "3m", unit: Minute, sysUnit: Minute, divisor: 1, multiplier: 3, system: "1"},
		{raw: "5", unit: Minute, sysUnit: Minute, divisor: 5, multiplier: 1, system: "5"},
		{raw: "15m", unit: Minute, sysUnit: Minute, divisor: 5, multiplier: 3, system: "5"},
		{raw: "90m", unit: Minute, sysUnit: Minute, divisor: 5, multiplier: 18, system: "5"},
		{raw: "1h", unit: Hour, sysUnit: Minute, divisor: 60, multiplier: 1, system: "60"},
		{raw: "2h", unit: Hour, sysUnit: Minute, divisor: 60, multiplier: 2, system: "60"},
		{raw: "1D", unit: Day, sysUnit: Day, divisor: 1, multiplier: 1, system: "1D"},
		{raw: "1W", unit: Week, sysUnit: Day, divisor: 1, multiplier: 7, system: "1D"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res, err := ParseResolution(tt.raw, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, res.Raw)
			assert.Equal(t, tt.unit, res.Unit)
			assert.Equal(t, tt.sysUnit, res.SysUnit)
			assert.Equal(t, tt.divisor, res.Divisor)
			assert.Equal(t, tt.multiplier, res.Multiplier)
			assert.Equal(t, tt.system, res.System())
			assert.Equal(t, time.UTC, res.Location)
		})
	}
}

func TestParseResolution_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		system SystemResolutions
	}{
		{name: "empty", raw: ""},
		{name: "no duration", raw: "m"},
		{name: "zero", raw: "0m"},
		{name: "unknown unit", raw: "1x"},
		{name: "fraction", raw: "1.5h"},
		{name: "trailing junk", raw: "5m "},
		{name: "no system unit reachable", raw: "2h", system: SystemResolutions{Day: {1}}},
		{name: "not a multiple", raw: "7m", system: SystemResolutions{Minute: {5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResolution(tt.raw, tt.system, nil)
			assert.ErrorIs(t, err, ErrInvalidResolution)
		})
	}
}

func TestResolution_Buckets(t *testing.T) {
	at := func(s string) time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return ts
	}
	plus8 := time.FixedZone("UTC+8", 8*3600)

	tests := []struct {
		name  string
		raw   string
		loc   *time.Location
		in    string
		start string
		next  string
	}{
		{name: "3m mid bucket", raw: "3m", in: "2024-03-01T12:04:30Z", start: "2024-03-01T12:03:00Z", next: "2024-03-01T12:06:00Z"},
		{name: "3m aligned", raw: "3m", in: "2024-03-01T12:03:00Z", start: "2024-03-01T12:03:00Z", next: "2024-03-01T12:06:00Z"},
		{name: "1m across midnight", raw: "1m", in: "2024-03-01T23:59:59Z", start: "2024-03-01T23:59:00Z", next: "2024-03-02T00:00:00Z"},
		{name: "2h", raw: "2h", in: "2024-03-01T13:30:00Z", start: "2024-03-01T12:00:00Z", next: "2024-03-01T14:00:00Z"},
		{name: "2h wraps the day", raw: "2h", in: "2024-03-01T23:10:00Z", start: "2024-03-01T22:00:00Z", next: "2024-03-02T00:00:00Z"},
		{name: "1D", raw: "1D", in: "2024-03-01T20:00:00Z", start: "2024-03-01T00:00:00Z", next: "2024-03-02T00:00:00Z"},
		{name: "1D in UTC+8", raw: "1D", loc: plus8, in: "2024-03-01T20:00:00Z", start: "2024-03-01T16:00:00Z", next: "2024-03-02T16:00:00Z"},
		{name: "1W starts on monday", raw: "1W", in: "2024-03-06T10:00:00Z", start: "2024-03-04T00:00:00Z", next: "2024-03-11T00:00:00Z"},
		{name: "before epoch", raw: "1W", in: "1969-12-31T10:00:00Z", start: "1969-12-29T00:00:00Z", next: "1970-01-05T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseResolution(tt.raw, nil, tt.loc)
			require.NoError(t, err)

			in := at(tt.in)
			assert.True(t, at(tt.start).Equal(res.BucketStart(in)), "start %s", res.BucketStart(in))
			assert.True(t, at(tt.next).Equal(res.Next(in)), "next %s", res.Next(in))
			assert.True(t, at(tt.start).Equal(res.Prev(res.Next(in))))
			assert.Equal(t, res.BucketIndex(in)+1, res.BucketIndex(res.Next(in)))
		})
	}
}

func TestResolution_FloorCeilShift(t *testing.T) {
	res, err := ParseResolution("1h", nil, nil)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 12, 40, 10, 0, time.UTC)
	aligned := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, aligned.Equal(res.Floor(ts)))
	assert.True(t, aligned.Add(time.Hour).Equal(res.Ceil(ts)))
	assert.True(t, aligned.Equal(res.Ceil(aligned)))
	assert.True(t, aligned.Add(-5*time.Hour).Equal(res.Shift(ts, -5)))
	assert.True(t, aligned.Add(24*time.Hour).Equal(res.Shift(aligned, 24)))
}

package kline

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrInvalidResolution is returned for a resolution string that cannot be
// parsed or expressed in the supported system resolutions.
var ErrInvalidResolution = errors.New("invalid resolution")

// Unit is a calendar unit a resolution is expressed in.
type Unit int

const (
	Minute Unit = iota
	Hour
	Day
	Week
)

func (u Unit) String() string {
	switch u {
	case Minute:
		return "m"
	case Hour:
		return "h"
	case Day:
		return "D"
	case Week:
		return "W"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// downgrade returns the next smaller unit and how many of it make one u.
func (u Unit) downgrade() (Unit, int, bool) {
	switch u {
	case Week:
		return Day, 7, true
	case Day:
		return Hour, 24, true
	case Hour:
		return Minute, 60, true
	default:
		return u, 1, false
	}
}

// SystemResolutions lists, per unit, the bucket widths the history endpoint
// serves natively, largest first.
type SystemResolutions map[Unit][]int

// DefaultSystemResolutions is what the venue's history endpoint supports.
var DefaultSystemResolutions = SystemResolutions{
	Minute: {60, 5, 1},
	Day:    {1},
}

var resolutionPattern = regexp.MustCompile(`^(\d+)([mhDW]?)$`)

// Resolution is a requested bucket width normalized against the system
// resolutions: Multiplier buckets of Divisor SysUnits make one requested bucket
// of Duration Units.
type Resolution struct {
	Raw        string
	Duration   int
	Unit       Unit
	SysUnit    Unit
	Divisor    int
	Multiplier int
	Location   *time.Location
}

// ParseResolution normalizes raw ("3m", "2h", "1D", "1W"; a bare number means
// minutes). Bucket boundaries are computed in loc, UTC when nil.
func ParseResolution(raw string, system SystemResolutions, loc *time.Location) (Resolution, error) {
	m := resolutionPattern.FindStringSubmatch(raw)
	if m == nil {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidResolution, raw)
	}
	duration, err := strconv.Atoi(m[1])
	if err != nil || duration <= 0 {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidResolution, raw)
	}
	if system == nil {
		system = DefaultSystemResolutions
	}
	if loc == nil {
		loc = time.UTC
	}

	unit := Minute
	switch m[2] {
	case "h":
		unit = Hour
	case "D":
		unit = Day
	case "W":
		unit = Week
	}

	sysUnit, sysDuration := unit, duration
	for {
		if _, ok := system[sysUnit]; ok {
			break
		}
		smaller, factor, ok := sysUnit.downgrade()
		if !ok {
			return Resolution{}, fmt.Errorf("%w: %q has no system unit", ErrInvalidResolution, raw)
		}
		sysUnit, sysDuration = smaller, sysDuration*factor
	}

	for _, divisor := range system[sysUnit] {
		if divisor > 0 && sysDuration%divisor == 0 {
			return Resolution{
				Raw:        raw,
				Duration:   duration,
				Unit:       unit,
				SysUnit:    sysUnit,
				Divisor:    divisor,
				Multiplier: sysDuration / divisor,
				Location:   loc,
			}, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: %q is not a multiple of %v", ErrInvalidResolution, raw, system[sysUnit])
}

// System is the resolution string sent to the history endpoint: minutes are
// bare numbers, other units carry their suffix.
func (r Resolution) System() string {
	if r.SysUnit == Minute {
		return strconv.Itoa(r.Divisor)
	}
	return strconv.Itoa(r.Divisor) + r.SysUnit.String()
}

func (r Resolution) String() string {
	return fmt.Sprintf("%s (%dx%s)", r.Raw, r.Multiplier, r.System())
}

// SameBuckets reports whether r and o cut time identically, whatever their
// raw spelling.
func (r Resolution) SameBuckets(o Resolution) bool {
	return r.Duration == o.Duration && r.Unit == o.Unit
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// epochDays counts days between the Unix epoch and the wall date of t.
func epochDays(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// unitIndex numbers every unit boundary since the epoch in the resolution's
// location. Weeks start on Monday.
func (r Resolution) unitIndex(t time.Time) int64 {
	t = t.In(r.Location)
	days := epochDays(t)
	switch r.Unit {
	case Minute:
		return days*1440 + int64(t.Hour())*60 + int64(t.Minute())
	case Hour:
		return days*24 + int64(t.Hour())
	case Day:
		return days
	default:
		// 1970-01-05 was the first Monday
		return floorDiv(days-4, 7)
	}
}

// unitTime is the inverse of unitIndex.
func (r Resolution) unitTime(idx int64) time.Time {
	loc := r.Location
	switch r.Unit {
	case Minute:
		days, rem := floorDiv(idx, 1440), idx-floorDiv(idx, 1440)*1440
		return time.Date(1970, 1, 1+int(days), int(rem/60), int(rem%60), 0, 0, loc)
	case Hour:
		days, rem := floorDiv(idx, 24), idx-floorDiv(idx, 24)*24
		return time.Date(1970, 1, 1+int(days), int(rem), 0, 0, 0, loc)
	case Day:
		return time.Date(1970, 1, 1+int(idx), 0, 0, 0, 0, loc)
	default:
		return time.Date(1970, 1, 5+int(idx)*7, 0, 0, 0, 0, loc)
	}
}

// Floor truncates t to its unit boundary.
func (r Resolution) Floor(t time.Time) time.Time {
	return r.unitTime(r.unitIndex(t))
}

// Ceil rounds t up to the next unit boundary; aligned instants are unchanged.
func (r Resolution) Ceil(t time.Time) time.Time {
	f := r.Floor(t)
	if f.Equal(t) {
		return f
	}
	return r.unitTime(r.unitIndex(t) + 1)
}

// Shift moves t by n units, flooring it first.
func (r Resolution) Shift(t time.Time, n int) time.Time {
	return r.unitTime(r.unitIndex(t) + int64(n))
}

// BucketIndex numbers requested buckets since the epoch.
func (r Resolution) BucketIndex(t time.Time) int64 {
	return floorDiv(r.unitIndex(t), int64(r.Duration))
}

// BucketStart returns the start of the requested bucket containing t.
func (r Resolution) BucketStart(t time.Time) time.Time {
	return r.unitTime(r.BucketIndex(t) * int64(r.Duration))
}

// Next returns the start of the bucket after the one containing t.
func (r Resolution) Next(t time.Time) time.Time {
	return r.unitTime((r.BucketIndex(t) + 1) * int64(r.Duration))
}

// Prev returns the start of the bucket before the one containing t.
func (r Resolution) Prev(t time.Time) time.Time {
	return r.unitTime((r.BucketIndex(t) - 1) * int64(r.Duration))
}

// Package calendar holds the time-zone safe date arithmetic used by the rest
// of the engine. Civil values (Date, TimeOfDay) carry no location; they are
// bound to an instant only through an explicit IANA zone.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTimeZone is returned for empty or unknown IANA zone names.
var ErrInvalidTimeZone = errors.New("invalid time zone")

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Date is a civil calendar date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate normalizes y/m/d the way time.Date does (Feb 30 -> Mar 1/2).
func NewDate(y int, m time.Month, d int) Date {
	return DateOf(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the civil date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD and rejects dates that time.Date would
// normalize (2024-02-30).
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d == Date{} }

// Valid reports whether d names a real day.
func (d Date) Valid() bool {
	if d.Month < time.January || d.Month > time.December || d.Day < 1 {
		return false
	}
	return d.Day <= DaysIn(d.Year, d.Month)
}

// midnightUTC is the floating representation used for arithmetic.
func (d Date) midnightUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// In returns local midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// UTCMidnight exposes the floating form for rule engines that work on
// wall-clock dates.
func (d Date) UTCMidnight() time.Time { return d.midnightUTC() }

// AddDays returns d shifted by n days; n may be negative. Month and year
// boundaries roll over normally.
func (d Date) AddDays(n int) Date {
	return DateOf(d.midnightUTC().AddDate(0, 0, n))
}

// Weekday is zone independent.
func (d Date) Weekday() time.Weekday { return d.midnightUTC().Weekday() }

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return sign(d.Year - o.Year)
	case d.Month != o.Month:
		return sign(int(d.Month) - int(o.Month))
	default:
		return sign(d.Day - o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

// DaysUntil returns the number of days from d to o (negative if o is earlier).
func (d Date) DaysUntil(o Date) int {
	return int(o.midnightUTC().Sub(d.midnightUTC()) / (24 * time.Hour))
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses HH:MM (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse(timeLayout, strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// TimeOf returns the wall-clock time of t in t's own location.
func TimeOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// LoadZone resolves an IANA zone name. There is no fallback: an empty or
// unknown name is an error.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidTimeZone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimeZone, name, err)
	}
	return loc, nil
}

// ToLocal splits an instant into the civil date and time of day in zone.
func ToLocal(instant time.Time, zone string) (Date, TimeOfDay, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return Date{}, TimeOfDay{}, err
	}
	local := instant.In(loc)
	return DateOf(local), TimeOf(local), nil
}

// ToUTC binds a civil date (and optional time) to zone. A nil tod anchors the
// date at local midnight. Times inside a DST gap resolve the way time.Date
// does, i.e. shifted forward by the gap.
func ToUTC(d Date, tod *TimeOfDay, zone string) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	h, m := 0, 0
	if tod != nil {
		h, m = tod.Hour, tod.Minute
	}
	return time.Date(d.Year, d.Month, d.Day, h, m, 0, 0, loc).UTC(), nil
}

// DayStart returns local midnight of "today" (as seen from now in zone).
func DayStart(zone string, now time.Time) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	return DateOf(now.In(loc)).In(loc).UTC(), nil
}

// DayEnd returns local midnight of tomorrow, the exclusive end of today. The
// span from DayStart is 23, 24 or 25 hours depending on DST.
func DayEnd(zone string, now time.Time) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	return DateOf(now.In(loc)).AddDays(1).In(loc).UTC(), nil
}

// IsBefore and IsAfter are strict; equal dates report false.
func IsBefore(d, o Date) bool { return d.Before(o) }
func IsAfter(d, o Date) bool  { return d.After(o) }

// IsBetween reports a <= d <= b.
func IsBetween(d, a, b Date) bool {
	return d.Compare(a) >= 0 && d.Compare(b) <= 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

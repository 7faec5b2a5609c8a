package trips

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Mode is a GTFS route_type code, including the extended route types
// (100 rail, 700 bus, ...).
type Mode int

// TimeWindow is a half-open time-of-day interval [From, To), both measured
// from service-day midnight. To may exceed 24h for GTFS after-midnight trips.
type TimeWindow struct {
	From time.Duration `json:"from"`
	To   time.Duration `json:"to"`
}

// NewTimeWindow builds a window from second offsets as stored in GTFS.
func NewTimeWindow(fromSeconds, toSeconds int) TimeWindow {
	return TimeWindow{
		From: time.Duration(fromSeconds) * time.Second,
		To:   time.Duration(toSeconds) * time.Second,
	}
}

// ParseTimeWindow parses "HH:MM-HH:MM" (hours may exceed 23).
func ParseTimeWindow(s string) (TimeWindow, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return TimeWindow{}, eris.Errorf("trips: time window %q must look like 06:00-20:00", s)
	}
	f, err := parseClock(from)
	if err != nil {
		return TimeWindow{}, err
	}
	t, err := parseClock(to)
	if err != nil {
		return TimeWindow{}, err
	}
	w := TimeWindow{From: f, To: t}
	return w, w.Validate()
}

func parseClock(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, eris.Wrapf(err, "trips: parse time %q", s)
	}
	if h < 0 || m < 0 || m > 59 {
		return 0, eris.Errorf("trips: time %q out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Validate rejects empty and inverted windows.
func (w TimeWindow) Validate() error {
	if w.From < 0 {
		return eris.Errorf("trips: window start %s is negative", w.From)
	}
	if w.To <= w.From {
		return eris.Errorf("trips: window end %s not after start %s", w.To, w.From)
	}
	return nil
}

// Minutes is the window length in minutes.
func (w TimeWindow) Minutes() float64 {
	return (w.To - w.From).Minutes()
}

// Contains reports whether offset lies in [From, To).
func (w TimeWindow) Contains(offset time.Duration) bool {
	return offset >= w.From && offset < w.To
}

func (w TimeWindow) String() string {
	return clock(w.From) + "-" + clock(w.To)
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// Weekday selects one entry of a trip's weekly active-day mask:
// 1 is Monday and 7 is Sunday.
type Weekday int

// Weekdays.
const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// Validate checks the weekday is in 1..7.
func (d Weekday) Validate() error {
	if d < Monday || d > Sunday {
		return eris.Errorf("trips: weekday %d not in 1..7", d)
	}
	return nil
}

// Index is the zero-based position of the weekday in a mask.
func (d Weekday) Index() int { return int(d) - 1 }

// DayType is the coarse day selector used in requests.
type DayType string

// Day types.
const (
	DayWeekday  DayType = "weekday"
	DaySaturday DayType = "saturday"
	DaySunday   DayType = "sunday"
)

// Weekday maps a day type to the representative mask entry.
func (t DayType) Weekday() (Weekday, error) {
	switch t {
	case DayWeekday:
		return Monday, nil
	case DaySaturday:
		return Saturday, nil
	case DaySunday:
		return Sunday, nil
	default:
		return 0, eris.Errorf("trips: unknown day type %q", t)
	}
}

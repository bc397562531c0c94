package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WeekdaySet is a set of weekdays, one bit per time.Weekday.
type WeekdaySet uint8

// AllWeekdays contains every day of the week.
const AllWeekdays WeekdaySet = 0x7f

// weekdayOrder lists days in vendor order, Monday first.
var weekdayOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

var weekdayTags = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// ParseWeekday accepts a short tag ("mon") or a full English day name.
func ParseWeekday(tag string) (time.Weekday, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for day, short := range weekdayTags {
		if tag == short || tag == strings.ToLower(day.String()) {
			return day, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", tag)
}

// NewWeekdaySet builds a set from the given days.
func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

// Has reports whether day is in the set.
func (s WeekdaySet) Has(day time.Weekday) bool {
	return s&(1<<uint(day)) != 0
}

// Len returns the number of days in the set.
func (s WeekdaySet) Len() int {
	n := 0
	for _, d := range weekdayOrder {
		if s.Has(d) {
			n++
		}
	}
	return n
}

// Tags returns the short tags of the set, Monday first.
func (s WeekdaySet) Tags() []string {
	tags := make([]string, 0, 7)
	for _, d := range weekdayOrder {
		if s.Has(d) {
			tags = append(tags, weekdayTags[d])
		}
	}
	return tags
}

// VendorDays encodes the set as the cloud expects it: Monday = 1 ... Sunday = 7.
func (s WeekdaySet) VendorDays() []int {
	days := make([]int, 0, 7)
	for i, d := range weekdayOrder {
		if s.Has(d) {
			days = append(days, i+1)
		}
	}
	return days
}

// WeekdaySetFromVendor decodes the cloud's 1..7 day numbering.
func WeekdaySetFromVendor(days []int) WeekdaySet {
	var s WeekdaySet
	for _, n := range days {
		if n >= 1 && n <= 7 {
			s |= NewWeekdaySet(weekdayOrder[n-1])
		}
	}
	return s
}

func (s WeekdaySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Tags())
}

// ClockTime is a time of day in minutes since midnight.
type ClockTime int

// ParseClockTime parses "HH:MM" or "HH:MM:SS". Seconds are dropped.
func ParseClockTime(v string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time %q must be HH:MM", v)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("time %q has an invalid hour", v)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time %q has an invalid minute", v)
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("time %q has an invalid second", v)
		}
	}
	return ClockTime(hour*60 + minute), nil
}

// ClockTimeOf returns the minute-of-day of t.
func ClockTimeOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// PassageModeSchedule is the passage-mode configuration of a lock.
type PassageModeSchedule struct {
	Enabled    bool       `json:"enabled"`
	AutoUnlock bool       `json:"auto_unlock"`
	AllDay     bool       `json:"all_day"`
	Start      ClockTime  `json:"start_time"`
	End        ClockTime  `json:"end_time"`
	Days       WeekdaySet `json:"days"`
}

// ActiveAt reports whether passage mode holds the lock open at t.
// The window includes its start minute and excludes its end minute; a window
// whose end is before its start wraps past midnight.
func (s PassageModeSchedule) ActiveAt(t time.Time) bool {
	if !s.Enabled || !s.Days.Has(t.Weekday()) {
		return false
	}
	if s.AllDay {
		return true
	}
	now := ClockTimeOf(t)
	if s.Start <= s.End {
		return now >= s.Start && now < s.End
	}
	return now >= s.Start || now < s.End
}

// PassageModeKind summarises a schedule.
type PassageModeKind string

const (
	PassageModeUnknown   PassageModeKind = "unknown"
	PassageModeDisabled  PassageModeKind = "disabled"
	PassageModeScheduled PassageModeKind = "scheduled"
	PassageModeAlwaysOn  PassageModeKind = "always_on"
)

// PassageMode is the passage-mode attribute exposed for a lock.
type PassageMode struct {
	Kind     PassageModeKind     `json:"kind"`
	Schedule PassageModeSchedule `json:"schedule"`
}

// PassageModeFrom classifies a schedule.
func PassageModeFrom(s PassageModeSchedule) PassageMode {
	kind := PassageModeScheduled
	switch {
	case !s.Enabled:
		kind = PassageModeDisabled
	case s.AllDay && s.Days == AllWeekdays:
		kind = PassageModeAlwaysOn
	}
	return PassageMode{Kind: kind, Schedule: s}
}

// PassageModeRequest is the configure_passage_mode service input.
// A nil Days means every day; an empty, non-nil Days is an empty set.
type PassageModeRequest struct {
	Enabled    bool     `json:"enabled"`
	AutoUnlock bool     `json:"auto_unlock"`
	AllDay     bool     `json:"all_day"`
	StartTime  string   `json:"start_time,omitempty"`
	EndTime    string   `json:"end_time,omitempty"`
	Days       []string `json:"days,omitempty"`
}

// Schedule validates the request and builds the schedule it describes.
// Start, end and a non-empty day set are mandatory for an enabled,
// non all-day schedule. Supplied values must parse even when disabled.
func (r PassageModeRequest) Schedule() (PassageModeSchedule, error) {
	s := PassageModeSchedule{
		Enabled:    r.Enabled,
		AutoUnlock: r.AutoUnlock,
		AllDay:     r.AllDay,
		Days:       AllWeekdays,
	}

	if r.Days != nil {
		s.Days = 0
		for _, tag := range r.Days {
			day, err := ParseWeekday(tag)
			if err != nil {
				return PassageModeSchedule{}, invalid("days", "%v", err)
			}
			s.Days |= NewWeekdaySet(day)
		}
	}

	var err error
	if r.StartTime != "" {
		if s.Start, err = ParseClockTime(r.StartTime); err != nil {
			return PassageModeSchedule{}, invalid("start_time", "%v", err)
		}
	}
	if r.EndTime != "" {
		if s.End, err = ParseClockTime(r.EndTime); err != nil {
			return PassageModeSchedule{}, invalid("end_time", "%v", err)
		}
	}

	if !r.Enabled || r.AllDay {
		return s, nil
	}
	if r.StartTime == "" {
		return PassageModeSchedule{}, invalid("start_time", "required unless all_day is set")
	}
	if r.EndTime == "" {
		return PassageModeSchedule{}, invalid("end_time", "required unless all_day is set")
	}
	if s.Days == 0 {
		return PassageModeSchedule{}, invalid("days", "at least one day is required unless all_day is set")
	}
	if s.Start == s.End {
		return PassageModeSchedule{}, invalid("end_time", "must differ from start_time")
	}
	return s, nil
}

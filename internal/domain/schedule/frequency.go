// Package schedule maps clinical frequency codes to times of day and
// materializes the planned dose instants of a DoseSchedule.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/drfirst/go-careplan/internal/domain/errs"
)

// Frequency codes recognized by DefaultTimes
const (
	OD   = "OD"
	BID  = "BID"
	TID  = "TID"
	QID  = "QID"
	Q6H  = "Q6H"
	Q8H  = "Q8H"
	Q12H = "Q12H"
)

var defaultTimes = map[string][]string{
	OD:   {"09:00"},
	BID:  {"09:00", "21:00"},
	TID:  {"08:00", "14:00", "20:00"},
	QID:  {"08:00", "12:00", "18:00", "22:00"},
	Q6H:  {"06:00", "12:00", "18:00", "00:00"},
	Q8H:  {"08:00", "16:00", "00:00"},
	Q12H: {"08:00", "20:00"},
}

// Codes returns the recognized frequency codes in sorted order
func Codes() []string {
	out := make([]string, 0, len(defaultTimes))
	for code := range defaultTimes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Known reports whether code is a recognized frequency code
func Known(code string) bool {
	_, ok := defaultTimes[canonical(code)]
	return ok
}

// DefaultTimes returns the canonical times of day for a frequency code,
// deduplicated and chronologically sorted. Unknown codes return an empty list
// so the caller has to supply times explicitly.
func DefaultTimes(code string) []string {
	times, ok := defaultTimes[canonical(code)]
	if !ok {
		return []string{}
	}
	out, _ := Normalize(times)
	return out
}

// Normalize validates strict 24-hour HH:MM strings, removes duplicates and
// sorts chronologically.
func Normalize(times []string) ([]string, error) {
	seen := make(map[int]string, len(times))
	for i, raw := range times {
		t := strings.TrimSpace(raw)
		minutes, err := parseClock(t)
		if err != nil {
			return nil, errs.Validation("times", "times[%d] %q is not a valid HH:MM time", i, raw)
		}
		seen[minutes] = t
	}

	keys := make([]int, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out, nil
}

// Derive prefers explicit times and falls back to the frequency defaults.
// An empty result is a validation error.
func Derive(code string, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return Normalize(explicit)
	}
	times := DefaultTimes(code)
	if len(times) == 0 {
		if strings.TrimSpace(code) == "" {
			return nil, errs.Validation("frequency", "frequency or explicit times are required")
		}
		return nil, errs.Validation("frequency", "unrecognized frequency code %q requires explicit times", code)
	}
	return times, nil
}

func canonical(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// parseClock returns minutes since midnight for a strict HH:MM value
func parseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("malformed time %q", s)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("malformed time %q", s)
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("time out of range %q", s)
	}
	return h*60 + m, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays converts day names into a sorted, deduplicated weekday mask
func ParseWeekdays(days []string) ([]time.Weekday, error) {
	set := make(map[time.Weekday]struct{}, len(days))
	for i, d := range days {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, errs.Validation("days_of_week", "days_of_week[%d] %q is not a weekday", i, d)
		}
		set[wd] = struct{}{}
	}
	out := make([]time.Weekday, 0, len(set))
	for wd := range set {
		out = append(out, wd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// WeekdayNames renders a mask using three-letter lowercase names
func WeekdayNames(days []time.Weekday) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, strings.ToLower(d.String()[:3]))
	}
	return out
}

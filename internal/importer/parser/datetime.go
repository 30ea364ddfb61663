package parser

import (
	"strconv"
	"strings"
	"time"
)

// parseDate accepts MM/DD/YY and MM/DD/YYYY. Two-digit years are 20YY.
func parseDate(s string) (year int, month time.Month, day int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	m, err1 := strconv.Atoi(parts[0])
	d, err2 := strconv.Atoi(parts[1])
	y, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	switch len(parts[2]) {
	case 2:
		y += 2000
	case 4:
	default:
		return 0, 0, 0, false
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return 0, 0, 0, false
	}
	// reject dates time.Date would roll over, such as 02/30
	probe := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if probe.Month() != time.Month(m) || probe.Day() != d {
		return 0, 0, 0, false
	}
	return y, time.Month(m), d, true
}

// parseClock accepts H:MM and H:MM:SS with an optional am/pm suffix
// ("a.m." and "p.m." too). Without a suffix the hour is read as 24-hour.
func parseClock(s string) (hour, minute, second int, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ".", "")
	meridiem := ""
	if strings.HasSuffix(s, "am") || strings.HasSuffix(s, "pm") {
		meridiem = s[len(s)-2:]
		s = strings.TrimSpace(s[:len(s)-2])
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, false
	}
	nums := make([]int, 3)
	for i, p := range parts {
		if p == "" || len(p) > 2 {
			return 0, 0, 0, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, false
		}
		nums[i] = n
	}
	hour, minute, second = nums[0], nums[1], nums[2]
	if len(parts[1]) != 2 || minute > 59 || second > 59 {
		return 0, 0, 0, false
	}
	switch meridiem {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, 0, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, 0, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, 0, false
		}
	}
	return hour, minute, second, true
}

// parseTimestamp combines date and time cells in loc and returns UTC.
func parseTimestamp(date, clock string, loc *time.Location) (time.Time, bool) {
	y, mo, d, ok := parseDate(date)
	if !ok {
		return time.Time{}, false
	}
	h, mi, sec, ok := parseClock(clock)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(y, mo, d, h, mi, sec, 0, loc).UTC(), true
}

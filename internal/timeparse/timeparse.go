// Package timeparse converts the text time encodings found in SCADA exports
// into comparable values.
//
// The source tables store durations as colon-delimited text ("00:10:00",
// sometimes with unit suffixes) and timestamps as naive local date-times.
// Both parsers report failure as a typed outcome rather than an error so
// callers can treat "unparseable" as an ordinary, testable case.
package timeparse

import (
	"strconv"
	"strings"
	"time"
)

const (
	layoutDateTime = "2006-01-02 15:04:05"
	layoutDate     = "2006-01-02"
)

// ParseDuration converts colon-delimited duration text to seconds.
//
// The rightmost group is seconds, the next minutes, the next hours; any
// further groups are ignored. Non-digit characters other than a decimal
// point are stripped per group, so "00h:10m:30s" parses the same as
// "00:10:30". Returns ok=false for empty or fully unparseable input.
func ParseDuration(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	var nums []float64
	for _, part := range strings.Split(s, ":") {
		cleaned := stripNonNumeric(part)
		if cleaned == "" {
			continue
		}
		n, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return 0, false
	}

	sec := nums[len(nums)-1]
	var minute, hour float64
	if len(nums) >= 2 {
		minute = nums[len(nums)-2]
	}
	if len(nums) >= 3 {
		hour = nums[len(nums)-3]
	}
	return hour*3600 + minute*60 + sec, true
}

// ParseInstant parses "YYYY-MM-DD HH:MM:SS" or "YYYY-MM-DD" text.
//
// The source data carries no timezone; instants are naive and only
// meaningful relative to each other.
func ParseInstant(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(layoutDateTime, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(layoutDate, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func stripNonNumeric(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

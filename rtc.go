package devsession

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// RTC tuple layout per spec §6: (yyyy, m, d, weekday, h, mm, ss, 0), weekday
// 0=Monday..6=Sunday (Python/MicroPython convention, not Go's).

var rtcNumberPattern = regexp.MustCompile(`-?\d+`)

// parseRp2DatetimeTuple parses the helper's RTC tuple text into a time.Time.
// Returns ok=false for anything that doesn't look like a valid tuple (spec
// §4.5 getRtcTime: invalid tuples yield time=null).
func parseRp2DatetimeTuple(buf []byte) (time.Time, bool) {
	matches := rtcNumberPattern.FindAll(buf, -1)
	if len(matches) < 7 {
		return time.Time{}, false
	}
	nums := make([]int, 7)
	for i := 0; i < 7; i++ {
		n, err := strconv.Atoi(string(matches[i]))
		if err != nil {
			return time.Time{}, false
		}
		nums[i] = n
	}
	year, month, day, _, hour, minute, second := nums[0], nums[1], nums[2], nums[3], nums[4], nums[5], nums[6]
	if month < 1 || month > 12 {
		return time.Time{}, false
	}
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 60 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC), true
}

// dateToRp2Datetime converts a civil time into the 8-field tuple the helper
// expects to send/receive, translating Go's Sunday=0 weekday into the
// firmware's Monday=0 convention.
func dateToRp2Datetime(t time.Time) [8]int {
	t = t.UTC()
	goWeekday := int(t.Weekday()) // Sunday=0..Saturday=6
	monFirst := (goWeekday + 6) % 7
	return [8]int{t.Year(), int(t.Month()), t.Day(), monFirst, t.Hour(), t.Minute(), t.Second(), 0}
}

// rp2DatetimeToString renders a tuple exactly as the wire format in §6.
func rp2DatetimeToString(tuple [8]int) string {
	return fmt.Sprintf("(%d, %d, %d, %d, %d, %d, %d, %d)",
		tuple[0], tuple[1], tuple[2], tuple[3], tuple[4], tuple[5], tuple[6], tuple[7])
}

// rp2DatetimeToTime converts a tuple back into a time.Time, the inverse of
// dateToRp2Datetime (ignoring the weekday field, which is redundant).
func rp2DatetimeToTime(tuple [8]int) time.Time {
	return time.Date(tuple[0], time.Month(tuple[1]), tuple[2], tuple[4], tuple[5], tuple[6], 0, time.UTC)
}

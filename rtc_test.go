package devsession

import (
	"testing"
	"time"
)

func TestParseRp2DatetimeTuple(t *testing.T) {
	buf := []byte("(2024, 3, 15, 4, 10, 30, 0, 0)")
	tm, ok := parseRp2DatetimeTuple(buf)
	if !ok {
		t.Fatal("expected a valid tuple to parse")
	}
	want := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	if !tm.Equal(want) {
		t.Errorf("got %v, want %v", tm, want)
	}
}

func TestParseRp2DatetimeTupleRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		[]byte("not a tuple at all"),
		[]byte("(2024, 13, 15, 4, 10, 30, 0, 0)"), // bad month
		[]byte("(2024, 3, 15, 4, 25, 30, 0, 0)"),   // bad hour
		[]byte("(1, 2, 3)"),                        // too few fields
	}
	for _, c := range cases {
		if _, ok := parseRp2DatetimeTuple(c); ok {
			t.Errorf("expected %q to be rejected", c)
		}
	}
}

func TestDateToRp2DatetimeWeekdayConvention(t *testing.T) {
	// 2024-03-18 is a Monday; firmware convention is Monday=0.
	monday := time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)
	tuple := dateToRp2Datetime(monday)
	if tuple[3] != 0 {
		t.Errorf("expected Monday=0, got %d", tuple[3])
	}

	sunday := time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)
	tuple = dateToRp2Datetime(sunday)
	if tuple[3] != 6 {
		t.Errorf("expected Sunday=6, got %d", tuple[3])
	}
}

func TestRtcRoundTrip(t *testing.T) {
	// Spec §8 property 8: rp2DatetimeToString(dateToRp2Datetime(t)) round
	// trips through the same tuple parser used on real helper output.
	cases := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2099, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2024, 3, 18, 14, 22, 7, 0, time.UTC),
	}
	for _, want := range cases {
		tuple := dateToRp2Datetime(want)
		str := rp2DatetimeToString(tuple)
		got, ok := parseRp2DatetimeTuple([]byte(str))
		if !ok {
			t.Fatalf("round-tripped string did not parse: %q", str)
		}
		if !got.Equal(want) {
			t.Errorf("round trip mismatch: got %v, want %v", got, want)
		}

		back := rp2DatetimeToTime(tuple)
		if !back.Equal(want) {
			t.Errorf("rp2DatetimeToTime mismatch: got %v, want %v", back, want)
		}
	}
}

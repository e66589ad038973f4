package controller

import "testing"

func TestInsertPingSQL(t *testing.T) {
	got := InsertPingSQL("device-1", 1706011200)
	want := "EXECUTE insert_ping('device-1', 1706011200)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestInsertPingSQLEscapesSingleQuote(t *testing.T) {
	got := InsertPingSQL("o'brien-sensor", 1)
	want := "EXECUTE insert_ping('o''brien-sensor', 1)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPingsInRangeSQL(t *testing.T) {
	got := PingsInRangeSQL("device-1", 100, 200)
	want := "EXECUTE pings_in_range('device-1', 100, 200)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPingsInRangeSQLNegativeEpoch(t *testing.T) {
	got := PingsInRangeSQL("device-1", -5, 10)
	want := "EXECUTE pings_in_range('device-1', -5, 10)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

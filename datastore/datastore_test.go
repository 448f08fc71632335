package datastore

import (
	"testing"

	"github.com/quarryhq/quarry/types"
)

func TestIntCodec(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 1520000000000000} {
		got, err := DecodeInt(EncodeInt(v))
		if err != nil {
			t.Fatalf("DecodeInt() error = %v", err)
		}
		if got != v {
			t.Errorf("round trip = %d, want %d", got, v)
		}
	}

	if _, err := DecodeInt([]byte("not a number")); err == nil {
		t.Error("DecodeInt() expected error for garbage")
	}
}

func TestTimestampSpecMatches(t *testing.T) {
	r := TimeRange(100, 200)
	for ts, want := range map[types.Timestamp]bool{99: false, 100: true, 150: true, 200: true, 201: false} {
		if got := r.matches(ts); got != want {
			t.Errorf("matches(%d) = %v, want %v", ts, got, want)
		}
	}
	if !Newest().matches(5) || !AllTimestamps().matches(5) {
		t.Error("non-range specs must match any timestamp")
	}
}

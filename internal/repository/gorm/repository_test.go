package gormrepository

import (
	"context"
	"testing"
	"time"
)

var zeroTime time.Time

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{0: 200, -5: 200, 50: 50, 5000: 1000}
	for in, want := range cases {
		if got := normalizeLimit(in, 200); got != want {
			t.Fatalf("limit=%d got=%d want=%d", in, got, want)
		}
	}
	if got := normalizeOffset(-1); got != 0 {
		t.Fatalf("offset=%d want=0", got)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if ok, err := s.ConsumeRetry(context.Background(), 1); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if items, err := s.ListDueRetries(context.Background(), zeroTime, zeroTime); items != nil || err != nil {
		t.Fatalf("items=%v err=%v", items, err)
	}
}

package period

import (
	"testing"
	"time"
)

func TestOfAndNavigation(t *testing.T) {
	ts := time.Date(2024, time.December, 31, 23, 59, 0, 0, time.UTC)
	p := Of(ts)
	if p != "2024-12" {
		t.Fatalf("expected 2024-12, got %s", p)
	}
	if p.Next() != "2025-01" {
		t.Fatalf("expected next 2025-01, got %s", p.Next())
	}
	if p.Prev() != "2024-11" {
		t.Fatalf("expected prev 2024-11, got %s", p.Prev())
	}
	if !p.Contains(ts) {
		t.Fatalf("expected period to contain %s", ts)
	}
	if p.Contains(p.End()) {
		t.Fatalf("end must be exclusive")
	}
	if !ID("2024-02").Before("2024-10") {
		t.Fatalf("expected 2024-02 before 2024-10")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "2024", "2024-13", "24-01"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	if _, err := Parse(" 2024-03 "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

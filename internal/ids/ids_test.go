package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if a > b {
		t.Fatalf("expected monotonic ids: %s > %s", a, b)
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("SES")
	id := gen()
	if !strings.HasPrefix(id, "ses_") {
		t.Fatalf("unexpected id %q", id)
	}
	if got := Prefixed(" ")(); strings.Contains(got, "_") {
		t.Fatalf("empty prefix should fall back to bare ulid, got %q", got)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("tx")
	for _, want := range []string{"tx-1", "tx-2", "tx-3"} {
		if got := gen(); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

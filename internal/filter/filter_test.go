package filter

import (
	"errors"
	"testing"
)

func TestParseEmptyMatchesAll(t *testing.T) {
	p, err := Parse("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.MatchAll() {
		t.Error("empty filter should match all")
	}
	if !p.Match(nil, map[string]any{"id": 1}) {
		t.Error("match-all should accept any row")
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{
		"invalid",
		"=eq.1",
		"status=eqactive",
		"status=like.foo",
		"count=gt.abc",
		"status=in.active",
	} {
		if _, err := Parse(s); !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q): expected ErrInvalid, got %v", s, err)
		}
	}
}

func TestMatchEq(t *testing.T) {
	row := map[string]any{"status": "active", "user_id": float64(42)}

	tests := []struct {
		filter string
		want   bool
	}{
		{"status=eq.active", true},
		{"status=eq.inactive", false},
		{"user_id=eq.42", true},
		{"user_id=eq.7", false},
		{"missing=eq.1", false},
		{"status=neq.inactive", true},
		{"status=neq.active", false},
	}
	for _, tt := range tests {
		p, err := Parse(tt.filter)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.filter, err)
		}
		if got := p.Match(row, nil); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.filter, got, tt.want)
		}
	}
}

func TestMatchNumeric(t *testing.T) {
	row := map[string]any{"count": float64(5), "label": "x"}

	for _, f := range []string{"count=gt.3", "count=gte.5", "count=lt.10", "count=lte.5"} {
		p, err := Parse(f)
		if err != nil {
			t.Fatalf("Parse(%q): %v", f, err)
		}
		if !p.Match(row, nil) {
			t.Errorf("should match %s", f)
		}
	}

	p, _ := Parse("label=gt.1")
	if p.Match(row, nil) {
		t.Error("non-numeric column should not satisfy an ordering operator")
	}
}

func TestMatchIn(t *testing.T) {
	row := map[string]any{"status": "active"}

	p, err := Parse("status=in.(active, pending)")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Match(row, nil) {
		t.Error("should match status in (active,pending)")
	}

	p, _ = Parse("status=in.(inactive,deleted)")
	if p.Match(row, nil) {
		t.Error("should not match status in (inactive,deleted)")
	}
}

func TestMatchFallsBackToOldRow(t *testing.T) {
	p, _ := Parse("user_id=eq.42")
	if !p.Match(nil, map[string]any{"user_id": float64(42)}) {
		t.Error("delete events should be matched on the old row")
	}
	if p.Match(nil, nil) {
		t.Error("no row should never match a non-empty filter")
	}
}

func TestString(t *testing.T) {
	p, _ := Parse(" user_id=eq.42 ")
	if p.String() != "user_id=eq.42" {
		t.Errorf("unexpected canonical form %q", p.String())
	}
}

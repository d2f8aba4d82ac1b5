package cache

import (
	"testing"
)

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Matches("gpt-4o") {
		t.Fatal("nil ExclusionList must never match")
	}
	if el.Len() != 0 {
		t.Fatal("nil ExclusionList Len must be 0")
	}
}

func TestExclusionList_Matches(t *testing.T) {
	el, err := NewExclusionList([]string{"gemini-1.5-pro"}, []string{`^o1`, `-preview$`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gemini-1.5-pro", true},
		{"gemini-1.5-pro-002", false},
		{"GEMINI-1.5-PRO", false},
		{"o1-mini", true},
		{"gpt-4o-audio-preview", true},
		{"gpt-4o", false},
		{"claude-3-5-haiku-latest", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{`[invalid(`}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestParseExclusionList(t *testing.T) {
	el, err := ParseExclusionList(" gpt-4o , ,o3-mini", `^claude-3-opus, `)
	if err != nil {
		t.Fatal(err)
	}
	if el.Len() != 3 {
		t.Fatalf("Len = %d, want 3", el.Len())
	}
	for _, m := range []string{"gpt-4o", "o3-mini", "claude-3-opus-20240229"} {
		if !el.Matches(m) {
			t.Errorf("expected %q to be excluded", m)
		}
	}

	empty, err := ParseExclusionList("", "  ")
	if err != nil || empty.Len() != 0 {
		t.Fatalf("empty config should yield an empty list, got %d, %v", empty.Len(), err)
	}
}

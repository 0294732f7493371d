package tokens

import "testing"

func TestApprox(t *testing.T) {
	tests := map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2}
	for in, want := range tests {
		if got := Approx(in); got != want {
			t.Errorf("Approx(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestCountEmpty(t *testing.T) {
	if got := Count("gpt-4o", ""); got != 0 {
		t.Errorf("expected 0 tokens, got %d", got)
	}
}

package util

import "testing"

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "leaf1", true},
		{"", "leaf1", true},
		{"leaf*", "leaf1", true},
		{"leaf*", "spine1", false},
		{"leaf?", "leaf1", true},
		{"leaf?", "leaf10", false},
		{"leaf1", "leaf1", true},
		{"[", "leaf1", false}, // malformed pattern matches nothing
	}
	for _, tt := range tests {
		if got := GlobMatch(tt.pattern, tt.name); got != tt.want {
			t.Errorf("GlobMatch(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

package version

import "testing"

func TestGetShortCommit(t *testing.T) {
	old := GitCommit
	defer func() { GitCommit = old }()

	GitCommit = "abcdef1234567890"
	if got := GetShortCommit(); got != "abcdef1" {
		t.Fatalf("GetShortCommit = %q, want abcdef1", got)
	}

	GitCommit = "abc"
	if got := GetShortCommit(); got != "abc" {
		t.Fatalf("GetShortCommit = %q, want abc", got)
	}
}

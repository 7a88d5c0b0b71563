package version

import "testing"

func TestString(t *testing.T) {
	v, sha, built := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = v, sha, built }()

	Version, GitSHA, BuildTime = "1.2.3", "abc123", "2026-01-02"
	if got, want := String(), "1.2.3 (abc123, built 2026-01-02)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

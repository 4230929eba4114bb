package gitdiff

import "testing"

func TestParseNumstat(t *testing.T) {
	out := "12\t3\tinternal/api/server.go\n" +
		"0\t45\tinternal/api/legacy.go\n" +
		"-\t-\tassets/logo.png\n" +
		"\n"

	counts := parseNumstat(out)
	if got := counts["internal/api/server.go"]; got != 15 {
		t.Errorf("server.go = %d, want 15", got)
	}
	if got := counts["internal/api/legacy.go"]; got != 45 {
		t.Errorf("legacy.go = %d, want 45", got)
	}
	// Binary files count as one changed line.
	if got := counts["assets/logo.png"]; got != 1 {
		t.Errorf("logo.png = %d, want 1", got)
	}
	if len(counts) != 3 {
		t.Errorf("got %d entries, want 3", len(counts))
	}
}

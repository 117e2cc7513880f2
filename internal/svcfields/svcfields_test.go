package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{parts: []string{"session", "extract"}, want: "session.extract"},
		{parts: []string{"session.", "", " revisions"}, want: "session.revisions"},
		{parts: nil, want: ""},
	}
	for _, tc := range tests {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestHelpersTolerateNilLogger(t *testing.T) {
	if WithSubsystem(nil, "server") == nil {
		t.Fatal("expected a logger for nil input")
	}
	if WithSession(nil, "abc", "127.0.0.1:1") == nil {
		t.Fatal("expected a logger for nil input")
	}
}

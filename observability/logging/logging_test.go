package logging

import "testing"

func TestNewRotatorHonoursConfiguredLimits(t *testing.T) {
	rotated := newRotator(Options{File: "settlerd.log", MaxSizeMB: 10, MaxBackups: 1})
	if rotated.MaxSize != 10 {
		t.Fatalf("max size: got %d, want 10", rotated.MaxSize)
	}
	if rotated.MaxBackups != 1 {
		t.Fatalf("max backups: got %d, want 1", rotated.MaxBackups)
	}
}

func TestNewRotatorDefaultsWhenUnset(t *testing.T) {
	rotated := newRotator(Options{File: "settlerd.log"})
	if rotated.MaxSize != 50 {
		t.Fatalf("max size: got %d, want 50", rotated.MaxSize)
	}
	if rotated.MaxBackups != 3 {
		t.Fatalf("max backups: got %d, want 3", rotated.MaxBackups)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"warn":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

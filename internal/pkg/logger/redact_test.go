package logger

import "testing"

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sam.jones@example.com", "s*******s@example.com"},
		{"sam@example.com", "s*m@example.com"},
		{"ab@example.com", "**@example.com"},
		{"a@example.com", "*@example.com"},
		{"not-an-email", "<redacted>"},
		{"@example.com", "<redacted>"},
		{"sam@", "<redacted>"},
		// Quoted local parts can contain @; only the last one splits.
		{"odd@name@example.com", "o******e@example.com"},
	}

	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package logger

import "testing"

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"verbose", InfoLevel},
		{"", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggingBeforeInitIsNoop(t *testing.T) {
	defaultLogger = nil
	Debug("debug %d", 1)
	Info("info %d", 2)
	Warn("warn %d", 3)
	Error("error %d", 4)
	Sync()
}

func TestInitFormats(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		Init("debug", format)
		if defaultLogger == nil {
			t.Fatalf("Init(%q) left logger nil", format)
		}
		Debug("format %s", format)
	}
	defaultLogger = nil
}

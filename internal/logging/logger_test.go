package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		format   string
		expected zapcore.Level
	}{
		{level: "debug", format: "json", expected: zapcore.DebugLevel},
		{level: "", format: "json", expected: zapcore.InfoLevel},
		{level: "WARNING", format: "console", expected: zapcore.WarnLevel},
		{level: "error", format: "console", expected: zapcore.ErrorLevel},
		{level: "verbose", format: "json", expected: zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !logger.Core().Enabled(tt.expected) {
				t.Fatalf("expected %s to be enabled", tt.expected)
			}
			if tt.expected > zapcore.DebugLevel && logger.Core().Enabled(tt.expected-1) {
				t.Fatalf("expected %s to be disabled", tt.expected-1)
			}
		})
	}
}

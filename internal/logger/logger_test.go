package logger

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestInit(t *testing.T) {
	t.Cleanup(func() { Init("info", "text") })

	tests := []struct {
		level, format string
		wantLevel     log.Level
		wantJSON      bool
	}{
		{"debug", "json", log.DebugLevel, true},
		{"WARN", "text", log.WarnLevel, false},
		{"bogus", "text", log.InfoLevel, false},
	}
	for _, tt := range tests {
		Init(tt.level, tt.format)
		if got := log.GetLevel(); got != tt.wantLevel {
			t.Errorf("Init(%q): level = %v, want %v", tt.level, got, tt.wantLevel)
		}
		_, isJSON := log.StandardLogger().Formatter.(*log.JSONFormatter)
		if isJSON != tt.wantJSON {
			t.Errorf("Init(%q, %q): json formatter = %v", tt.level, tt.format, isJSON)
		}
	}
}

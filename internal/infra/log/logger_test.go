package log

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerLevelByEnv(t *testing.T) {
	cases := []struct {
		env       string
		wantDebug bool
	}{
		{env: "dev", wantDebug: true},
		{env: "prod", wantDebug: false},
	}
	for _, tc := range cases {
		t.Run(tc.env, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(&buf, tc.env)
			logger.Debug().Msg("debug")
			if got := buf.Len() > 0; got != tc.wantDebug {
				t.Fatalf("debug-запись для %s: получили %v, ожидали %v", tc.env, got, tc.wantDebug)
			}
		})
	}
}

func TestComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(newLogger(&buf, "prod"), "scheduler")
	logger.Info().Msg("scheduler: тик")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("запись не в JSON: %v", err)
	}
	if entry["component"] != "scheduler" {
		t.Fatalf("нет поля component: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatalf("нет отметки времени: %v", entry)
	}
}

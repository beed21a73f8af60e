package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestUse_LevelFiltering(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Use(zap.New(core))
	t.Cleanup(func() { defaultLogger.Store(nil) })

	Debug("hidden %d", 1)
	Info("checked %d positions", 3)
	Warn("skipping borrower %s", "0xabc")

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "checked 3 positions" {
		t.Errorf("unexpected message %q", entries[0].Message)
	}
	if entries[1].Level != zap.WarnLevel {
		t.Errorf("unexpected level %v", entries[1].Level)
	}
}

func TestCallsBeforeInitAreNoops(t *testing.T) {
	defaultLogger.Store(nil)
	Info("nothing %s", "happens")
	Error("nothing %s", "happens")
	Sync()
}

func TestInit_Formats(t *testing.T) {
	t.Cleanup(func() { defaultLogger.Store(nil) })
	for _, format := range []string{"json", "text"} {
		Init("debug", format)
		if defaultLogger.Load() == nil {
			t.Fatalf("logger not installed for format %s", format)
		}
	}
}

package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	Load()

	if Cfg.Addr != ":8000" {
		t.Errorf("Addr = %q, want :8000", Cfg.Addr)
	}
	if got := Cfg.GracePeriod(); got != 30*time.Second {
		t.Errorf("GracePeriod() = %v, want 30s", got)
	}
	if got := Cfg.TraceHistorySize(); got != 100 {
		t.Errorf("TraceHistorySize() = %d, want 100", got)
	}
	if Cfg.DebugTrace {
		t.Error("DebugTrace should default to false")
	}
}

func TestOverrides(t *testing.T) {
	t.Setenv("MCODE_RPC_GRACE_PERIOD", "5s")
	t.Setenv("MCODE_TRACE_HISTORY", "8")
	t.Setenv("MCODE_DATA_PATH", "/tmp/mcode")

	Load()

	if got := Cfg.GracePeriod(); got != 5*time.Second {
		t.Errorf("GracePeriod() = %v, want 5s", got)
	}
	if got := Cfg.TraceHistorySize(); got != 8 {
		t.Errorf("TraceHistorySize() = %d, want 8", got)
	}
	if got := Cfg.Database(); got != "/tmp/mcode/mcode.db" {
		t.Errorf("Database() = %q, want /tmp/mcode/mcode.db", got)
	}
}

func TestBadDurationFallsBack(t *testing.T) {
	t.Setenv("MCODE_RPC_GRACE_PERIOD", "not-a-duration")
	Load()

	if got := Cfg.GracePeriod(); got != 30*time.Second {
		t.Errorf("GracePeriod() = %v, want 30s fallback", got)
	}
}

package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ngommans/mcode-sub001/internal/audit"
	"github.com/ngommans/mcode-sub001/internal/database"
)

func setupTestDBMain(t *testing.T) func() {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "main.db"))
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	prev := database.DB
	database.DB = db
	return func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		database.DB = prev
	}
}

func TestPruneExpiredEventsRemovesOldRows(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	recorder := audit.NewRecorder(database.DB, 24*time.Hour, nil)

	old := database.BridgeEvent{
		SessionID: "sess-1",
		EventType: audit.EventConnected,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	recent := database.BridgeEvent{
		SessionID: "sess-1",
		EventType: audit.EventClosed,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := database.DB.Create(&old).Error; err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := database.DB.Create(&recent).Error; err != nil {
		t.Fatalf("seed recent: %v", err)
	}

	pruneExpiredEvents(recorder)

	var count int64
	if err := database.DB.Model(&database.BridgeEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining event, got %d", count)
	}
	var left database.BridgeEvent
	if err := database.DB.First(&left).Error; err != nil {
		t.Fatalf("load survivor: %v", err)
	}
	if left.EventType != audit.EventClosed {
		t.Errorf("survivor = %q, want %q", left.EventType, audit.EventClosed)
	}
}

func TestPruneExpiredEventsEmptyDatabase(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	recorder := audit.NewRecorder(database.DB, 24*time.Hour, nil)

	// Must not panic or error-log its way into a bad state with nothing
	// to delete.
	pruneExpiredEvents(recorder)

	var count int64
	if err := database.DB.Model(&database.BridgeEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty table, got %d rows", count)
	}
}

func TestStartRetentionPruningSchedulesJob(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	recorder := audit.NewRecorder(database.DB, time.Hour, nil)
	c := startRetentionPruning(recorder)
	defer c.Stop()

	if got := len(c.Entries()); got != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", got)
	}
}

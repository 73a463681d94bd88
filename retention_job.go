package main

import (
	"log"

	"github.com/robfig/cron/v3"
	"github.com/ngommans/mcode-sub001/internal/audit"
)

// startRetentionPruning schedules hourly deletion of bridge audit events
// older than the recorder's retention window. The returned scheduler is
// stopped during shutdown.
func startRetentionPruning(recorder *audit.Recorder) *cron.Cron {
	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() { pruneExpiredEvents(recorder) }); err != nil {
		log.Fatalf("Audit prune schedule: %v", err)
	}
	c.Start()
	return c
}

// pruneExpiredEvents runs one prune pass and logs the outcome. Failures are
// logged, never fatal; the next scheduled pass retries.
func pruneExpiredEvents(recorder *audit.Recorder) {
	deleted, err := recorder.PruneExpired()
	if err != nil {
		log.Printf("Audit prune: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Audit prune: removed %d events older than %s", deleted, recorder.Retention())
	}
}

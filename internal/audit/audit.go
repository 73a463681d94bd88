// Package audit persists bridge lifecycle events so operators can answer
// "who bridged to what, and when" after the fact. Recording is best-effort:
// a failed write is logged and never fails the bridge operation that
// produced it.
package audit

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/ngommans/mcode-sub001/internal/database"
	"github.com/ngommans/mcode-sub001/internal/logging"
)

// Event types recorded across a session's life.
const (
	EventConnected     = "connected"
	EventDisconnected  = "disconnected"
	EventReplaced      = "replaced"
	EventBridgeFailed  = "bridge_failed"
	EventTransportLost = "transport_lost"
	EventShellEnded    = "shell_ended"
	EventClosed        = "closed"
)

// DefaultRetention is how long events are kept when no retention is
// configured.
const DefaultRetention = 720 * time.Hour

// Recorder writes bridge events to the database and emits a log line per
// event for live observability.
type Recorder struct {
	db        *gorm.DB
	logger    *log.Logger
	retention time.Duration
	nowFn     func() time.Time // injectable clock for testing
}

// NewRecorder creates a Recorder writing to db. A non-positive retention
// falls back to DefaultRetention.
func NewRecorder(db *gorm.DB, retention time.Duration, logger *log.Logger) *Recorder {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[audit] ", log.LstdFlags)
	}
	return &Recorder{
		db:        db,
		logger:    logger,
		retention: retention,
		nowFn:     time.Now,
	}
}

// Record persists one bridge event. Write failures are logged, not
// returned; auditing must never break the session lifecycle.
func (r *Recorder) Record(sessionID, codespace, event, detail string) {
	rec := database.BridgeEvent{
		SessionID: sessionID,
		Codespace: codespace,
		EventType: event,
		Detail:    detail,
	}
	if err := r.db.Create(&rec).Error; err != nil {
		r.logger.Printf("failed to write bridge event: %v", err)
		return
	}
	r.logger.Printf("%s session=%s codespace=%s detail=%s",
		event, sessionID, logging.Sanitize(codespace), logging.Sanitize(detail))
}

// QueryOptions filters event listings. Zero values mean no filter.
type QueryOptions struct {
	SessionID string
	Codespace string
	EventType string
	Limit     int
	Offset    int
}

// Query returns matching events newest-first plus the total match count
// before pagination. Limit defaults to 100 and is capped at 1000.
func (r *Recorder) Query(opts QueryOptions) ([]database.BridgeEvent, int64, error) {
	tx := r.db.Model(&database.BridgeEvent{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Codespace != "" {
		tx = tx.Where("codespace = ?", opts.Codespace)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var events []database.BridgeEvent
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// PruneExpired deletes events older than the configured retention and
// returns how many were removed.
func (r *Recorder) PruneExpired() (int64, error) {
	cutoff := r.nowFn().Add(-r.retention)
	result := r.db.Where("created_at < ?", cutoff).Delete(&database.BridgeEvent{})
	if result.Error != nil {
		r.logger.Printf("prune failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		r.logger.Printf("pruned %d bridge events older than %v", result.RowsAffected, r.retention)
	}
	return result.RowsAffected, nil
}

// Retention returns the configured retention window.
func (r *Recorder) Retention() time.Duration {
	return r.retention
}

// SetNowFunc sets the clock used for retention cutoffs in tests.
func (r *Recorder) SetNowFunc(fn func() time.Time) {
	r.nowFn = fn
}

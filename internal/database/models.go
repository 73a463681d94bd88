package database

import "time"

// BridgeEvent is one audit record of a session lifecycle transition:
// connects, disconnects, bridge failures, transport loss, and closes.
type BridgeEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"not null;index;size:64" json:"session_id"`
	Codespace string    `gorm:"index;size:256" json:"codespace"`
	EventType string    `gorm:"not null;index;size:64" json:"event_type"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

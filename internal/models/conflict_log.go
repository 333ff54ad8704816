package models

import "time"

// ConflictLog records a resolved version conflict for user awareness.
type ConflictLog struct {
	ID            string    `json:"id"`
	Table         Table     `json:"table"`
	ItemID        string    `json:"itemId"`
	LocalVersion  int       `json:"localVersion"`
	ServerVersion int       `json:"serverVersion"`
	Resolution    string    `json:"resolution"` // server_wins, manual_review_required
	DetectedAt    time.Time `json:"detectedAt"`
}

// Package models provides data model definitions for the SiteSync core.
package models

import "time"

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              UUID     `db:"id" json:"id"`
	DataType        DataType `db:"data_type" json:"data_type"`
	RecordKey       string   `db:"record_key" json:"record_key"`
	LocalTimestamp  int64    `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64    `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string   `db:"resolution" json:"resolution"` // local_wins, remote_wins
	DetectedAt      int64    `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

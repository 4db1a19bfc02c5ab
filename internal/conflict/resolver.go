// Package conflict provides conflict resolution for offline mutations that
// race with remote edits.
package conflict

import (
	"time"

	"github.com/kwliu/sitesync/backend/internal/logging"
	"github.com/kwliu/sitesync/backend/internal/models"
	"github.com/kwliu/sitesync/backend/internal/uuid"
)

// Winner identifies which side a resolution picked.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Conflict represents a detected conflict between a queued local update and
// a newer remote version of the same record.
type Conflict struct {
	DataType        models.DataType
	RecordKey       string
	LocalRecord     map[string]interface{}
	RemoteRecord    map[string]interface{}
	LocalTimestamp  int64
	RemoteTimestamp int64
}

// Resolution is the outcome of resolving one conflict. Resolution is total:
// every conflict resolves, and the owning operation always completes.
type Resolution struct {
	Winner Winner
	// WinningRecord is the whole-record version to keep. No field-level
	// merge is attempted.
	WinningRecord map[string]interface{}
	Log           *models.ConflictLog
}

// Resolver implements last-writer-wins by timestamp.
type Resolver struct {
	clock func() time.Time
}

// NewResolver creates a Resolver. A nil clock uses time.Now.
func NewResolver(clock func() time.Time) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{clock: clock}
}

// Resolve picks the strictly newer side. Equal timestamps resolve to remote
// wins: the remote store already holds that version, so keeping it avoids a
// pointless re-issue.
func (r *Resolver) Resolve(c *Conflict) *Resolution {
	winner := WinnerRemote
	record := c.RemoteRecord
	if c.LocalTimestamp > c.RemoteTimestamp {
		winner = WinnerLocal
		record = c.LocalRecord
	}

	log := &models.ConflictLog{
		ID:              models.UUID(uuid.New()),
		DataType:        c.DataType,
		RecordKey:       c.RecordKey,
		LocalTimestamp:  c.LocalTimestamp,
		RemoteTimestamp: c.RemoteTimestamp,
		Resolution:      string(winner) + "_wins",
		DetectedAt:      r.clock().UTC().UnixMilli(),
	}

	logging.Info("Conflict resolved using last-writer-wins", map[string]interface{}{
		"data_type":        string(c.DataType),
		"record_key":       c.RecordKey,
		"winner_side":      string(winner),
		"local_timestamp":  c.LocalTimestamp,
		"remote_timestamp": c.RemoteTimestamp,
	})

	return &Resolution{
		Winner:        winner,
		WinningRecord: record,
		Log:           log,
	}
}

// Detect reports whether a queued update conflicts with the remote version:
// the remote record's last-modified timestamp is strictly newer than the
// timestamp carried by the local operation.
func Detect(localTimestamp, remoteTimestamp int64) bool {
	return remoteTimestamp > localTimestamp
}

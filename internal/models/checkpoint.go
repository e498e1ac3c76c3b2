package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Checkpoint is a durable resume point for a task. The cursor is
// opaque bytes owned by the task handler. Sequence numbers are dense
// per task and the checksum validates on read.
type Checkpoint struct {
	TaskID     string      `json:"task_id"`
	SequenceNo int         `json:"sequence_no"`
	Cursor     []byte      `json:"cursor"`
	Counters   RunCounters `json:"counters"`
	Checksum   string      `json:"checksum"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ComputeChecksum returns the hex SHA-256 over the cursor bytes and
// the counters snapshot.
func (c *Checkpoint) ComputeChecksum() string {
	h := sha256.New()
	h.Write(c.Cursor)
	counters, _ := json.Marshal(c.Counters)
	h.Write(counters)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether the stored checksum matches the content.
func (c *Checkpoint) Verify() bool {
	return c.Checksum == c.ComputeChecksum()
}

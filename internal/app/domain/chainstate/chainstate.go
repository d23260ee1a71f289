// Package chainstate holds the persisted chain cursor the subscriber
// resumes from after a restart.
package chainstate

import "time"

// KeyBlock is the last masterchain key block the gateway fully processed.
// A single row; Seqno only moves forward.
type KeyBlock struct {
	Seqno     uint32    `db:"seqno" json:"seqno"`
	RootHash  string    `db:"root_hash" json:"rootHash"`
	GenUtime  uint32    `db:"gen_utime" json:"genUtime"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

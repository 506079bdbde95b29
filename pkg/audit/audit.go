// Package audit defines the append-only audit log entry persisted by the
// aggregate store (spec'd retention: at least three months).
package audit

import "time"

// Entry is one audit log record: who did what, to which aggregates, why.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    string    `json:"action"`
	Refs      []string  `json:"refs"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
}

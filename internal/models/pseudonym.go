package models

import "time"

// PseudonymMapping links a generated pseudonym to the real identity it hides.
type PseudonymMapping struct {
	Pseudonym   string    `json:"pseudonym"`
	RealID      string    `json:"real_id"`
	CreatedAt   time.Time `json:"created_at"`
	AccessCount int       `json:"access_count"`
}

// AuditRecord is emitted on every reversal. Records are append-only.
type AuditRecord struct {
	RecordID    string    `json:"record_id"`
	Timestamp   time.Time `json:"timestamp"`
	Pseudonym   string    `json:"pseudonym"`
	Reason      string    `json:"reason"`
	AccessCount int       `json:"access_count"`
}

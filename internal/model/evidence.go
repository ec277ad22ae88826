package model

import "time"

// SnapshotEntry is one link in the evidence hash chain. Entries are ordered
// by fetch order, not chronological order: the chain proves what was
// fetched and when, independent of how the trace was later interpreted.
type SnapshotEntry struct {
	ContentID   string    `json:"content_id"`
	PayloadHash string    `json:"payload_hash"` // RawPayloadHash of the fetched item
	FetchedAt   time.Time `json:"fetched_at"`
	PrevHash    string    `json:"prev_hash"`  // chain hash of the previous entry (zero hash for the first)
	ChainHash   string    `json:"chain_hash"` // SHA-256(content_id || payload_hash || prev_hash)
}

// AuditEntry records one granted budget acquisition.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Platform  Platform  `json:"platform"`
	QueryKey  string    `json:"query_key"`
	Cost      int       `json:"cost"`
	Remaining int       `json:"remaining"`
	CacheHit  bool      `json:"cache_hit"`
}

// EvidenceRecord is the exportable, tamper-evident record of a finished
// trace. It outlives the session that produced it.
type EvidenceRecord struct {
	RecordID               string            `json:"record_id"`
	SessionID              string            `json:"session_id"`
	GeneratedAt            time.Time         `json:"generated_at"`
	Snapshots              []SnapshotEntry   `json:"content_snapshot_hashes"`
	AuditTrail             []AuditEntry      `json:"audit_trail"`
	Candidates             []OriginCandidate `json:"candidates"`
	ConfidenceBreakdown    ConfidenceScore   `json:"confidence_breakdown"`
	SessionStatus          SessionStatus     `json:"session_status"`
	ExportFormatsAvailable []string          `json:"export_formats_available"`
}

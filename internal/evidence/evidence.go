// Package evidence packages a finished trace into a tamper-evident
// record. Content snapshots are linked in a hash chain ordered by fetch
// order, so any later reordering or edit of the record is detectable by
// recomputing the chain.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/osint-labs/viraltrace/internal/model"
)

// genesisHash anchors the first chain link.
var genesisHash = hex.EncodeToString(make([]byte, sha256.Size))

// ExportFormats lists the serializations an evidence record supports.
var ExportFormats = []string{"json"}

// chainHash links one snapshot to its predecessor.
func chainHash(contentID, payloadHash, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(contentID))
	h.Write([]byte(payloadHash))
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Package builds the evidence record for a finalized session. Items are
// chained in the session's fetch order; the audit trail and candidate
// ranking ride along unhashed but inside the same record.
func Package(session *model.TraceSession, candidates []model.OriginCandidate, audit []model.AuditEntry) (*model.EvidenceRecord, error) {
	if session == nil {
		return nil, eris.New("evidence: nil session")
	}
	if !session.Status.Terminal() {
		return nil, eris.Errorf("evidence: session %s not finalized", session.SessionID)
	}

	snapshots := make([]model.SnapshotEntry, 0, len(session.Items))
	prev := genesisHash
	for _, it := range session.Items {
		entry := model.SnapshotEntry{
			ContentID:   it.ID,
			PayloadHash: it.RawPayloadHash,
			FetchedAt:   it.FetchedAt,
			PrevHash:    prev,
			ChainHash:   chainHash(it.ID, it.RawPayloadHash, prev),
		}
		snapshots = append(snapshots, entry)
		prev = entry.ChainHash
	}

	record := &model.EvidenceRecord{
		RecordID:               uuid.New().String(),
		SessionID:              session.SessionID,
		GeneratedAt:            time.Now().UTC(),
		Snapshots:              snapshots,
		AuditTrail:             audit,
		Candidates:             candidates,
		SessionStatus:          session.Status,
		ExportFormatsAvailable: ExportFormats,
	}
	if len(candidates) > 0 {
		record.ConfidenceBreakdown = candidates[0].Confidence
	}
	return record, nil
}

// Verify recomputes the hash chain and reports the first broken link.
func Verify(record *model.EvidenceRecord) error {
	prev := genesisHash
	for i, s := range record.Snapshots {
		if s.PrevHash != prev {
			return eris.Errorf("evidence: snapshot %d prev hash mismatch", i)
		}
		want := chainHash(s.ContentID, s.PayloadHash, s.PrevHash)
		if s.ChainHash != want {
			return eris.Errorf("evidence: snapshot %d chain hash mismatch", i)
		}
		prev = s.ChainHash
	}
	return nil
}

// ExportJSON serializes the record for download or archival.
func ExportJSON(record *model.EvidenceRecord) ([]byte, error) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "evidence: marshal record")
	}
	return data, nil
}

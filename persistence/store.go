// Package persistence defines the per-document storage contract the
// document service depends on, plus two implementations: an in-process
// reference store and a durable store backed by Badger.
package persistence

import "github.com/Polqt/collabd/protocol"

// OpRecord is one persisted, server-sequenced operation.
type OpRecord struct {
	DocID          string
	ServerSeq      uint64
	OriginClientID string
	ClientMsgID    string
	Op             protocol.Op
}

// Snapshot is the latest materialized text cached for a document, alongside
// the server_seq it was computed at.
type Snapshot struct {
	FullText  string
	ServerSeq uint64
}

// Store is the persistence contract every per-document op log and snapshot
// cache must satisfy. All methods are keyed by doc_id. The document service
// serializes per-document calls under its own lock; a Store only needs to be
// safe for concurrent calls across different documents.
type Store interface {
	// AppendOp appends record to doc_id's op log. The caller guarantees
	// record.ServerSeq is strictly greater than any previously appended
	// value for the same doc_id.
	AppendOp(record OpRecord) error

	// GetOpsSince returns records for doc_id with ServerSeq strictly
	// greater than sinceServerSeq, ascending. A nil slice means "cannot
	// answer" (e.g. truncated history) and forces the caller to fall back
	// to a snapshot resync; a non-nil empty slice means "no ops since".
	// An unknown doc_id returns a non-nil empty slice.
	GetOpsSince(docID string, sinceServerSeq uint64) ([]OpRecord, error)

	// GetLatestServerSeq returns the highest ServerSeq recorded for doc_id
	// by AppendOp or StoreSnapshotText, or zero if doc_id is unknown.
	GetLatestServerSeq(docID string) (uint64, error)

	// GetSnapshotText returns the cached snapshot for doc_id, or ok=false
	// if none has ever been stored.
	GetSnapshotText(docID string) (snap Snapshot, ok bool, err error)

	// StoreSnapshotText caches fullText as doc_id's latest snapshot.
	// serverSeq must be monotonically non-decreasing per doc_id.
	StoreSnapshotText(docID string, serverSeq uint64, fullText string) error
}

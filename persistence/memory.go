package persistence

import "sync"

// docLog is the in-process state kept for one document.
type docLog struct {
	lastSeq      uint64
	ops          []OpRecord
	snapshotText string
	snapshotSeq  uint64
	hasSnapshot  bool
}

// Memory is the reference Store implementation: everything lives in a
// process-local map guarded by a single mutex. It is the default backend and
// the one every documented invariant is first validated against.
type Memory struct {
	mu   sync.Mutex
	docs map[string]*docLog
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*docLog)}
}

func (m *Memory) doc(docID string) *docLog {
	d, ok := m.docs[docID]
	if !ok {
		d = &docLog{}
		m.docs[docID] = d
	}
	return d
}

// AppendOp implements Store.
func (m *Memory) AppendOp(record OpRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(record.DocID)
	d.ops = append(d.ops, record)
	d.lastSeq = record.ServerSeq
	return nil
}

// GetOpsSince implements Store.
func (m *Memory) GetOpsSince(docID string, sinceServerSeq uint64) ([]OpRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return []OpRecord{}, nil
	}
	out := make([]OpRecord, 0, len(d.ops))
	for _, rec := range d.ops {
		if rec.ServerSeq > sinceServerSeq {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetLatestServerSeq implements Store.
func (m *Memory) GetLatestServerSeq(docID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return 0, nil
	}
	return d.lastSeq, nil
}

// GetSnapshotText implements Store.
func (m *Memory) GetSnapshotText(docID string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok || !d.hasSnapshot {
		return Snapshot{}, false, nil
	}
	return Snapshot{FullText: d.snapshotText, ServerSeq: d.snapshotSeq}, true, nil
}

// StoreSnapshotText implements Store.
func (m *Memory) StoreSnapshotText(docID string, serverSeq uint64, fullText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(docID)
	d.snapshotText = fullText
	d.hasSnapshot = true
	if serverSeq > d.snapshotSeq {
		d.snapshotSeq = serverSeq
	}
	if serverSeq > d.lastSeq {
		d.lastSeq = serverSeq
	}
	return nil
}

package persistence

import (
	"encoding/binary"
	"encoding/json"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/Polqt/collabd/protocol"
)

const (
	opPrefix   = "op\x00"
	seqPrefix  = "seq\x00"
	snapPrefix = "snap\x00"
)

// Badger is a durable Store backed by github.com/dgraph-io/badger/v4. Each
// OpRecord is keyed "op\x00<doc_id>\x00<server_seq big-endian>" so
// GetOpsSince is a forward prefix scan seeked just past the lower bound; the
// latest sequence and snapshot each live under their own single key per doc.
//
// Nothing in docservice or transport depends on Badger-specific behavior;
// any Store implementation is interchangeable with this one.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (creating if absent) a Badger store rooted at dir.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "persistence: open badger")
	}
	return &Badger{db: db}, nil
}

// Close releases the underlying Badger database.
func (b *Badger) Close() error {
	return errors.Wrap(b.db.Close(), "persistence: close badger")
}

func opKey(docID string, serverSeq uint64) []byte {
	buf := make([]byte, 0, len(opPrefix)+len(docID)+1+8)
	buf = append(buf, opPrefix...)
	buf = append(buf, docID...)
	buf = append(buf, 0)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], serverSeq)
	return append(buf, seqBytes[:]...)
}

func opKeyPrefix(docID string) []byte {
	buf := make([]byte, 0, len(opPrefix)+len(docID)+1)
	buf = append(buf, opPrefix...)
	buf = append(buf, docID...)
	return append(buf, 0)
}

func seqKey(docID string) []byte {
	return append([]byte(seqPrefix), docID...)
}

func snapKey(docID string) []byte {
	return append([]byte(snapPrefix), docID...)
}

// opRecordWire is the JSON form an OpRecord is persisted in.
type opRecordWire struct {
	DocID          string      `json:"doc_id"`
	ServerSeq      uint64      `json:"server_seq"`
	OriginClientID string      `json:"origin_client_id"`
	ClientMsgID    string      `json:"client_msg_id"`
	Op             protocol.Op `json:"op"`
}

// AppendOp implements Store.
func (b *Badger) AppendOp(record OpRecord) error {
	body, err := json.Marshal(opRecordWire{
		DocID:          record.DocID,
		ServerSeq:      record.ServerSeq,
		OriginClientID: record.OriginClientID,
		ClientMsgID:    record.ClientMsgID,
		Op:             record.Op,
	})
	if err != nil {
		return errors.Wrap(err, "persistence: marshal op record")
	}

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], record.ServerSeq)

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(opKey(record.DocID, record.ServerSeq), body); err != nil {
			return err
		}
		return txn.Set(seqKey(record.DocID), seqBytes[:])
	})
	return errors.Wrap(err, "persistence: append op")
}

// GetOpsSince implements Store.
func (b *Badger) GetOpsSince(docID string, sinceServerSeq uint64) ([]OpRecord, error) {
	out := []OpRecord{}
	prefix := opKeyPrefix(docID)
	seekFrom := opKey(docID, sinceServerSeq+1)

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(seekFrom); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec OpRecord
			if err := item.Value(func(val []byte) error {
				decoded, err := decodeOpRecord(val)
				if err != nil {
					return err
				}
				rec = decoded
				return nil
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "persistence: get ops since")
	}
	return out, nil
}

func decodeOpRecord(val []byte) (OpRecord, error) {
	var wire opRecordWire
	if err := json.Unmarshal(val, &wire); err != nil {
		return OpRecord{}, err
	}
	return OpRecord{
		DocID:          wire.DocID,
		ServerSeq:      wire.ServerSeq,
		OriginClientID: wire.OriginClientID,
		ClientMsgID:    wire.ClientMsgID,
		Op:             wire.Op,
	}, nil
}

// GetLatestServerSeq implements Store.
func (b *Badger) GetLatestServerSeq(docID string) (uint64, error) {
	var seq uint64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey(docID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return errors.New("persistence: corrupt seq key")
			}
			seq = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return 0, errors.Wrap(err, "persistence: get latest server seq")
	}
	return seq, nil
}

type snapshotWire struct {
	FullText  string `json:"full_text"`
	ServerSeq uint64 `json:"server_seq"`
}

// GetSnapshotText implements Store.
func (b *Badger) GetSnapshotText(docID string) (Snapshot, bool, error) {
	var snap Snapshot
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapKey(docID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var w snapshotWire
			if err := json.Unmarshal(val, &w); err != nil {
				return err
			}
			snap = Snapshot{FullText: w.FullText, ServerSeq: w.ServerSeq}
			found = true
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, false, errors.Wrap(err, "persistence: get snapshot text")
	}
	return snap, found, nil
}

// StoreSnapshotText implements Store.
func (b *Badger) StoreSnapshotText(docID string, serverSeq uint64, fullText string) error {
	body, err := json.Marshal(snapshotWire{FullText: fullText, ServerSeq: serverSeq})
	if err != nil {
		return errors.Wrap(err, "persistence: marshal snapshot")
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(snapKey(docID), body); err != nil {
			return err
		}

		current, getErr := txn.Get(seqKey(docID))
		var currentSeq uint64
		if getErr == nil {
			if vErr := current.Value(func(val []byte) error {
				currentSeq = binary.BigEndian.Uint64(val)
				return nil
			}); vErr != nil {
				return vErr
			}
		} else if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}
		if serverSeq > currentSeq {
			var seqBytes [8]byte
			binary.BigEndian.PutUint64(seqBytes[:], serverSeq)
			return txn.Set(seqKey(docID), seqBytes[:])
		}
		return nil
	})
	return errors.Wrap(err, "persistence: store snapshot text")
}

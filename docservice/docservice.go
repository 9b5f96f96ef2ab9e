// Package docservice holds one live RGA per active document, serializes
// mutations through a per-document lock, assigns the monotonic server_seq,
// and keeps the persisted op log and snapshot in lockstep with the in-memory
// CRDT state.
package docservice

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Polqt/collabd/crdt"
	"github.com/Polqt/collabd/persistence"
	"github.com/Polqt/collabd/protocol"
)

// ErrInternalInvariant is returned when integrating an op would violate an
// RGA invariant. It is treated as a bug, not a client error: the connection
// handler maps it to a 1011 close, and the failing op is rejected before any
// persistence call so the document's durable state never observes it.
var ErrInternalInvariant = errors.New("docservice: internal RGA invariant violation")

// liveDoc is the in-memory state kept for one active document.
type liveDoc struct {
	mu        sync.Mutex
	rga       *crdt.RGA
	serverSeq uint64
}

// Service is a global registry of live documents behind a lock used only
// to look up and register live states, each document carrying its own lock that guards
// every mutation of that single document.
type Service struct {
	store persistence.Store
	log   *logrus.Logger

	globalMu sync.Mutex
	docs     map[string]*liveDoc

	// creation dedupes concurrent getOrCreate calls racing to build the
	// same brand-new document's live state; it does not change observable
	// semantics, only avoids redundant op-log replay.
	creation singleflight.Group
}

// New constructs a Service backed by store. log may be nil, in which case a
// discard logger is used.
func New(store persistence.Store, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Service{
		store: store,
		log:   log,
		docs:  make(map[string]*liveDoc),
	}
}

// GetServerSeq returns doc_id's latest server_seq directly from persistence.
// This is a lock-free read: callers accept an eventual-consistency window
// relative to any in-flight ApplyOp.
func (s *Service) GetServerSeq(docID string) (uint64, error) {
	seq, err := s.store.GetLatestServerSeq(docID)
	return seq, errors.Wrap(err, "docservice: get server seq")
}

// GetSnapshot returns doc_id's cached snapshot, or ("", 0) if none exists
// yet. Like GetServerSeq, this is a lock-free read delegated to persistence.
func (s *Service) GetSnapshot(docID string) (string, uint64, error) {
	snap, ok, err := s.store.GetSnapshotText(docID)
	if err != nil {
		return "", 0, errors.Wrap(err, "docservice: get snapshot")
	}
	if !ok {
		return "", 0, nil
	}
	return snap.FullText, snap.ServerSeq, nil
}

// ApplyOp integrates op into doc_id's live RGA under that document's lock,
// assigns the next server_seq, appends to the op log, updates the snapshot,
// and returns the assigned server_seq. The increment, integration, append,
// and snapshot update form one atomic unit as seen by readers of persistence.
// server_seq advances only once AppendOp succeeds, so the in-memory sequence
// never falls behind the persisted op log.
//
// committed, when non-nil, runs after the op is durably appended but before
// the doc lock is released. The connection handler enqueues its room
// broadcast there, which is what makes every room member observe op_echo
// messages in assigned server_seq order: no two ApplyOp calls for the same
// document can interleave between sequencing and broadcast enqueue.
// committed must not block on I/O beyond non-blocking queue puts and must
// not call back into the Service.
func (s *Service) ApplyOp(docID, originClientID, clientMsgID string, op protocol.Op, committed func(serverSeq uint64)) (uint64, error) {
	doc, err := s.getOrCreate(docID)
	if err != nil {
		return 0, err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	nextSeq := doc.serverSeq + 1
	doc.rga.Integrate(op)
	if err := doc.rga.CheckInvariants(); err != nil {
		s.log.WithFields(logrus.Fields{"doc_id": docID, "client_id": originClientID}).
			WithError(err).Error("rga invariant violation")
		return 0, errors.Wrap(ErrInternalInvariant, err.Error())
	}
	fullText := doc.rga.Materialize()

	record := persistence.OpRecord{
		DocID:          docID,
		ServerSeq:      nextSeq,
		OriginClientID: originClientID,
		ClientMsgID:    clientMsgID,
		Op:             op,
	}
	if err := s.store.AppendOp(record); err != nil {
		return 0, errors.Wrap(err, "docservice: append op")
	}
	doc.serverSeq = nextSeq
	if err := s.store.StoreSnapshotText(docID, nextSeq, fullText); err != nil {
		return 0, errors.Wrap(err, "docservice: store snapshot")
	}

	if committed != nil {
		committed(nextSeq)
	}

	s.log.WithFields(logrus.Fields{
		"doc_id":     docID,
		"client_id":  originClientID,
		"server_seq": nextSeq,
	}).Info("crdt integrated")

	return nextSeq, nil
}

// getOrCreate returns doc_id's live state, building it from the persisted op
// log on first touch.
func (s *Service) getOrCreate(docID string) (*liveDoc, error) {
	s.globalMu.Lock()
	if doc, ok := s.docs[docID]; ok {
		s.globalMu.Unlock()
		return doc, nil
	}
	s.globalMu.Unlock()

	v, err, _ := s.creation.Do(docID, func() (interface{}, error) {
		s.globalMu.Lock()
		if doc, ok := s.docs[docID]; ok {
			s.globalMu.Unlock()
			return doc, nil
		}
		s.globalMu.Unlock()

		doc, err := s.rebuild(docID)
		if err != nil {
			return nil, err
		}

		s.globalMu.Lock()
		s.docs[docID] = doc
		s.globalMu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*liveDoc), nil
}

// rebuild replays doc_id's full op log into a fresh RGA and refreshes the
// snapshot cache, without touching the live registry.
func (s *Service) rebuild(docID string) (*liveDoc, error) {
	rga := crdt.New()
	serverSeq, err := s.store.GetLatestServerSeq(docID)
	if err != nil {
		return nil, errors.Wrap(err, "docservice: get latest server seq")
	}
	ops, err := s.store.GetOpsSince(docID, 0)
	if err != nil {
		return nil, errors.Wrap(err, "docservice: get ops since")
	}

	if len(ops) > 0 {
		s.log.WithFields(logrus.Fields{"doc_id": docID, "server_seq": serverSeq}).Info("crdt rebuild from oplog start")
	}
	for _, rec := range ops {
		rga.Integrate(rec.Op)
	}
	fullText := rga.Materialize()
	if err := s.store.StoreSnapshotText(docID, serverSeq, fullText); err != nil {
		return nil, errors.Wrap(err, "docservice: store snapshot after rebuild")
	}
	if len(ops) > 0 {
		s.log.WithFields(logrus.Fields{"doc_id": docID, "server_seq": serverSeq}).Info("crdt rebuild from oplog done")
	}

	return &liveDoc{rga: rga, serverSeq: serverSeq}, nil
}

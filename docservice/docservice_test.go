package docservice

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/collabd/crdt"
	"github.com/Polqt/collabd/persistence"
	"github.com/Polqt/collabd/protocol"
)

func insertOp(parent, id protocol.ElementID, value string) protocol.Op {
	return protocol.Op{Insert: &protocol.InsertOp{ParentID: parent, ID: id, Value: value}}
}

func TestApplyOpAssignsGapFreeSequence(t *testing.T) {
	svc := New(persistence.NewMemory(), nil)
	docID := "doc-1"

	for i, want := range []uint64{1, 2, 3} {
		id := protocol.ElementID{Lamport: uint64(i + 1), ReplicaID: "c1"}
		seq, err := svc.ApplyOp(docID, "c1", "m", insertOp(protocol.RootID, id, "x"), nil)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
}

func TestSnapshotEqualsReplayOfOpLog(t *testing.T) {
	store := persistence.NewMemory()
	svc := New(store, nil)
	docID := "d1"

	op1 := insertOp(protocol.ElementID{Lamport: 0, ReplicaID: "root"}, protocol.ElementID{Lamport: 1, ReplicaID: "c1"}, "H")
	op2 := insertOp(protocol.ElementID{Lamport: 1, ReplicaID: "c1"}, protocol.ElementID{Lamport: 2, ReplicaID: "c1"}, "i")

	_, err := svc.ApplyOp(docID, "c1", "m1", op1, nil)
	require.NoError(t, err)
	seq2, err := svc.ApplyOp(docID, "c1", "m2", op2, nil)
	require.NoError(t, err)

	snapText, snapSeq, err := svc.GetSnapshot(docID)
	require.NoError(t, err)
	assert.Equal(t, seq2, snapSeq)

	r := crdt.New()
	ops, err := store.GetOpsSince(docID, 0)
	require.NoError(t, err)
	for _, rec := range ops {
		r.Integrate(rec.Op)
	}
	assert.Equal(t, snapText, r.Materialize())
	assert.Equal(t, "Hi", snapText)
}

func TestRebuildThenExtendIncrementsSeqByOne(t *testing.T) {
	store := persistence.NewMemory()
	docID := "d2"

	svc1 := New(store, nil)
	opA := insertOp(protocol.RootID, protocol.ElementID{Lamport: 1, ReplicaID: "c1"}, "A")
	opB := insertOp(protocol.RootID, protocol.ElementID{Lamport: 1, ReplicaID: "c2"}, "B")
	_, err := svc1.ApplyOp(docID, "c1", "m1", opA, nil)
	require.NoError(t, err)
	seqBefore, err := svc1.ApplyOp(docID, "c2", "m2", opB, nil)
	require.NoError(t, err)

	snapBefore, _, err := svc1.GetSnapshot(docID)
	require.NoError(t, err)

	// Fresh service instance: rebuild happens from persistence only.
	svc2 := New(store, nil)
	opC := insertOp(protocol.ElementID{Lamport: 1, ReplicaID: "c2"}, protocol.ElementID{Lamport: 2, ReplicaID: "c3"}, "C")
	seqAfter, err := svc2.ApplyOp(docID, "c3", "m3", opC, nil)
	require.NoError(t, err)

	snapAfter, _, err := svc2.GetSnapshot(docID)
	require.NoError(t, err)

	assert.Equal(t, seqBefore+1, seqAfter)
	assert.Equal(t, "AB", snapBefore)
	assert.Equal(t, "ABC", snapAfter)
}

func TestConcurrentGetOrCreateIsDeduped(t *testing.T) {
	store := persistence.NewMemory()
	svc := New(store, nil)
	docID := "concurrent-doc"

	const n = 32
	var wg sync.WaitGroup
	docs := make([]*liveDoc, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			d, err := svc.getOrCreate(docID)
			require.NoError(t, err)
			docs[i] = d
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, docs[0], docs[i])
	}
}

func TestGetServerSeqAndSnapshotAreZeroForUnknownDoc(t *testing.T) {
	svc := New(persistence.NewMemory(), nil)

	seq, err := svc.GetServerSeq("nope")
	require.NoError(t, err)
	assert.Zero(t, seq)

	text, seq2, err := svc.GetSnapshot("nope")
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Zero(t, seq2)
}

func TestCommittedHookRunsUnderDocLockInSeqOrder(t *testing.T) {
	svc := New(persistence.NewMemory(), nil)
	docID := "hooked"

	var mu sync.Mutex
	var observed []uint64

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			id := protocol.ElementID{Lamport: uint64(i + 1), ReplicaID: "w"}
			_, err := svc.ApplyOp(docID, "w", "m", insertOp(protocol.RootID, id, "x"), func(seq uint64) {
				mu.Lock()
				observed = append(observed, seq)
				mu.Unlock()
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// The hook fires before the doc lock is released, so the observed
	// sequence must be exactly 1..writers with no interleaving.
	require.Len(t, observed, writers)
	for i, seq := range observed {
		assert.Equal(t, uint64(i+1), seq)
	}
}

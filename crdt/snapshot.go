package crdt

import "github.com/Polqt/collabd/protocol"

// Snapshot is a point-in-time dump of an RGA's raw state, used only in tests
// to compare raw states: re-integrating an already-integrated op must leave
// the state unchanged. It is never persisted — the op log remains the
// durable source of truth.
type Snapshot struct {
	Nodes          map[protocol.ElementID]nodeView
	Children       map[protocol.ElementID][]protocol.ElementID
	PendingInserts map[protocol.ElementID][]protocol.InsertOp
	PendingDeletes map[protocol.ElementID]struct{}
}

type nodeView struct {
	ParentID protocol.ElementID
	Value    string
	Deleted  bool
}

// Dump captures the current state as a Snapshot.
func (r *RGA) Dump() Snapshot {
	s := Snapshot{
		Nodes:          make(map[protocol.ElementID]nodeView, len(r.nodes)),
		Children:       make(map[protocol.ElementID][]protocol.ElementID, len(r.children)),
		PendingInserts: make(map[protocol.ElementID][]protocol.InsertOp, len(r.pendingInserts)),
		PendingDeletes: make(map[protocol.ElementID]struct{}, len(r.pendingDeletes)),
	}
	for id, n := range r.nodes {
		s.Nodes[id] = nodeView{ParentID: n.parentID, Value: n.value, Deleted: n.deleted}
	}
	for parent, kids := range r.children {
		cp := make([]protocol.ElementID, len(kids))
		copy(cp, kids)
		s.Children[parent] = cp
	}
	for parent, ops := range r.pendingInserts {
		cp := make([]protocol.InsertOp, len(ops))
		copy(cp, ops)
		s.PendingInserts[parent] = cp
	}
	for id := range r.pendingDeletes {
		s.PendingDeletes[id] = struct{}{}
	}
	return s
}

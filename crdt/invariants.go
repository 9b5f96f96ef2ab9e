package crdt

import (
	"github.com/pkg/errors"

	"github.com/Polqt/collabd/protocol"
)

// CheckInvariants re-validates the structural invariants the RGA maintains:
// the root is present, every integrated node's parent is integrated, every
// node has a children entry, sibling lists are strictly ascending and
// duplicate-free, and nothing buffered as pending is also integrated.
// Integrate keeps these by construction; docservice still runs this after
// every ApplyOp integration so a latent bug surfaces as a diagnosable error instead of
// silent divergence between replicas.
func (r *RGA) CheckInvariants() error {
	if _, ok := r.nodes[protocol.RootID]; !ok {
		return errors.New("crdt: root missing from nodes")
	}
	if _, ok := r.children[protocol.RootID]; !ok {
		return errors.New("crdt: root missing from children")
	}

	for id, n := range r.nodes {
		if !id.Equal(protocol.RootID) {
			if _, ok := r.nodes[n.parentID]; !ok {
				return errors.Errorf("crdt: missing parent for integrated node %+v -> %+v", id, n.parentID)
			}
		}
		if _, ok := r.children[id]; !ok {
			return errors.Errorf("crdt: children index missing key for node %+v", id)
		}
	}

	for parent, ops := range r.pendingInserts {
		if _, ok := r.nodes[parent]; ok {
			return errors.Errorf("crdt: pending inserts buffered on already-integrated parent %+v", parent)
		}
		if len(ops) == 0 {
			return errors.Errorf("crdt: empty pending insert list for parent %+v", parent)
		}
	}
	for id := range r.pendingDeletes {
		if _, ok := r.nodes[id]; ok {
			return errors.Errorf("crdt: pending delete for already-integrated node %+v", id)
		}
	}

	for parent, kids := range r.children {
		seen := make(map[protocol.ElementID]struct{}, len(kids))
		for i, kid := range kids {
			if _, dup := seen[kid]; dup {
				return errors.Errorf("crdt: duplicate child %+v under parent %+v", kid, parent)
			}
			seen[kid] = struct{}{}
			if i > 0 && !kids[i-1].Less(kid) {
				return errors.Errorf("crdt: children not strictly ascending under parent %+v", parent)
			}
		}
	}
	return nil
}

// Package protocol defines the wire message taxonomy for the collaborative
// text-editing server: element identifiers, the insert/delete op union, and
// the client/server JSON message envelopes that travel over the duplex
// transport.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ElementID uniquely identifies one RGA element. Ordering is lexicographic:
// Lamport first, ReplicaID second.
type ElementID struct {
	Lamport   uint64
	ReplicaID string
}

// RootID is the reserved identifier of the sentinel root element that every
// RGA starts with.
var RootID = ElementID{Lamport: 0, ReplicaID: "root"}

// Less reports whether id sorts strictly before other under the total order
// used for sibling ordering and element comparisons.
func (id ElementID) Less(other ElementID) bool {
	if id.Lamport != other.Lamport {
		return id.Lamport < other.Lamport
	}
	return id.ReplicaID < other.ReplicaID
}

// Equal reports whether id and other identify the same element.
func (id ElementID) Equal(other ElementID) bool {
	return id.Lamport == other.Lamport && id.ReplicaID == other.ReplicaID
}

// MarshalJSON encodes an ElementID as the wire form `[lamport, replica_id]`.
func (id ElementID) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{id.Lamport, id.ReplicaID})
}

// UnmarshalJSON decodes the wire form `[lamport, replica_id]` into an
// ElementID. Any other shape is a parse error.
func (id *ElementID) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "element_id: expected two-element array")
	}
	if len(raw) != 2 {
		return errors.Errorf("element_id: expected two-element array, got %d elements", len(raw))
	}
	var lamport uint64
	if err := json.Unmarshal(raw[0], &lamport); err != nil {
		return errors.Wrap(err, "element_id: lamport must be a non-negative integer")
	}
	var replicaID string
	if err := json.Unmarshal(raw[1], &replicaID); err != nil {
		return errors.Wrap(err, "element_id: replica_id must be a string")
	}
	id.Lamport = lamport
	id.ReplicaID = replicaID
	return nil
}

package protocol

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Op tag values as they appear on the wire.
const (
	opTagInsert = "ins"
	opTagDelete = "del"
)

// Op is the tagged sum of InsertOp and DeleteOp. Exactly one of Insert or
// Delete is non-nil.
type Op struct {
	Insert *InsertOp
	Delete *DeleteOp
}

// InsertOp inserts a single character after ParentID, assigned identity ID
// by the originating client.
type InsertOp struct {
	ParentID ElementID
	ID       ElementID
	Value    string // exactly one Unicode code point
}

// DeleteOp tombstones the element identified by ID.
type DeleteOp struct {
	ID ElementID
}

// opWire carries ParentID as a pointer so a delete omits it entirely and an
// insert that never supplied one is distinguishable from (0, "").
type opWire struct {
	Type     string     `json:"type"`
	ParentID *ElementID `json:"parent_id,omitempty"`
	ID       ElementID  `json:"id"`
	Value    string     `json:"value,omitempty"`
}

// MarshalJSON emits the op in its tagged wire form.
func (op Op) MarshalJSON() ([]byte, error) {
	switch {
	case op.Insert != nil:
		return json.Marshal(opWire{
			Type:     opTagInsert,
			ParentID: &op.Insert.ParentID,
			ID:       op.Insert.ID,
			Value:    op.Insert.Value,
		})
	case op.Delete != nil:
		return json.Marshal(opWire{
			Type: opTagDelete,
			ID:   op.Delete.ID,
		})
	default:
		return nil, errors.New("op: neither insert nor delete set")
	}
}

// UnmarshalJSON decodes a tagged op, validating the single-character
// constraint on InsertOp.Value by counting Unicode code points, not bytes.
func (op *Op) UnmarshalJSON(data []byte) error {
	var w opWire
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "op: malformed json")
	}
	switch w.Type {
	case opTagInsert:
		if w.ParentID == nil {
			return errors.New("op: insert missing parent_id")
		}
		if utf8.RuneCountInString(w.Value) != 1 {
			return errors.Errorf("op: insert value must be exactly one character, got %q", w.Value)
		}
		op.Insert = &InsertOp{ParentID: *w.ParentID, ID: w.ID, Value: w.Value}
		op.Delete = nil
		return nil
	case opTagDelete:
		op.Delete = &DeleteOp{ID: w.ID}
		op.Insert = nil
		return nil
	default:
		return errors.Errorf("op: unknown type %q", w.Type)
	}
}

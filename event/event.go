package event

import "fmt"

// Op is the change operation a subscription is interested in. The zero
// value OpAny matches every operation; events delivered to callbacks always
// carry a concrete OpInsert/OpUpdate/OpDelete.
type Op uint8

const (
	OpAny Op = iota
	OpInsert
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAny:
		return "*"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Valid reports whether o is one of the declared operations.
func (o Op) Valid() bool {
	return o <= OpDelete
}

// Matches reports whether an event carrying got satisfies a subscription
// restricted to o.
func (o Op) Matches(got Op) bool {
	return o == OpAny || o == got
}

// ParseOp maps the textual forms used in config files and CLI flags.
func ParseOp(s string) (Op, error) {
	switch s {
	case "", "*", "any":
		return OpAny, nil
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return OpAny, fmt.Errorf("unknown event type %q", s)
	}
}

// Row holds column name to value pairs for one side of a change.
type Row map[string]any

// Change is a single table change delivered to subscription callbacks.
// OldRow is populated for updates and deletes, NewRow for inserts and
// updates; either may be nil when the producer omits it.
type Change struct {
	Table    string
	Op       Op
	OldRow   Row
	NewRow   Row
	CommitTS int64  // unix ms at the producer
	Seq      uint64 // producer sequence, 0 when the source has none
}

// Record returns the row that best represents the change: the new image
// for inserts and updates, the old image for deletes.
func (c Change) Record() Row {
	if c.Op == OpDelete {
		return c.OldRow
	}
	return c.NewRow
}

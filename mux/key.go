package mux

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/filter"
)

// Key is the canonical identity of a subscription request. Two requests
// with the same key share one physical channel, so equality must hold
// exactly when the requests are semantically equivalent: table names fold
// to lower case and filters canonicalize before the key is built.
type Key struct {
	Table  string
	Op     event.Op
	Filter string // canonical filter form, empty for none
}

// NewKey canonicalizes the request parameters into a Key.
func NewKey(table string, op event.Op, rawFilter string) (Key, error) {
	table = strings.ToLower(strings.TrimSpace(table))
	if table == "" {
		return Key{}, fmt.Errorf("subscription table is required")
	}
	if !op.Valid() {
		return Key{}, fmt.Errorf("invalid event type %d", uint8(op))
	}
	canonical, err := filter.Canonicalize(rawFilter)
	if err != nil {
		return Key{}, err
	}
	return Key{Table: table, Op: op, Filter: canonical}, nil
}

// String renders "table|op" or "table|op|filter" for logs and admin output.
func (k Key) String() string {
	if k.Filter == "" {
		return k.Table + "|" + k.Op.String()
	}
	return k.Table + "|" + k.Op.String() + "|" + k.Filter
}

// Topic derives the physical channel topic from the key: short, stable,
// and safe for transports that restrict topic characters.
func (k Key) Topic() string {
	return "rt-" + strconv.FormatUint(xxhash.Sum64String(k.String()), 16)
}

// Spec returns the open parameters the transport needs for this key.
func (k Key) Spec() Spec {
	return Spec{Table: k.Table, Filter: k.Filter, Op: k.Op}
}

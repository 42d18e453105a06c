// Package transport provides mux.Transport implementations for the
// backends a portal deployment can receive change events from.
//
// # Backends
//
// Four production transports are registered by init:
//
//  1. nats: core NATS subscription per table subject, fed by a server
//     publishing through JetStream
//  2. kafka: one consumer group per channel tailing a table topic
//  3. ws: a single multiplexed WebSocket using Phoenix-style channel
//     join/leave framing
//  4. sqlite: polls a local changelog table, for embedded deployments
//     where the portal and its watchers share one process host
//
// A fifth, mock, backs tests and demos without any backend.
//
// # Client-side filtering
//
// Broker subjects are scoped per table, not per subscription, so every
// transport narrows the stream locally: decoded events pass through a
// specMatcher that applies the operation restriction and the row filter
// before the channel's OnChange fires. The ws transport also pushes the
// spec to the server at join time, keeping the local match as the
// authoritative gate.
//
// # Delivery semantics
//
// Channels tail the live stream. Events published while a channel was
// closed are not replayed on reopen; a consumer that needs history must
// reconcile through the portal's query API first.
package transport

import (
	"fmt"

	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/filter"
	"github.com/civicstream/ripple/mux"
)

// specMatcher narrows a table-scoped event stream down to one
// subscription spec. The filter expression is parsed once at Open.
type specMatcher struct {
	table string
	op    event.Op
	expr  *filter.Expr
}

func newSpecMatcher(spec mux.Spec) (*specMatcher, error) {
	expr, err := filter.Parse(spec.Filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", spec.Filter, err)
	}
	return &specMatcher{table: spec.Table, op: spec.Op, expr: expr}, nil
}

// matches reports whether ev belongs on this spec's channel. The row
// filter evaluates against the surviving row image, so delete filters
// match on the old values.
func (m *specMatcher) matches(ev event.Change) bool {
	if ev.Table != m.table {
		return false
	}
	if !m.op.Matches(ev.Op) {
		return false
	}
	return m.expr.Match(ev.Record())
}

// Topic builds the broker subject carrying all changes for a table.
// Publishing tools use the same derivation so seeded events land on the
// subjects clients subscribe to.
func Topic(prefix, table string) string {
	return fmt.Sprintf("%s.%s", prefix, table)
}

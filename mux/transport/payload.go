package transport

import (
	"encoding/json"
	"fmt"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/encoding"
	"github.com/civicstream/ripple/event"
)

// Wire operation codes used by the native payload format. They predate
// the in-memory Op values, whose zero value means "any", so transports
// translate explicitly instead of casting.
const (
	wireOpInsert uint8 = 0
	wireOpUpdate uint8 = 1
	wireOpDelete uint8 = 2
)

// DecodeFunc turns one wire payload into a change event.
type DecodeFunc func(data []byte) (event.Change, error)

// EncodeFunc is the inverse, used by publishing tools and round-trip
// tests. Production changes come from the portal server; clients only
// decode.
type EncodeFunc func(ev event.Change) ([]byte, error)

// DecoderFor returns the payload decoder for a configured format.
func DecoderFor(format string) (DecodeFunc, error) {
	switch format {
	case cfg.FormatNative:
		return DecodeNative, nil
	case cfg.FormatJSON:
		return DecodeJSON, nil
	default:
		return nil, fmt.Errorf("unknown payload format: %s", format)
	}
}

// EncoderFor returns the payload encoder for a configured format.
func EncoderFor(format string) (EncodeFunc, error) {
	switch format {
	case cfg.FormatNative:
		return EncodeNative, nil
	case cfg.FormatJSON:
		return EncodeJSON, nil
	default:
		return nil, fmt.Errorf("unknown payload format: %s", format)
	}
}

// nativeEnvelope is the msgpack CDC envelope emitted by the portal's
// change publisher. Column values inside before/after are themselves
// msgpack encoded so heterogeneous row types survive transit.
type nativeEnvelope struct {
	SeqNum    uint64            `msgpack:"seq"`
	TxnID     uint64            `msgpack:"txn"`
	Database  string            `msgpack:"db"`
	Table     string            `msgpack:"tbl"`
	Operation uint8             `msgpack:"op"`
	IntentKey string            `msgpack:"key"`
	Before    map[string][]byte `msgpack:"before"`
	After     map[string][]byte `msgpack:"after"`
	CommitTS  int64             `msgpack:"ts"`
	NodeID    uint64            `msgpack:"node"`
}

// DecodeNative decodes the msgpack CDC envelope format.
func DecodeNative(data []byte) (event.Change, error) {
	var env nativeEnvelope
	if err := encoding.Unmarshal(data, &env); err != nil {
		return event.Change{}, fmt.Errorf("unable to decode native envelope: %w", err)
	}

	op, err := wireOp(env.Operation)
	if err != nil {
		return event.Change{}, err
	}

	oldRow, err := decodeColumns(env.Before)
	if err != nil {
		return event.Change{}, fmt.Errorf("unable to decode before image: %w", err)
	}
	newRow, err := decodeColumns(env.After)
	if err != nil {
		return event.Change{}, fmt.Errorf("unable to decode after image: %w", err)
	}

	return event.Change{
		Table:    env.Table,
		Op:       op,
		OldRow:   oldRow,
		NewRow:   newRow,
		CommitTS: env.CommitTS,
		Seq:      env.SeqNum,
	}, nil
}

// EncodeNative encodes a change into the msgpack CDC envelope. Only the
// fields DecodeNative reads are populated; publisher metadata such as
// the transaction id stays zero.
func EncodeNative(ev event.Change) ([]byte, error) {
	code, err := opWire(ev.Op)
	if err != nil {
		return nil, err
	}

	before, err := encodeColumns(ev.OldRow)
	if err != nil {
		return nil, fmt.Errorf("unable to encode before image: %w", err)
	}
	after, err := encodeColumns(ev.NewRow)
	if err != nil {
		return nil, fmt.Errorf("unable to encode after image: %w", err)
	}

	return encoding.Marshal(nativeEnvelope{
		SeqNum:    ev.Seq,
		Table:     ev.Table,
		Operation: code,
		Before:    before,
		After:     after,
		CommitTS:  ev.CommitTS,
	})
}

func wireOp(code uint8) (event.Op, error) {
	switch code {
	case wireOpInsert:
		return event.OpInsert, nil
	case wireOpUpdate:
		return event.OpUpdate, nil
	case wireOpDelete:
		return event.OpDelete, nil
	default:
		return event.OpAny, fmt.Errorf("unknown wire operation code %d", code)
	}
}

func opWire(op event.Op) (uint8, error) {
	switch op {
	case event.OpInsert:
		return wireOpInsert, nil
	case event.OpUpdate:
		return wireOpUpdate, nil
	case event.OpDelete:
		return wireOpDelete, nil
	default:
		return 0, fmt.Errorf("operation %s has no wire code", op)
	}
}

func decodeColumns(cols map[string][]byte) (event.Row, error) {
	if cols == nil {
		return nil, nil
	}
	row := make(event.Row, len(cols))
	for name, raw := range cols {
		var val any
		if err := encoding.Unmarshal(raw, &val); err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		row[name] = val
	}
	return row, nil
}

func encodeColumns(row event.Row) (map[string][]byte, error) {
	if row == nil {
		return nil, nil
	}
	cols := make(map[string][]byte, len(row))
	for name, val := range row {
		raw, err := encoding.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		cols[name] = raw
	}
	return cols, nil
}

// jsonEnvelope is the Debezium-style JSON frame. The schema section, when
// present, is ignored; only the payload drives the event.
type jsonEnvelope struct {
	Payload *jsonPayload `json:"payload"`

	// Schemaless frames put the payload fields at the top level.
	jsonPayload
}

type jsonPayload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source jsonSource     `json:"source"`
}

type jsonSource struct {
	Table string `json:"table"`
	LSN   uint64 `json:"lsn"`
}

// DecodeJSON decodes Debezium-style JSON change frames, with or without
// the embedded schema envelope.
func DecodeJSON(data []byte) (event.Change, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return event.Change{}, fmt.Errorf("unable to decode json payload: %w", err)
	}

	payload := env.Payload
	if payload == nil {
		payload = &env.jsonPayload
	}

	var op event.Op
	switch payload.Op {
	case "c", "r":
		op = event.OpInsert
	case "u":
		op = event.OpUpdate
	case "d":
		op = event.OpDelete
	default:
		return event.Change{}, fmt.Errorf("unknown json operation %q", payload.Op)
	}

	return event.Change{
		Table:    payload.Source.Table,
		Op:       op,
		OldRow:   event.Row(payload.Before),
		NewRow:   event.Row(payload.After),
		CommitTS: payload.TsMs,
		Seq:      payload.Source.LSN,
	}, nil
}

// EncodeJSON encodes a change as a schemaless Debezium-style frame.
func EncodeJSON(ev event.Change) ([]byte, error) {
	var op string
	switch ev.Op {
	case event.OpInsert:
		op = "c"
	case event.OpUpdate:
		op = "u"
	case event.OpDelete:
		op = "d"
	default:
		return nil, fmt.Errorf("operation %s has no json code", ev.Op)
	}

	return json.Marshal(jsonPayload{
		Before: ev.OldRow,
		After:  ev.NewRow,
		Op:     op,
		TsMs:   ev.CommitTS,
		Source: jsonSource{Table: ev.Table, LSN: ev.Seq},
	})
}

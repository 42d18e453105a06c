// Package mux implements the subscription multiplexer at the heart of
// ripple: many consumers share one physical transport channel per distinct
// subscription key.
//
// # Architecture
//
// The package consists of three main components:
//
// 1. Key: canonical identity of a subscription request (table, filter, op)
// 2. Registry: refcounted channel lifecycle plus event fan-out
// 3. Status projection: one connection status per key, lock-free reads
//
// # Registry
//
// The registry owns a map of key entries guarded by a single mutex. The
// first consumer acquiring a key opens the transport channel; later
// consumers join the entry's consumer set. Releasing the last consumer
// closes the channel and deletes the entry. Check-then-act runs entirely
// under the mutex, so two concurrent acquires of the same key can never
// open two channels.
//
// Every entry carries an epoch. Transport callbacks bind the epoch they
// were opened under; events and state changes from a closed generation are
// dropped on arrival, which keeps close/reopen races from leaking stale
// traffic into fresh consumers.
//
// # Dispatch
//
// Dispatch snapshots the consumer set under the mutex and invokes callbacks
// outside it. A consumer added or removed mid-dispatch does not affect the
// in-flight event. Callback panics are recovered per consumer, reported to
// that consumer's error handler, and never abort sibling callbacks.
//
// Registries are plain values constructed with NewRegistry; tests build
// isolated instances freely.
package mux

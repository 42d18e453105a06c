package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

// Generator mints consumer identities for subscription handles.
// Identities must never repeat within a client lifetime: a handle that
// reconnects registers under a fresh identity, and the registry relies on
// the old identity staying dead.
type Generator interface {
	NextID() string
}

// ConsumerIDGenerator combines a per-generator random prefix with a
// monotonic counter. The prefix keeps identities from colliding across
// client instances sharing a process; the counter keeps them unique and
// ordered within one.
type ConsumerIDGenerator struct {
	prefix  string
	counter atomic.Uint64
}

// NewConsumerIDGenerator seeds the random prefix from crypto/rand.
func NewConsumerIDGenerator() *ConsumerIDGenerator {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Fall back to the counter alone; uniqueness within the
		// generator still holds.
		return &ConsumerIDGenerator{prefix: "00000000"}
	}
	return &ConsumerIDGenerator{prefix: hex.EncodeToString(buf[:])}
}

// NextID returns the next identity, e.g. "9f2c41aa-17".
func (g *ConsumerIDGenerator) NextID() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.counter.Add(1))
}

package mux

import (
	"fmt"
	"sync"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/event"
)

// Spec carries the open parameters for one subscription key.
type Spec struct {
	Table  string
	Filter string // canonical filter form, empty for none
	Op     event.Op
}

// Handlers receive a channel's events and state changes. They are bound at
// Open time so no event can fire before a receiver exists. OnChange is
// invoked sequentially per channel in arrival order. OnState carries the
// transport's error detail for error states when it has any.
//
// Transports MUST NOT invoke handlers synchronously from inside Open;
// readiness arrives as StateSubscribed after Open returns.
type Handlers struct {
	OnChange func(event.Change)
	OnState  func(State, error)
}

// Channel is one open physical subscription on a transport.
type Channel interface {
	// Close releases the physical subscription
	Close() error
}

// Transport opens physical change channels against a backend. An
// implementation delivers only events matching the spec (table, op
// restriction, row filter), filtering client-side when the backend cannot.
type Transport interface {
	// Open establishes a channel for the spec. It must return promptly;
	// connection progress is reported through h.OnState.
	Open(spec Spec, h Handlers) (Channel, error)
	// Close releases any resources held by the transport
	Close() error
}

// TransportFactory is a function that creates a Transport from a configuration
type TransportFactory func(cfg.TransportConfiguration) (Transport, error)

var (
	transportFactories = make(map[string]TransportFactory)
	factoryMu          sync.RWMutex
)

// RegisterTransport registers a transport factory for a type
func RegisterTransport(transportType string, factory TransportFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transportFactories[transportType] = factory
}

// NewTransport creates a transport based on the configuration
func NewTransport(config cfg.TransportConfiguration) (Transport, error) {
	factoryMu.RLock()
	factory, exists := transportFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown transport type: %s", config.Type)
	}

	return factory(config)
}

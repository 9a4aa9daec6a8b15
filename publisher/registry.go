package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/pgrelay/cfg"
	"github.com/maxpert/pgrelay/pgoutput"
)

// Transport moves serialized changes to a message broker (e.g., NATS, Kafka)
type Transport interface {
	// Publish sends a payload to a subject. key groups related messages.
	Publish(ctx context.Context, subject, key string, payload []byte) error
	// Close releases any resources held by the transport
	Close() error
}

// TransportFactory creates a Transport from the broker configuration
type TransportFactory func(config cfg.BrokerConfiguration) (Transport, error)

// TransformerFactory creates a Transformer. The catalog gives access to
// column type information.
type TransformerFactory func(catalog *pgoutput.Catalog) Transformer

var (
	transportFactories   = make(map[string]TransportFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterTransport registers a transport factory under a name
func RegisterTransport(name string, factory TransportFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transportFactories[name] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// NewTransport creates the transport named by config.Transport
func NewTransport(config cfg.BrokerConfiguration) (Transport, error) {
	factoryMu.RLock()
	factory, exists := transportFactories[config.Transport]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown broker transport: %s (registered: %v)", config.Transport, registered(transportFactories))
	}

	return factory(config)
}

// NewTransformer creates the transformer registered for format
func NewTransformer(format string, catalog *pgoutput.Catalog) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s (registered: %v)", format, registered(transformerFactories))
	}

	return factory(catalog), nil
}

func registered[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

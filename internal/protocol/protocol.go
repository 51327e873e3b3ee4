// Package protocol defines the client capability consumed by source
// supervisors. Concrete implementations live in subpackages and are chosen
// through a registry keyed by protocol type, so transports can be swapped
// (or simulated) without touching the pipeline.
package protocol

import (
	"context"
	"time"

	"github.com/otbridge/otbridge/internal/credentials"
	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/pkg/models"
)

// Sink receives raw records from a client. The return value reports
// whether the record was accepted downstream; clients whose transport
// supports delivery acknowledgement (MQTT QoS, OPC-UA keep-alive) ack
// upstream only on true. Sinks are called from the client's delivery
// goroutine and must not block indefinitely.
type Sink func(record.Record) bool

// Client is one connection to an OT data producer.
//
// Connection failures carry one of the kinds network_unreachable,
// auth_failed, tls_failed, or protocol_error so supervisors can report and
// back off appropriately.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	TestConnection(ctx context.Context) error

	// Subscribe delivers records until ctx is done or the connection
	// breaks. Used when the source runs in subscription mode.
	Subscribe(ctx context.Context, sink Sink) error

	// Poll reads on a fixed interval until ctx is done or the connection
	// breaks. Used when the source opts out of subscriptions.
	Poll(ctx context.Context, interval time.Duration, sink Sink) error

	ProtocolType() models.ProtocolType
}

// SubscriberLister is an optional capability for clients whose transport
// has a notion of peer subscribers (MQTT). Brokers generally do not expose
// enumeration to ordinary clients, so implementations may return an empty
// list with a note explaining why.
type SubscriberLister interface {
	Subscribers() (names []string, note string)
}

// Factory builds a client for one source configuration.
type Factory func(cfg models.SourceConfig, creds *credentials.Store) (Client, error)

// Registry maps protocol types to client factories.
type Registry struct {
	factories map[models.ProtocolType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.ProtocolType]Factory)}
}

// Register installs the factory for a protocol type, replacing any
// previous one. Registration happens at startup, before sources run.
func (r *Registry) Register(t models.ProtocolType, f Factory) {
	r.factories[t] = f
}

// New builds a client for the source's protocol.
func (r *Registry) New(cfg models.SourceConfig, creds *credentials.Store) (Client, error) {
	f, ok := r.factories[cfg.ProtocolType]
	if !ok {
		return nil, models.NewError(models.KindProtocolError,
			"no client registered for protocol "+string(cfg.ProtocolType))
	}
	return f(cfg, creds)
}

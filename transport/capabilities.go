package transport

// Capabilities describes what a broker provides natively. Features a broker
// lacks are emulated by the bridge at the application level.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsSessions indicates the broker locks sessions itself.
	SupportsSessions bool

	// SupportsNativeDLQ indicates the broker has its own dead-letter sink.
	SupportsNativeDLQ bool

	// SupportsDeliveryCount indicates the broker counts delivery attempts.
	SupportsDeliveryCount bool

	// SupportsOrdering indicates messages within a partition or session are
	// delivered in send order.
	SupportsOrdering bool

	// SupportsLockRenewal indicates delivery locks can be extended.
	SupportsLockRenewal bool

	// SupportsPartitioning indicates the broker can route by session key.
	SupportsPartitioning bool

	// SupportsTracing indicates the broker propagates tracing headers natively.
	SupportsTracing bool

	// SupportsNack indicates the broker can redeliver a message on request.
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresDLQEmulation returns true when dead letters must be routed to a
// dead-letter topic by the application.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// RequiresSessionEmulation returns true when session affinity must be enforced
// by the application.
func (c Capabilities) RequiresSessionEmulation() bool {
	return !c.SupportsSessions
}

// SupportsReliableDelivery returns true if the broker supports at-least-once
// delivery with redelivery on abandon.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	MemoryCapabilities = Capabilities{
		Name:                  "memory",
		SupportsSessions:      true,
		SupportsNativeDLQ:     true,
		SupportsDeliveryCount: true,
		SupportsOrdering:      true,
		SupportsLockRenewal:   true,
		SupportsNack:          true,
	}

	PostgresCapabilities = Capabilities{
		Name:                  "postgres",
		SupportsSessions:      true,
		SupportsNativeDLQ:     true,
		SupportsDeliveryCount: true,
		SupportsOrdering:      true,
		SupportsLockRenewal:   true,
		SupportsNack:          true,
	}

	SQLiteCapabilities = Capabilities{
		Name:                  "sqlite",
		SupportsSessions:      true,
		SupportsNativeDLQ:     true,
		SupportsDeliveryCount: true,
		SupportsOrdering:      true,
		SupportsLockRenewal:   true,
		SupportsNack:          true,
	}

	JetStreamCapabilities = Capabilities{
		Name:                  "jetstream",
		SupportsDeliveryCount: true,
		SupportsOrdering:      true,
		SupportsLockRenewal:   true,
		SupportsTracing:       true,
		SupportsNack:          true,
		MaxMessageSize:        1048576, // Default 1MB
	}

	ChannelCapabilities = Capabilities{
		Name:         "channel",
		SupportsNack: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsTracing:      true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		SupportsNack:    true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsNack:     true,
		MaxMessageSize:   262144, // 256KB
	}
)

package transport

// Capabilities describes what a backend guarantees to a receiver.
type Capabilities struct {
	Name string `json:"name"`

	// SupportsAck indicates handled messages are acknowledged to the broker.
	SupportsAck bool `json:"supports_ack"`

	// SupportsNack indicates a rejected message is redelivered.
	SupportsNack bool `json:"supports_nack"`

	// SupportsOrdering indicates messages of one topic arrive in order.
	SupportsOrdering bool `json:"supports_ordering"`

	// SupportsTracing indicates metadata travels with the message, so
	// correlation ids survive a round trip.
	SupportsTracing bool `json:"supports_tracing"`

	// MaxMessageSize is the maximum message size in bytes, 0 when unknown.
	MaxMessageSize int64 `json:"max_message_size,omitempty"`
}

// RedeliversRejected reports whether a message refused by a stopped
// adapter comes back later instead of being lost.
func (c Capabilities) RedeliversRejected() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a payload of size bytes is within MaxMessageSize.
func (c Capabilities) Fits(size int64) bool {
	return c.MaxMessageSize == 0 || size <= c.MaxMessageSize
}

// Capability sets of the built-in backends.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAck:      true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
		SupportsTracing:  true,
	}
)

// GetCapabilities returns the capabilities registered for name in the
// default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}

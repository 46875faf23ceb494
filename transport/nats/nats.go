// Package nats provides the core NATS transport. JetStream is disabled, so
// delivery is at most once and rejected messages are not redelivered.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/pipeflow/transport"
)

// TransportName is the registered name.
const TransportName = "nats"

const (
	// DefaultClientName identifies connections in the NATS monitoring endpoints.
	DefaultClientName = "pipeflow"
	reconnectWait     = 2 * time.Second
	maxReconnects     = -1
)

// PublisherFactory allows overriding the publisher creation in tests.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation in tests.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		url = nc.DefaultURL
	}
	opts := connectOptions(cfg.GetNATSClientName())
	marshaler := &wmnats.NATSMarshaler{}
	noJetStream := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: opts,
		Marshaler:   marshaler,
		JetStream:   noJetStream,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(wmnats.SubscriberConfig{
		URL:         url,
		NatsOptions: opts,
		Unmarshaler: marshaler,
		JetStream:   noJetStream,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func connectOptions(name string) []nc.Option {
	if name == "" {
		name = DefaultClientName
	}
	return []nc.Option{
		nc.Name(name),
		nc.ReconnectWait(reconnectWait),
		nc.MaxReconnects(maxReconnects),
	}
}

package nats

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeflow/transport"
)

type stubPubSub struct{}

func (stubPubSub) Publish(string, ...*message.Message) error { return nil }

func (stubPubSub) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (stubPubSub) Close() error { return nil }

func TestBuildDisablesJetStream(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	var pubCfg wmnats.PublisherConfig
	var subCfg wmnats.SubscriberConfig
	PublisherFactory = func(cfg wmnats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return stubPubSub{}, nil
	}
	SubscriberFactory = func(cfg wmnats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return stubPubSub{}, nil
	}

	_, err := Build(context.Background(), transport.StaticConfig{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, nc.DefaultURL, pubCfg.URL)
	assert.True(t, pubCfg.JetStream.Disabled)
	assert.True(t, subCfg.JetStream.Disabled)
	assert.Len(t, subCfg.NatsOptions, 3)
}

func TestConnectOptionsSetClientName(t *testing.T) {
	var opts nc.Options
	for _, o := range connectOptions("orders-adapter") {
		require.NoError(t, o(&opts))
	}
	assert.Equal(t, "orders-adapter", opts.Name)
	assert.Equal(t, -1, opts.MaxReconnect)

	opts = nc.Options{}
	for _, o := range connectOptions("") {
		require.NoError(t, o(&opts))
	}
	assert.Equal(t, DefaultClientName, opts.Name)
}

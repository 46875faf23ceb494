package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct{ closed int }

func (p *fakePublisher) Publish(string, ...*message.Message) error { return nil }

func (p *fakePublisher) Close() error {
	p.closed++
	return nil
}

type fakePubSub struct{ fakePublisher }

func (p *fakePubSub) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	ps := &fakePubSub{}
	reg.Register("memory", func(_ context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		assert.NotNil(t, logger, "a nil logger is replaced")
		return Transport{Publisher: ps, Subscriber: ps}, nil
	}, Capabilities{SupportsAck: true})

	tr, err := reg.Build(context.Background(), StaticConfig{PubSubSystem: "memory"}, nil)
	require.NoError(t, err)
	assert.Same(t, ps, tr.Publisher)
	assert.Equal(t, "memory", reg.GetCapabilities("memory").Name)
	assert.True(t, reg.Has("memory"))
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, errors.New("dial tcp: refused")
	}, Capabilities{})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = reg.Build(context.Background(), StaticConfig{PubSubSystem: "zeromq"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
	assert.Contains(t, err.Error(), "broken")

	_, err = reg.Build(context.Background(), StaticConfig{PubSubSystem: "broken"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build broken transport: dial tcp: refused")
}

func TestRegistryNamesAndAllAreSorted(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) { return Transport{}, nil }
	reg.Register("nats", noop, NATSCapabilities)
	reg.Register("aws", noop, AWSCapabilities)
	reg.Register("kafka", noop, KafkaCapabilities)

	assert.Equal(t, []string{"aws", "kafka", "nats"}, reg.Names())
	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, AWSCapabilities, all[0])
	assert.Equal(t, Capabilities{Name: "unknown"}, reg.GetCapabilities("unknown"))
}

func TestTransportCloseClosesSharedPubSubOnce(t *testing.T) {
	ps := &fakePubSub{}
	require.NoError(t, Transport{Publisher: ps, Subscriber: ps}.Close())
	assert.Equal(t, 1, ps.closed)

	pub, sub := &fakePublisher{}, &fakePubSub{}
	require.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)

	assert.NoError(t, Transport{}.Close())
}

func TestCapabilities(t *testing.T) {
	assert.True(t, RabbitMQCapabilities.RedeliversRejected())
	assert.False(t, KafkaCapabilities.RedeliversRejected())
	assert.False(t, NATSCapabilities.RedeliversRejected())

	assert.True(t, AWSCapabilities.Fits(256<<10))
	assert.False(t, AWSCapabilities.Fits(256<<10+1))
	assert.True(t, ChannelCapabilities.Fits(1<<40))
}

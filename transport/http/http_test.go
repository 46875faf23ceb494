package http

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeflow/transport"
)

type serverStub struct {
	started atomic.Int32
	topics  []string
}

func (s *serverStub) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.topics = append(s.topics, topic)
	return make(chan *message.Message), nil
}

func (s *serverStub) Close() error { return nil }

func (s *serverStub) StartHTTPServer() error {
	s.started.Add(1)
	return nil
}

type publisherStub struct{}

func (publisherStub) Publish(string, ...*message.Message) error { return nil }

func (publisherStub) Close() error { return nil }

func TestServerStartsOnceAfterFirstSubscription(t *testing.T) {
	origSub := SubscriberFactory
	t.Cleanup(func() { SubscriberFactory = origSub })
	stub := &serverStub{}
	SubscriberFactory = func(addr string, _ http.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, ":8089", addr)
		return stub, nil
	}

	tr, err := Build(context.Background(), transport.StaticConfig{HTTPServerAddress: ":8089"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Nil(t, tr.Publisher, "no publisher url configured")
	assert.Zero(t, stub.started.Load())

	_, err = tr.Subscriber.Subscribe(context.Background(), "orders")
	require.NoError(t, err)
	_, err = tr.Subscriber.Subscribe(context.Background(), "invoices")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return stub.started.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"orders", "invoices"}, stub.topics)
}

func TestPublisherTargetsTopicURL(t *testing.T) {
	origPub := PublisherFactory
	t.Cleanup(func() { PublisherFactory = origPub })
	var cfg http.PublisherConfig
	PublisherFactory = func(c http.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		cfg = c
		return publisherStub{}, nil
	}

	tr, err := Build(context.Background(), transport.StaticConfig{HTTPPublisherURL: "http://example.test/in/"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Nil(t, tr.Subscriber)

	req, err := cfg.MarshalMessageFunc("orders", message.NewMessage("m-1", []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "http://example.test/in/orders", req.URL.String())
}

func TestBuildNeedsAnEndpoint(t *testing.T) {
	_, err := Build(context.Background(), transport.StaticConfig{}, watermill.NopLogger{})
	assert.Error(t, err)
}

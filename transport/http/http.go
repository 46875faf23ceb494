// Package http provides the HTTP transport: messages are published as POST
// requests to <publisher url><topic> and received on <server address>/<topic>.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/pipeflow/transport"
)

// TransportName is the registered name.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation in tests.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation in tests.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates an HTTP transport. The subscriber's server starts with the
// first subscription, since routes cannot be added to a running server.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisherURL := cfg.GetHTTPPublisherURL()
	serverAddr := cfg.GetHTTPServerAddress()
	if publisherURL == "" && serverAddr == "" {
		return transport.Transport{}, errors.New("pipeflow: http transport needs a publisher url or a server address")
	}

	var tr transport.Transport
	if publisherURL != "" {
		publisher, err := PublisherFactory(http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		}, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		tr.Publisher = publisher
	}

	if serverAddr != "" {
		subscriber, err := SubscriberFactory(serverAddr, http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		}, logger)
		if err != nil {
			_ = tr.Close()
			return transport.Transport{}, err
		}
		tr.Subscriber = &serverSubscriber{Subscriber: subscriber, logger: logger}
	}
	return tr, nil
}

type httpServer interface {
	StartHTTPServer() error
}

// serverSubscriber starts the underlying HTTP server once a route exists.
type serverSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (s *serverSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	if srv, ok := s.Subscriber.(httpServer); ok {
		s.once.Do(func() {
			go func() {
				if err := srv.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
					s.logger.Error("HTTP subscriber server stopped", err, nil)
				}
			}()
		})
	}
	return ch, nil
}

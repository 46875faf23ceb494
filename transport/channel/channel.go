// Package channel provides the in-memory Go channel transport. Publisher
// and subscriber are the same GoChannel, so it only connects components of
// one process.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/pipeflow/transport"
)

// TransportName is the registered name.
const TransportName = "channel"

// DefaultBuffer is the output channel buffer of each subscription.
const DefaultBuffer = 64

// Factory allows overriding the GoChannel creation in tests.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a channel transport.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	ps := Factory(gochannel.Config{OutputChannelBuffer: DefaultBuffer}, logger)
	return transport.Transport{Publisher: ps, Subscriber: ps}, nil
}

// Package transports registers every built-in transport with the default
// registry.
package transports

import (
	_ "github.com/drblury/pipeflow/transport/aws"
	_ "github.com/drblury/pipeflow/transport/channel"
	_ "github.com/drblury/pipeflow/transport/http"
	_ "github.com/drblury/pipeflow/transport/io"
	_ "github.com/drblury/pipeflow/transport/kafka"
	_ "github.com/drblury/pipeflow/transport/nats"
	_ "github.com/drblury/pipeflow/transport/rabbitmq"
)

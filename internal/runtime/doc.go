/*
Package runtime assembles a complete pipeflow process from a Config.

# Architecture Overview

A pipeflow process hosts one adapter. The adapter owns a pipeline of steps
and receives messages from receivers bound to a message transport. Every
message runs through the pipeline inside a unit of work and leaves it
through one of the pipeline's exits.

# Package Structure

## Service (service.go)

The Service wires together:
  - the pipeline and the adapter running it
  - the transport built from the transport registry
  - an optional receiver on the configured consume topic
  - the unit-of-work manager (SQL or in-memory)
  - the optional result cache (Redis or in-memory)
  - the statistics schedule and Prometheus exporter
  - the optional admin HTTP server

## Middleware (middleware.go)

Retry settings for the receiver's router.

# Sub-packages

  - adapter/: Adapter lifecycle, processing and events
  - admin/: HTTP administration surface
  - cache/: Result caches
  - config/: Configuration with validation
  - errorformat/: Error result rendering
  - errors/: Sentinel errors
  - flow/: Steps, forwards, exits and results
  - ids/: ULID generation for message IDs
  - logging/: Logger interface and adapters
  - message/: Message content and metadata
  - pipeline/: Step graph execution
  - receiver/: Transport-bound message intake
  - runstate/: Run state machine
  - session/: Per-message session
  - statistics/: Counters, distributions and exporters
  - steps/: Built-in steps
  - txn/: Units of work and propagation

# Usage Example

	cfg, err := pipeflow.LoadConfig("pipeflow.yaml")
	if err != nil {
		return err
	}

	svc, err := pipeflow.NewService(ctx, cfg, logger, pipeflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	_ = svc.RegisterExit(pipeflow.Exit{Path: "done", State: pipeflow.StateSuccess})
	_ = svc.AddStep(pipeflow.EchoStep("echo"))

	return svc.Run(ctx)
*/
package runtime

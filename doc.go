// Package pipeflow runs message processing pipelines. A pipeline is a graph
// of named steps: each step transforms a message and names a forward, and
// every forward leads either to another step or to an exit that fixes the
// result's state and code. An adapter hosts one pipeline, tracks its run
// state, statistics and recent events, and turns failures into error
// results rendered by an error formatter.
//
// Service assembles a complete process from Config: the adapter and its
// pipeline, a Watermill transport (Kafka, RabbitMQ, AWS SNS/SQS, NATS,
// HTTP, I/O or Go channels), an optional receiver on a consume topic, the
// unit-of-work manager, an optional result cache, a statistics schedule
// with a Prometheus exporter and the admin HTTP server. A minimal setup
// fills Config, creates a Service, registers exits and steps and calls Run.
//
// # Units of work
//
// Every run executes inside a unit of work governed by a propagation
// (SUPPORTS, REQUIRED, REQUIRES_NEW, MANDATORY, NOT_SUPPORTED, NEVER). With
// a SQL driver configured, units map onto database transactions and SQL
// steps join them; the unit commits when the run ends in the configured
// commit state and rolls back otherwise.
//
// # Steps
//
// The built-in steps cover echoing, fixed results with session
// placeholders, deliberate failures, Go functions, typed JSON handlers,
// expression based switches, publishing to a topic and SQL statements.
// Any type implementing Step can be added as well.
//
// # Administration
//
// The admin server lists adapters and their status, serves statistics
// trees, recent events and Graphviz renderings of the pipeline, starts and
// stops adapters and exposes Prometheus metrics.
package pipeflow

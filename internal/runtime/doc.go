/*
Package runtime wires the eventflow components into a runnable Service.

# Architecture Overview

Domain history is appended to an event store. The relay publishes committed
events to the message bus in commit order and marks them published once the
bus accepts them. Dispatchers receive from bus subscriptions and route each
envelope to the handlers registered for its type tag; saga routers are such
handlers, feeding correlated messages to long-running process instances.

# Package Structure

## Core Service (service.go)

The Service struct builds from a config.Config:
  - the message bus, resolved by name through the transport registry
  - the event store (memory, PostgreSQL or SQLite)
  - the saga instance store (memory, PostgreSQL, SQLite or Redis)
  - the relay, dispatchers, saga routers and the saga timeout poller
  - HTTP servers for Prometheus metrics and the status endpoint

Start runs every component under one errgroup until its context ends, then
drains the relay.

## Status (status.go)

JSON introspection of dispatchers, throttle degrees, dead-letter statistics
and process resource usage.

# Sub-packages

  - codec/: Type-tag registry with JSON and protobuf codecs
  - config/: Service configuration with validation
  - dispatch/: Handler registry, middleware, job hooks and receive loops
  - envelope/: The immutable message envelope
  - errors/: Error taxonomy and sentinel errors
  - eventstore/: Append-only event store
  - ids/: Message ids, deterministic event ids and timeout tokens
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - relay/: Reliable publisher from the event store to the bus
  - saga/: Process definitions, router, instance stores and timeouts
  - sqldb/: PostgreSQL and SQLite dialect helpers
  - telemetry/: Prometheus collectors
  - throttle/: Adaptive concurrency controller

# Usage Example

	cfg := &eventflow.Config{
		Transport:      "postgres",
		EventStore:     "postgres",
		PostgresURL:    "postgres://localhost:5432/app?sslmode=disable",
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc, err := eventflow.NewService(ctx, cfg, logger, eventflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	registry := eventflow.NewRegistry()
	_ = registry.RegisterEvent("OrderPlaced", eventflow.HandlerFunc(project))
	_, _ = svc.AddDispatcher(eventflow.Subscription{Topic: "events", Name: "projector"}, registry)

	return svc.Start(ctx)
*/
package runtime

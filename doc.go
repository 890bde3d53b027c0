// Package eventflow is a messaging and event-sourcing substrate on top of
// Watermill and a set of native brokers. Domain history is appended to an
// optimistically concurrent event store; a relay publishes committed events to
// the bus at least once and in commit order per stream; dispatchers receive from
// durable subscriptions and route envelopes by type tag; saga routers feed
// correlated messages to long-running process instances.
//
// Service reads the transport, the event store and the saga store from Config,
// builds them, and runs the relay, dispatchers, saga timeout poller and HTTP
// endpoints until its context ends. A minimal setup fills Config, creates a
// Service, adds dispatchers or processes, and calls Start.
//
// # Transports
//
// eventflow supports 9 message transports out of the box:
//   - memory: In-process broker with sessions, lock expiry and dead letters
//   - postgres: PostgreSQL broker with SKIP LOCKED, session locks and a dead-letter table
//   - sqlite: Embedded broker sharing the PostgreSQL broker schema
//   - jetstream: NATS JetStream with durable pull consumers and native redelivery counts
//   - channel: Watermill Go channels for tests
//   - kafka: Consumer groups, with the session key as partition key
//   - rabbitmq: AMQP durable queues
//   - nats: NATS Core
//   - aws: AWS SNS/SQS with LocalStack support
//
// Brokers reached through Watermill get delivery counts, dead-letter topics and
// in-process session affinity from the bridge package.
//
// # Dispatch
//
// The default middleware chain includes correlation ID propagation, OpenTelemetry
// tracing, Prometheus metrics, and panic recovery. Handler errors wrapped with
// Permanent dead-letter the delivery; other errors abandon it for redelivery
// until the subscription's maximum delivery count. Throttling responses from the
// broker shrink the number of concurrent receive loops, and sustained success
// grows it back.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks for
// custom logging, metrics collection, and alerting around handler execution.
package eventflow

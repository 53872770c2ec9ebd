// Package orderpulse tracks campus-service orders against phase timeout
// policies and delivers the resulting notifications over a reliable,
// retry-aware message channel built on Watermill.
//
// The sweep engine periodically evaluates every open order against its
// per-type policy: a warning fires once when the configured fraction of the
// timeout budget elapses, a timeout transition fires when the budget is
// exhausted, and repeated timeouts past the archive threshold trigger
// operator intervention and archival. Every status write is guarded by an
// optimistic version check so concurrent business updates are never
// clobbered.
//
// Committed transitions are published as JSON envelopes with at-least-once
// semantics. A failing consumer gets the message redelivered with
// exponential backoff (1s, 2s, 4s); after three retries the envelope is
// routed unchanged to the topic's ".dead-letter" counterpart, where the
// dead-letter service persists it for audit, raises an operator alert, and
// supports later replay.
//
// # Transports
//
// Orderpulse supports 9 message transports out of the box:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats: High-performance messaging
//   - jetstream: NATS JetStream with durable consumers
//   - http: Request/response messaging
//   - io: File-based persistence
//   - postgres: Production-ready PostgreSQL queue with SKIP LOCKED and DLQ
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, structured
// logging, OpenTelemetry tracing, Prometheus metrics, bounded-retry
// redelivery with dead-lettering, and panic recovery. Custom middleware can
// be added via Dependencies.Middlewares.
//
// # Assembly
//
// A minimal setup fills Config, provides an OrderStore and DeadLetterStore,
// and calls NewApp followed by App.Start. NewApp wires the sweep scheduler,
// the statistics aggregator, the websocket broadcast hub and the dead-letter
// consumer; lower-level pieces (Service, typed handler registration, the
// transport registry) stay available for applications that assemble their
// own pipeline.
package orderpulse

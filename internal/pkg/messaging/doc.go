// Package messaging is a broker-agnostic client core for publishing and
// consuming messages with at-least-once delivery, per-key ordering and
// bounded in-flight work.
//
// Each broker family (JMS over STOMP, AMQP, Kafka, NSQ, NATS JetStream,
// Google Pub/Sub, and an in-process broker) is reached through an Adapter.
// The Client composes an Adapter with a ConnectionManager, a Router that maps
// keys onto lanes, a Backpressure controller per direction, and a Coordinator
// that tracks every delivery until it is acked, redelivered or dead-lettered.
// Business code only sees Publish, Subscribe and Unsubscribe.
package messaging

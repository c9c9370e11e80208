// Package broker provides the durable, at-least-once FIFO channels that
// connect the workflow processor and the task manager.
//
// Three logical channels exist: pending (task records ready to run),
// completed (terminal task outcomes), and heartbeat (liveness pulses).
// Consumption is organized in consumer groups: every group observes every
// message on a channel from the channel origin, and within a group each
// message is claimed by one consumer at a time. A delivery that is never
// acked returns to the channel, so consumers must be idempotent keyed by
// task uid.
//
// Two implementations share the contract: SQLite (embedded, single file,
// zero external services) and Redis Streams (consumer groups, for
// multi-process deployments). Publisher adds bounded retry with backoff on
// top of either; exhaustion surfaces ErrUnavailable, which components treat
// as fatal.
package broker

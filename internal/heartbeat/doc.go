// Package heartbeat exchanges liveness pulses between the workflow
// processor and the task manager over the broker's heartbeat channel.
// Each side runs one Monitor: a sender goroutine publishing periodic
// pulses and a receiver goroutine tracking when the peer's pulses last
// arrived. Staleness is judged by local receipt time, never by the
// timestamp embedded in the pulse, so clock skew between peers is
// harmless.
package heartbeat

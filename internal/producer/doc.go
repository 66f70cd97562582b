// Package producer runs completion tasks: it drives a generation
// collaborator, appends chunk/complete/error events to a stream's event log,
// and moves the stream through created -> streaming -> {complete | error}.
//
// Executors decouple triggering from running. Local runs tasks on a bounded
// goroutine pool; Fallback tries a durable dispatcher first and falls back to
// a local executor when dispatch is unavailable.
package producer

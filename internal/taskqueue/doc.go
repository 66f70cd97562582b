// Package taskqueue implements a durable one-of-N task queue with
// lease-based delivery, used to run producer tasks off the request path.
//
// # Keyspace
//
// All keys are prefixed with tq/{name}/:
//
//	m                         - Metadata (lastSeq)
//	msg/{seq}                 - Task record
//	ready/{seq}               - Availability index (FIFO)
//	delay/{ready_at_ms}/{seq} - Delayed (retry) index
//	lease/{seq}               - Active lease (expires_at_ms, deliveries)
//	lease_idx/{exp_ms}/{seq}  - Lease expiry index for reclaim scans
//	dlq/{seq}                 - Dead letters
//
// # Message Lifecycle
//
//  1. Enqueue: msg written, indexed as ready or delayed
//  2. Dequeue: msg leased, deliveries incremented, removed from ready
//  3. Processing:
//     - Extend: lease extended via heartbeat
//     - Complete: msg and lease deleted
//     - Fail: retry scheduled, or dead-lettered once deliveries reach the limit
//  4. Expiry: ReclaimExpired returns the msg to ready, or dead-letters it
//     once deliveries reach the limit
//
// Producer tasks are not idempotent, so the worker defaults to a single
// delivery: a task whose worker dies is dead-lettered and its stream is left
// for the janitor.
package taskqueue

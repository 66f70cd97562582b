// Package relay bridges one long-lived client connection to a stream's
// event log.
//
// An Endpoint authorizes the caller against stream ownership, replays
// buffered events from the connection's offset and then blocks for new ones,
// forwarding each to a Sink. Every exit path runs cleanup, which marks a
// still-active stream disconnected so the janitor can reclaim it if its
// producer never finishes.
//
// Each connection tracks its own offset. The registry's last delivered id is
// only the starting point when the caller supplies none.
package relay

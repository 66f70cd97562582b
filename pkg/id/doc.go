// Package id issues stream identifiers.
//
// Production code uses UUID, which yields time-ordered UUIDv7 strings:
//
//	var ids id.Source = id.UUID{}
//	streamID := ids.Next()
package id

// Package client provides the `chatrelay` command-line client.
//
// The CLI talks to the chatrelay HTTP API to send messages, follow reply
// streams and run operator tasks, and to the gRPC health service.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc; the standalone binary reads CHATRELAY_HTTP
// and defaults to http://127.0.0.1:8080. The gRPC address is read from
// CHATRELAY_GRPC (default 127.0.0.1:50051). CHATRELAY_USER supplies a
// default principal and CHATRELAY_PRINCIPAL_HEADER the identity header.
//
// Usage
//
//	chatrelay chat send --content "hello" --follow
//	chatrelay chat send --user alice --conversation 3 --content "and then?"
//
//	chatrelay stream tail STREAM_ID --user alice
//	chatrelay stream tail STREAM_ID --from 12      # resume after entry 12
//
//	chatrelay stream list --filter 'status == "disconnected"'
//	chatrelay stream get STREAM_ID
//	chatrelay stream delete STREAM_ID --confirm
//
//	chatrelay janitor sweep
//	chatrelay health
package client

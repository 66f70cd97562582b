// Package runtime wires storage and the relay components into a single-node
// chatrelay instance: event log, stream registry, chat store, producer,
// dispatch executors, relay endpoint and janitor.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	defer rt.Close()
//	rt.Start(ctx)
//	for _, loop := range rt.Background() {
//	    go loop(ctx)
//	}
package runtime

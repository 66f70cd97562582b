// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// batches, prefix scans, and minimal metrics hooks. Every chatrelay store
// (event log, stream registry, task queue, chat store) shares one DB.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
//
//	_ = db.ScanPrefix([]byte("relay/stream/"), func(k, v []byte) error { return nil })
package pebblestore

// Package pebblestore implements the storage contract on Pebble with
// WAL-synced writes, prefix scans, and atomic write batches.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: "./data"})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// Atomic updates
//	b := db.NewWriteBatch()
//	_ = b.Put([]byte("k"), []byte("v"))
//	_ = b.Delete([]byte("old"))
//	_ = b.Commit()
package pebblestore

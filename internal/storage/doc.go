// Package storage defines the ordered key-value contract the queue engine is
// written against: durable point writes, prefix and range scans, and an
// atomic multi-key write batch. Implementations live in subpackages; the
// Pebble-backed one is the default.
package storage

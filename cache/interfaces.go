// Package cache stores rendered Markdown documents keyed by sanitized request
// path and variant, with a small JSON sidecar describing each document.
package cache

import (
	"time"

	"go.trai.ch/zerr"
)

// ErrUnsafePath is returned when a key or variant cannot be mapped to a location
// inside the cache root.
var ErrUnsafePath = zerr.New("cache path escapes cache root")

// Meta is the sidecar record stored next to every cached document.
type Meta struct {
	PostID  int64  `json:"post_id"`
	Type    string `json:"type"`
	Variant string `json:"variant"`
	Tokens  int    `json:"tokens"`
	Length  int    `json:"length"`
}

// Entry is a cached document together with its sidecar.
type Entry struct {
	Document []byte
	Meta     Meta
	ModTime  time.Time
}

// Reader defines the read side of the cache. Every failure is reported as a miss.
type Reader interface {
	// ReadMeta returns the sidecar for key/variant without touching the document.
	ReadMeta(key, variant string) (*Meta, bool)

	// ReadDocument returns the raw cached document bytes.
	ReadDocument(key, variant string) ([]byte, bool)

	// ReadIfFresh returns the entry only when its modification time is not older
	// than notOlderThan and the sidecar is intact.
	ReadIfFresh(key, variant string, notOlderThan time.Time) (*Entry, bool)
}

// Writer defines the write side of the cache. Failures are logged, never returned.
type Writer interface {
	// Write stores doc and meta, stamping the document with modTime.
	Write(key, variant string, doc []byte, meta Meta, modTime time.Time)

	// Delete removes a single key/variant pair.
	Delete(key, variant string)

	// Purge removes every variant of key.
	Purge(key string)

	// PurgePrefix removes every variant of every key below key, leaving key
	// itself in place.
	PurgePrefix(key string)

	// FlushAll empties the whole cache.
	FlushAll()
}

// Store combines both cache operations
type Store interface {
	Reader
	Writer
}

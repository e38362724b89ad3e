// Package remote provides byte transport to the off-device snapshot blob.
// It is pure transport: no merge semantics live here. The orchestrator
// decides what to push and when, this package only moves bytes and reports
// last-modified metadata.
package remote

import (
	"context"
	"time"
)

// Metadata describes the remote blob without transferring its body.
type Metadata struct {
	// Exists is false when no snapshot has ever been pushed.
	Exists bool
	// LastModified is the remote store's modification time for the blob.
	LastModified time.Time
}

// Backend is the minimal blob access the sync engine needs. Put replaces
// the whole blob atomically (the underlying store's write is treated as
// replace-of-whole-blob; partial writes never surface). Get returns
// common.ErrNotFound when no snapshot exists yet.
//
// Implementations must retry transient failures with bounded backoff and
// surface exhaustion as common.ErrNetwork.
type Backend interface {
	Put(ctx context.Context, data []byte) error
	Get(ctx context.Context) ([]byte, error)
	Metadata(ctx context.Context) (Metadata, error)
}

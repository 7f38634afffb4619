package artifactstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	mio "github.com/Snapier494/mediacache/libs/minio"
)

// StatResult is the point-in-time truth about a persisted artifact.
type StatResult struct {
	LastModified time.Time
	Checksum     string
}

// Meta travels with an artifact into the store; the remote variant
// records it as side-channel object metadata.
type Meta struct {
	Width  int
	Height int
}

// Store is a pluggable artifact backend.
//
// Stat returns (nil, nil) when nothing exists at the key; any error is
// transient and the caller treats the artifact as stale. Persist must be
// safe to call concurrently for different keys and idempotent for the
// same key.
type Store interface {
	Stat(ctx context.Context, key string) (*StatResult, error)
	Persist(ctx context.Context, key string, data []byte, meta Meta) error
}

// Options select and configure the backend. The URI scheme picks the
// variant: empty or "file" maps to the local filesystem, "s3" to a
// MinIO/S3 bucket ("s3://bucket/prefix"). When an s3 URI comes with a
// BaseDir, persistence goes through the tiered store: written locally
// first, replicated to the bucket in the background.
type Options struct {
	URI string

	BaseDir string

	MinIO mio.Config

	// LaneSize caps concurrent remote round trips on a lane of its own,
	// so store traffic is not throttled by fetch concurrency. Zero
	// leaves the lane unbounded.
	LaneSize int

	ReplicationQueue   int
	ReplicationWorkers int
	ReplicationRetries int
}

func New(ctx context.Context, opts Options) (Store, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("empty store URI")
	}

	// Windows-style absolute paths ("C:\images") contain no scheme
	// separator and always mean the filesystem variant.
	if filepath.IsAbs(opts.URI) {
		return NewLocalStore(opts.URI)
	}

	scheme, rest, found := strings.Cut(opts.URI, "://")
	if !found {
		return NewLocalStore(opts.URI)
	}

	switch scheme {
	case "", "file":
		return NewLocalStore(rest)
	case "s3":
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("store URI %q: missing bucket", opts.URI)
		}

		cfg := opts.MinIO
		cfg.Bucket = bucket

		remote, err := NewMinIOStore(ctx, cfg, prefix, opts.LaneSize)
		if err != nil {
			return nil, err
		}

		if opts.BaseDir == "" {
			return remote, nil
		}

		local, err := NewLocalStore(opts.BaseDir)
		if err != nil {
			return nil, err
		}

		return NewTieredStore(ctx, local, remote,
			opts.ReplicationQueue,
			opts.ReplicationWorkers,
			opts.ReplicationRetries,
		), nil
	default:
		return nil, fmt.Errorf("store URI %q: unknown scheme %q", opts.URI, scheme)
	}
}

// Package storage defines the byte-level provider abstraction volumes are
// built on: local filesystem and object-store backends behind one
// interface, per spec.md §4.1.
package storage

import (
	"context"
	"io"
)

// Provider is the capability set every storage backend implements.
type Provider interface {
	// Write stores size bytes read from r at path, overwriting any existing
	// content at that path (idempotent overwrite).
	Write(ctx context.Context, path string, r io.Reader, size int64) error
	// Read opens path for streaming read. Callers must Close the result.
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error
	// Exists reports whether path currently has content.
	Exists(ctx context.Context, path string) (bool, error)
	// Size returns the byte length of the content at path.
	Size(ctx context.Context, path string) (int64, error)
}

// DiskProvider is the extra capability local volumes expose to the disk
// monitor.
type DiskProvider interface {
	Provider
	AvailableBytes(ctx context.Context) (int64, error)
	TotalBytes(ctx context.Context) (int64, error)
}

// CopyFrom copies srcPath on src to dstPath on dst. It is a free function,
// not a method, so any two Provider implementations can be paired —
// exactly the cross-volume copy the lifecycle migration worker needs.
func CopyFrom(ctx context.Context, src Provider, srcPath string, dst Provider, dstPath string) (int64, error) {
	size, err := src.Size(ctx, srcPath)
	if err != nil {
		return 0, err
	}
	r, err := src.Read(ctx, srcPath)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if err := dst.Write(ctx, dstPath, r, size); err != nil {
		return 0, err
	}
	return size, nil
}

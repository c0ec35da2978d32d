// Package blockdev inspects, locks and unmounts flash destinations.
package blockdev

import (
	"context"
	"os"
)

// DeviceInfo contains destination metadata
type DeviceInfo struct {
	Path string
	// Size is the capacity in bytes; for regular files it is the current length.
	Size int64
	// BlockDevice is false for regular files used as image targets.
	BlockDevice bool
	// Mountpoints lists every mounted filesystem living on the device or its partitions.
	Mountpoints []string
}

// Manager gives writers access to destination devices
type Manager interface {
	// Inspect returns metadata about a destination
	Inspect(ctx context.Context, path string) (*DeviceInfo, error)

	// Open opens a destination for read/write, holding an exclusive lock until closed
	Open(path string) (*os.File, error)

	// Unmount unmounts every filesystem on the device
	Unmount(ctx context.Context, path string) error

	// Privileged reports whether the process may write raw block devices
	Privileged() bool

	// Close cleans up resources
	Close() error
}

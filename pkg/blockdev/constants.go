package blockdev

import "time"

// Default I/O tuning for streaming an image onto a destination.
const (
	// DefaultBufferSize is the chunk size used for each write/read (1MB)
	DefaultBufferSize = 1024 * 1024
	// DefaultSectorSize is the sector size in bytes (512 bytes)
	DefaultSectorSize = 512
	// DefaultProgressInterval is how often writers report progress
	DefaultProgressInterval = 500 * time.Millisecond
)

//go:build !linux

package blockdev

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"syscall"

	"github.com/fly-io/multiflash/pkg/errors"
)

// StubManager is a best-effort device manager for non-Linux systems.
// It cannot lock or unmount devices.
type StubManager struct{}

// NewManager creates a stub manager on non-Linux systems
func NewManager() (Manager, error) {
	return &StubManager{}, nil
}

func (m *StubManager) Inspect(ctx context.Context, path string) (*DeviceInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat destination")
	}
	info := &DeviceInfo{Path: path, Size: fi.Size(), BlockDevice: fi.Mode()&os.ModeDevice != 0}
	if info.BlockDevice {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open destination")
		}
		defer f.Close()
		if info.Size, err = f.Seek(0, io.SeekEnd); err != nil {
			return nil, errors.Wrap(err, "failed to read device size")
		}
	}
	return info, nil
}

func (m *StubManager) Open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open destination")
	}
	return f, nil
}

func (m *StubManager) Unmount(ctx context.Context, path string) error {
	slog.Warn("unmount_unavailable", "device", path, "platform", runtime.GOOS)
	return nil
}

func (m *StubManager) Privileged() bool {
	return os.Geteuid() == 0
}

func (m *StubManager) Close() error {
	return nil
}

// ErrorCode returns the errno text carried by err, or "".
func ErrorCode(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fmt.Sprintf("errno %d", int(errno))
	}
	return ""
}

//go:build linux

package blockdev

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/fly-io/multiflash/pkg/errors"
	"golang.org/x/sys/unix"
)

const mountsFile = "/proc/self/mounts"

// LinuxManager implements Manager on Linux
type LinuxManager struct {
	mountsPath string
}

// NewManager creates a Linux device manager
func NewManager() (Manager, error) {
	slog.Info("blockdev_init", "platform", "linux")
	return &LinuxManager{mountsPath: mountsFile}, nil
}

func (m *LinuxManager) Inspect(ctx context.Context, path string) (*DeviceInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		slog.Error("inspect_stat_failed", "device", path, "error", err)
		return nil, errors.Wrap(err, "failed to stat destination")
	}

	info := &DeviceInfo{
		Path:        path,
		BlockDevice: fi.Mode()&os.ModeDevice != 0,
		Size:        fi.Size(),
	}

	if info.BlockDevice {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open destination")
		}
		size, err := f.Seek(0, io.SeekEnd)
		f.Close()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read device size")
		}
		info.Size = size
	}

	mounts, err := m.mountpoints(path)
	if err != nil {
		slog.Warn("inspect_mounts_failed", "device", path, "error", err)
	} else {
		info.Mountpoints = mounts
	}

	slog.Debug("inspect_complete", "device", path, "size_mb", info.Size/1024/1024, "block", info.BlockDevice, "mounts", len(info.Mountpoints))
	return info, nil
}

func (m *LinuxManager) Open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		slog.Error("device_open_failed", "device", path, "error", err)
		return nil, errors.Wrap(err, "failed to open destination")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		slog.Error("device_lock_failed", "device", path, "error", err)
		return nil, errors.Wrap(err, "destination is in use")
	}

	return f, nil
}

func (m *LinuxManager) Unmount(ctx context.Context, path string) error {
	mounts, err := m.mountpoints(path)
	if err != nil {
		return errors.Wrap(err, "failed to read mount table")
	}

	for _, mp := range mounts {
		slog.Info("unmount_device", "device", path, "mount_path", mp)
		if err := unix.Unmount(mp, 0); err != nil {
			slog.Error("unmount_failed", "device", path, "mount_path", mp, "error", err)
			return errors.Wrap(err, fmt.Sprintf("failed to unmount %s", mp))
		}
	}

	slog.Info("unmount_complete", "device", path, "count", len(mounts))
	return nil
}

func (m *LinuxManager) Privileged() bool {
	return unix.Geteuid() == 0
}

func (m *LinuxManager) Close() error {
	return nil
}

// mountpoints returns the mount paths of path and of its partitions
// (/dev/sdb -> /dev/sdb1, /dev/nvme0n1 -> /dev/nvme0n1p1).
func (m *LinuxManager) mountpoints(path string) ([]string, error) {
	f, err := os.Open(m.mountsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if isSameOrPartition(path, fields[0]) {
			mounts = append(mounts, unescapeMount(fields[1]))
		}
	}
	return mounts, scanner.Err()
}

// ErrorCode returns the errno name carried by err ("EIO", "ENOSPC"), or "".
func ErrorCode(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return unix.ErrnoName(errno)
	}
	return ""
}

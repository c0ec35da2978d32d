//go:build linux

package blockdev

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// TestManagerInterface verifies LinuxManager implements Manager
func TestManagerInterface(t *testing.T) {
	var _ Manager = (*LinuxManager)(nil)
}

func TestInspectRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 4096), 0644); err != nil {
		t.Fatal(err)
	}

	m := &LinuxManager{mountsPath: filepath.Join(t.TempDir(), "missing")}
	info, err := m.Inspect(context.Background(), path)
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if info.BlockDevice {
		t.Error("regular file reported as block device")
	}
	if info.Size != 4096 {
		t.Errorf("expected size 4096, got %d", info.Size)
	}
}

func TestMountpointsFromTable(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "mounts")
	content := "/dev/sdb1 /media/usb vfat rw 0 0\n" +
		"/dev/sdb2 /media/my\\040disk ext4 rw 0 0\n" +
		"/dev/sda1 / ext4 rw 0 0\n" +
		"tmpfs /tmp tmpfs rw 0 0\n"
	if err := os.WriteFile(table, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m := &LinuxManager{mountsPath: table}
	mounts, err := m.mountpoints("/dev/sdb")
	if err != nil {
		t.Fatalf("mountpoints failed: %v", err)
	}
	if len(mounts) != 2 || mounts[0] != "/media/usb" || mounts[1] != "/media/my disk" {
		t.Errorf("unexpected mounts: %v", mounts)
	}
}

func TestOpenHoldsExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	m := &LinuxManager{mountsPath: mountsFile}
	f, err := m.Open(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	defer f.Close()

	if _, err := m.Open(path); err == nil {
		t.Error("second open should fail while lock is held")
	}
}

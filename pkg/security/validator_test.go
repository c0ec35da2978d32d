package security

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/multiflash/pkg/blockdev"
	"github.com/fly-io/multiflash/pkg/errors"
)

type fakeManager struct {
	devices    map[string]*blockdev.DeviceInfo
	privileged bool
}

func (m *fakeManager) Inspect(ctx context.Context, path string) (*blockdev.DeviceInfo, error) {
	if info, ok := m.devices[path]; ok {
		return info, nil
	}
	if fi, err := os.Stat(path); err == nil {
		return &blockdev.DeviceInfo{Path: path, Size: fi.Size()}, nil
	}
	return nil, os.ErrNotExist
}

func (m *fakeManager) Open(path string) (*os.File, error)             { return nil, os.ErrPermission }
func (m *fakeManager) Unmount(ctx context.Context, path string) error { return nil }
func (m *fakeManager) Privileged() bool                               { return m.privileged }
func (m *fakeManager) Close() error                                   { return nil }

func TestValidatePath(t *testing.T) {
	v := NewValidator(&fakeManager{}, false)

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"/dev/sda", false},
		{"/dev/disk/by-id/usb-1", false},
		{"sda", true},
		{"../dev/sda", true},
		{"/dev/../etc/passwd", true},
		{"/dev/sda/", true},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %s", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
	}
}

func TestValidateImage(t *testing.T) {
	dir := t.TempDir()
	v := NewValidator(&fakeManager{}, false)

	img := filepath.Join(dir, "os.img")
	if err := os.WriteFile(img, []byte("image"), 0644); err != nil {
		t.Fatal(err)
	}
	size, err := v.ValidateImage(img)
	if err != nil || size != 5 {
		t.Errorf("ValidateImage = (%d, %v), want (5, nil)", size, err)
	}

	empty := filepath.Join(dir, "empty.img")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{empty, dir, filepath.Join(dir, "missing.img")} {
		if _, err := v.ValidateImage(path); !errors.IsValidation(err) {
			t.Errorf("expected validation error for %s, got %v", path, err)
		}
	}
}

func TestValidateDestinations(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "os.img")
	if err := os.WriteFile(img, make([]byte, 1024), 0644); err != nil {
		t.Fatal(err)
	}
	alias := filepath.Join(dir, "alias")
	if err := os.Symlink(img, alias); err != nil {
		t.Fatal(err)
	}

	devices := map[string]*blockdev.DeviceInfo{
		"/dev/big":   {Path: "/dev/big", Size: 4096, BlockDevice: true},
		"/dev/big2":  {Path: "/dev/big2", Size: 4096, BlockDevice: true},
		"/dev/small": {Path: "/dev/small", Size: 512, BlockDevice: true},
	}

	tests := []struct {
		name       string
		dests      []string
		privileged bool
		require    bool
		wantErr    bool
	}{
		{"two devices", []string{"/dev/big", "/dev/big2"}, false, false, false},
		{"none", nil, false, false, true},
		{"duplicate", []string{"/dev/big", "/dev/big"}, false, false, true},
		{"image itself", []string{img}, false, false, true},
		{"symlink to image", []string{alias}, false, false, true},
		{"too small", []string{"/dev/small"}, false, false, true},
		{"missing", []string{"/dev/nope"}, false, false, true},
		{"unprivileged", []string{"/dev/big"}, false, true, true},
		{"privileged", []string{"/dev/big"}, true, true, false},
		{"missing file target", []string{filepath.Join(dir, "out.img")}, false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(&fakeManager{devices: devices, privileged: tt.privileged}, tt.require)
			infos, err := v.ValidateDestinations(context.Background(), img, 1024, tt.dests)
			if tt.wantErr {
				if !errors.IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(infos) != len(tt.dests) {
				t.Errorf("got %d infos, want %d", len(infos), len(tt.dests))
			}
		})
	}
}

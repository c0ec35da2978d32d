// Package security runs the pre-flight checks on a flash request. Every
// failure is a validation error: nothing has been written yet.
package security

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/multiflash/pkg/blockdev"
	"github.com/fly-io/multiflash/pkg/errors"
)

// Validator checks images and destinations before a flash starts.
type Validator struct {
	dev              blockdev.Manager
	requirePrivilege bool
}

// NewValidator creates a new validator. With requirePrivilege, raw block
// devices are rejected unless the process is privileged.
func NewValidator(dev blockdev.Manager, requirePrivilege bool) *Validator {
	return &Validator{dev: dev, requirePrivilege: requirePrivilege}
}

// ValidateImage checks that path is a readable, non-empty regular file and
// returns its size.
func (v *Validator) ValidateImage(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		slog.Error("security_image_validation_failed", "image", path, "error", err)
		return 0, errors.Validation("image %s: %v", path, err)
	}
	if !fi.Mode().IsRegular() {
		slog.Error("security_image_validation_failed", "image", path, "reason", "not_regular_file")
		return 0, errors.Validation("image %s is not a regular file", path)
	}
	if fi.Size() == 0 {
		slog.Error("security_image_validation_failed", "image", path, "reason", "empty")
		return 0, errors.Validation("image %s is empty", path)
	}
	return fi.Size(), nil
}

// ValidatePath rejects destination paths that are relative or not clean.
func (v *Validator) ValidatePath(dest string) error {
	if !filepath.IsAbs(dest) {
		slog.Error("security_path_validation_failed", "device", dest, "reason", "relative_path")
		return errors.Validation("destination must be an absolute path: %s", dest)
	}
	if filepath.Clean(dest) != dest || strings.Contains(dest, "/../") {
		slog.Error("security_path_validation_failed", "device", dest, "reason", "unclean_path")
		return errors.Validation("destination path is not clean: %s", dest)
	}
	return nil
}

// ValidateDestinations checks every destination for image. Destinations must
// be unique, must not resolve to the image itself and must be large enough
// to hold imageSize bytes. It returns the inspected devices in input order.
func (v *Validator) ValidateDestinations(ctx context.Context, image string, imageSize int64, dests []string) ([]*blockdev.DeviceInfo, error) {
	if len(dests) == 0 {
		return nil, errors.Validation("at least one destination is required")
	}

	imageReal := resolve(image)
	seen := make(map[string]string, len(dests))
	infos := make([]*blockdev.DeviceInfo, 0, len(dests))

	for _, dest := range dests {
		if err := v.ValidatePath(dest); err != nil {
			return nil, err
		}

		resolved := resolve(dest)
		if prev, ok := seen[resolved]; ok {
			slog.Error("security_duplicate_destination", "device", dest, "same_as", prev)
			return nil, errors.Validation("duplicate destination %s (same as %s)", dest, prev)
		}
		seen[resolved] = dest

		if resolved == imageReal {
			slog.Error("security_destination_is_image", "device", dest, "image", image)
			return nil, errors.Validation("destination %s is the source image", dest)
		}

		info, err := v.dev.Inspect(ctx, dest)
		if err != nil {
			return nil, errors.Validation("destination %s: %v", dest, err)
		}

		if info.BlockDevice && v.requirePrivilege && !v.dev.Privileged() {
			slog.Error("security_privilege_required", "device", dest)
			return nil, errors.Validation("writing %s requires elevated privileges", dest)
		}

		if info.BlockDevice && info.Size < imageSize {
			slog.Error("security_capacity_exceeded",
				"device", dest,
				"device_size", humanize.IBytes(uint64(info.Size)),
				"image_size", humanize.IBytes(uint64(imageSize)))
			return nil, errors.Validation("destination %s (%s) is smaller than the image (%s)",
				dest, humanize.IBytes(uint64(info.Size)), humanize.IBytes(uint64(imageSize)))
		}

		infos = append(infos, info)
	}

	slog.Info("security_destinations_validated", "count", len(infos))
	return infos, nil
}

// resolve follows symlinks so /dev/disk/by-id aliases compare equal to the
// node they point at. Paths that do not exist yet are compared as given.
func resolve(path string) string {
	if target, err := filepath.EvalSymlinks(path); err == nil {
		return target
	}
	return filepath.Clean(path)
}

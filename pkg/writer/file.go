package writer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fly-io/multiflash/pkg/blockdev"
	"github.com/fly-io/multiflash/pkg/errors"
)

// verifyFallback is hashed for the verify pass when no algorithm was requested.
const verifyFallback = "crc32"

// VerificationError indicates the data read back from a device does not match the image.
type VerificationError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %s expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

// CapacityError indicates the destination is smaller than the image.
type CapacityError struct {
	ImageSize  int64
	DeviceSize int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("destination too small: image is %d bytes, device holds %d", e.ImageSize, e.DeviceSize)
}

// FileOption customizes a FileWriter.
type FileOption func(*FileWriter)

// WithBufferSize sets the chunk size used for each read and write.
func WithBufferSize(size int) FileOption {
	return func(w *FileWriter) {
		if size > 0 {
			w.bufferSize = size
		}
	}
}

// WithProgressInterval sets the minimum delay between two progress events.
func WithProgressInterval(d time.Duration) FileOption {
	return func(w *FileWriter) {
		if d >= 0 {
			w.interval = d
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(now func() time.Time) FileOption {
	return func(w *FileWriter) {
		if now != nil {
			w.now = now
		}
	}
}

// FileWriter streams an image file onto a destination, optionally reads it
// back to verify, and unmounts the destination on success.
type FileWriter struct {
	opts       Options
	dev        blockdev.Manager
	bufferSize int
	interval   time.Duration
	now        func() time.Time
}

func (w *FileWriter) logger() *slog.Logger {
	if w.opts.Logger != nil {
		return w.opts.Logger
	}
	return slog.Default()
}

// NewFileWriter creates a writer for one destination.
func NewFileWriter(opts Options, dev blockdev.Manager, fopts ...FileOption) *FileWriter {
	w := &FileWriter{
		opts:       opts,
		dev:        dev,
		bufferSize: blockdev.DefaultBufferSize,
		interval:   blockdev.DefaultProgressInterval,
		now:        time.Now,
	}
	for _, opt := range fopts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// NewFactory returns a Factory producing FileWriters bound to dev.
func NewFactory(dev blockdev.Manager, fopts ...FileOption) Factory {
	return func(opts Options) Writer {
		return NewFileWriter(opts, dev, fopts...)
	}
}

// Flash implements Writer.
func (w *FileWriter) Flash(ctx context.Context, emit func(Event)) {
	result, err := w.flash(ctx, emit)
	if err != nil {
		de := errors.ForDevice(w.opts.Device, err)
		if de.Code == "" {
			de.Code = blockdev.ErrorCode(err)
		}
		w.logger().Error("writer_failed", "device", w.opts.Device, "code", de.Code, "error", err)
		emit(Event{Kind: EventError, Err: de})
		return
	}
	emit(Event{Kind: EventFinish, Result: *result})
}

func (w *FileWriter) flash(ctx context.Context, emit func(Event)) (*Result, error) {
	device := w.opts.Device
	w.logger().Info("writer_start", "device", device, "image", w.opts.ImagePath, "verify", w.opts.Verify)

	src, err := os.Open(w.opts.ImagePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat image")
	}
	size := fi.Size()

	info, err := w.dev.Inspect(ctx, device)
	if err != nil {
		return nil, err
	}
	if info.BlockDevice && info.Size < size {
		return nil, &CapacityError{ImageSize: size, DeviceSize: info.Size}
	}

	algorithms := w.opts.ChecksumAlgorithms
	verifyAlg := verifyFallback
	if len(algorithms) > 0 {
		verifyAlg = algorithms[0]
	}
	hashed := algorithms
	if w.opts.Verify && len(algorithms) == 0 {
		hashed = []string{verifyFallback}
	}

	dst, err := w.dev.Open(device)
	if err != nil {
		return nil, err
	}
	defer dst.Close()

	sums := newChecksummer(hashed)
	written, err := w.pump(ctx, dst, io.TeeReader(src, sums), newTracker(PhaseWrite, size, w.interval, w.now), emit)
	if err != nil {
		return nil, errors.Wrap(err, "write failed")
	}
	if err := dst.Sync(); err != nil {
		return nil, errors.Wrap(err, "failed to sync destination")
	}
	checksums := sums.sums()
	w.logger().Info("writer_write_complete", "device", device, "bytes", written)

	if w.opts.Verify {
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "failed to rewind destination")
		}
		readback := newChecksummer([]string{verifyAlg})
		if _, err := w.pump(ctx, readback, io.LimitReader(dst, written), newTracker(PhaseVerify, written, w.interval, w.now), emit); err != nil {
			return nil, errors.Wrap(err, "verify failed")
		}
		actual := readback.sums()[verifyAlg]
		if expected := checksums[verifyAlg]; actual != expected {
			return nil, &VerificationError{Algorithm: verifyAlg, Expected: expected, Actual: actual}
		}
		w.logger().Info("writer_verify_complete", "device", device, "algorithm", verifyAlg)
	}

	if len(algorithms) == 0 {
		checksums = nil
	}

	if err := dst.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close destination")
	}

	if w.opts.UnmountOnSuccess {
		if err := w.dev.Unmount(ctx, device); err != nil {
			return nil, err
		}
	}

	return &Result{Device: device, Checksums: checksums, BytesWritten: written}, nil
}

// pump copies src into dst in bufferSize chunks, reporting through t.
func (w *FileWriter) pump(ctx context.Context, dst io.Writer, src io.Reader, t *tracker, emit func(Event)) (int64, error) {
	buf := make([]byte, w.bufferSize)
	var total int64

	if t.total == 0 {
		emit(Event{Kind: EventProgress, State: t.snapshot(t.now())})
		return 0, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			if state, ok := t.add(n); ok {
				emit(Event{Kind: EventProgress, State: state})
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

package errors

import (
	"fmt"
	"io"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("expected nil when wrapping nil")
	}

	err := Wrap(io.EOF, "read failed")
	if err.Error() != "read failed: EOF" {
		t.Errorf("unexpected message: %s", err)
	}
	if !Is(err, io.EOF) {
		t.Error("wrapped error should match io.EOF")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"validation", Validation("no destinations"), ExitValidationError},
		{"wrapped validation", Wrap(Validation("bad"), "preflight"), ExitValidationError},
		{"general", fmt.Errorf("boom"), ExitGeneralError},
		{"device", &DeviceError{Device: "/dev/sda", Err: io.ErrUnexpectedEOF}, ExitGeneralError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestForDevice(t *testing.T) {
	base := io.ErrShortWrite
	de := ForDevice("/dev/sdb", base)
	if de.Device != "/dev/sdb" {
		t.Errorf("device not attached: %+v", de)
	}
	if !Is(de, io.ErrShortWrite) {
		t.Error("device error should unwrap to cause")
	}

	again := ForDevice("/dev/sdb", Wrap(de, "flash"))
	if again != de {
		t.Error("expected existing device error to be reused")
	}

	other := ForDevice("/dev/sdc", de)
	if other.Device != "/dev/sdc" {
		t.Errorf("expected new device error, got %+v", other)
	}
}

// Package progress folds the progress of every in-flight device into a
// single combined snapshot.
//
// The combined value is an unweighted mean over the devices still in flight:
// devices of very different sizes skew the display slightly, and a device
// that finishes stops counting immediately.
package progress

import (
	"math"

	"github.com/fly-io/multiflash/pkg/writer"
)

// Snapshot is the aggregated progress of all active devices.
type Snapshot struct {
	writer.State
	// Active is the number of devices the snapshot was computed from.
	Active int `json:"active"`
	// Writing is how many of them are still in the write phase.
	Writing int `json:"writing"`
}

// Aggregator keeps the latest known state per device. It is not safe for
// concurrent use; the orchestrator owns it from a single goroutine.
type Aggregator struct {
	states map[string]writer.State
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{states: make(map[string]writer.State)}
}

// Update records the latest state for device and returns the recomputed snapshot.
func (a *Aggregator) Update(device string, state writer.State) Snapshot {
	a.states[device] = state
	snap, _ := a.Snapshot()
	return snap
}

// Remove drops a device, typically once it reached a terminal state.
func (a *Aggregator) Remove(device string) {
	delete(a.states, device)
}

// Len returns the number of tracked devices.
func (a *Aggregator) Len() int {
	return len(a.states)
}

// Snapshot computes the mean over all tracked devices. It returns false
// when no device is tracked.
func (a *Aggregator) Snapshot() (Snapshot, bool) {
	n := len(a.states)
	if n == 0 {
		return Snapshot{}, false
	}

	// Terms are scaled before summing; the mean of finite inputs stays finite.
	count := float64(n)
	var sum writer.State
	writing := 0
	for _, s := range a.states {
		if s.Type != writer.PhaseVerify {
			writing++
		}
		sum.Delta += nonNegative(s.Delta) / count
		sum.BytesTransferred += nonNegative(s.BytesTransferred) / count
		sum.TotalBytes += nonNegative(s.TotalBytes) / count
		sum.Percentage += clamp(s.Percentage, 0, 100) / count
		sum.Remaining += nonNegative(s.Remaining) / count
		sum.Runtime += nonNegative(s.Runtime) / count
		sum.Speed += nonNegative(s.Speed) / count
		sum.ETA += nonNegative(s.ETA) / count
	}

	phase := writer.PhaseVerify
	if writing > 0 {
		phase = writer.PhaseWrite
	}

	return Snapshot{
		State: writer.State{
			Type:             phase,
			Delta:            nonNegative(sum.Delta),
			BytesTransferred: nonNegative(sum.BytesTransferred),
			TotalBytes:       nonNegative(sum.TotalBytes),
			Percentage:       clamp(sum.Percentage, 0, 100),
			Remaining:        nonNegative(sum.Remaining),
			Runtime:          nonNegative(sum.Runtime),
			Speed:            nonNegative(sum.Speed),
			ETA:              nonNegative(sum.ETA),
		},
		Active:  n,
		Writing: writing,
	}, true
}

// Non-finite values would not survive JSON encoding.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

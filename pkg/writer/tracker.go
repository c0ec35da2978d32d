package writer

import "time"

// tracker turns a running byte count into throttled State snapshots.
type tracker struct {
	phase    Phase
	total    int64
	done     int64
	reported int64
	start    time.Time
	last     time.Time
	interval time.Duration
	now      func() time.Time
}

func newTracker(phase Phase, total int64, interval time.Duration, now func() time.Time) *tracker {
	start := now()
	return &tracker{
		phase:    phase,
		total:    total,
		start:    start,
		last:     start,
		interval: interval,
		now:      now,
	}
}

// add records n more bytes and returns a snapshot when one is due: once per
// interval, and always when the phase completes.
func (t *tracker) add(n int) (State, bool) {
	t.done += int64(n)
	now := t.now()
	if t.done < t.total && now.Sub(t.last) < t.interval {
		return State{}, false
	}
	return t.snapshot(now), true
}

func (t *tracker) snapshot(now time.Time) State {
	runtime := now.Sub(t.start).Seconds()

	var speed float64
	if runtime > 0 {
		speed = float64(t.done) / runtime
	}

	remaining := t.total - t.done
	if remaining < 0 {
		remaining = 0
	}

	var eta float64
	if speed > 0 {
		eta = float64(remaining) / speed
	}

	var percentage float64
	if t.total > 0 {
		percentage = float64(t.done) * 100 / float64(t.total)
		if percentage > 100 {
			percentage = 100
		}
	}

	state := State{
		Type:             t.phase,
		Delta:            float64(t.done - t.reported),
		BytesTransferred: float64(t.done),
		TotalBytes:       float64(t.total),
		Percentage:       percentage,
		Remaining:        float64(remaining),
		Runtime:          runtime,
		Speed:            speed,
		ETA:              eta,
	}
	t.reported = t.done
	t.last = now
	return state
}

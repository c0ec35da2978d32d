package progress

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/fly-io/multiflash/pkg/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_EmptyHasNoSnapshot(t *testing.T) {
	a := NewAggregator()
	_, ok := a.Snapshot()
	assert.False(t, ok)

	a.Update("/dev/a", writer.State{Percentage: 10})
	a.Remove("/dev/a")
	_, ok = a.Snapshot()
	assert.False(t, ok, "no snapshot after the last device is removed")
	assert.Equal(t, 0, a.Len())
}

func TestAggregator_SingleDeviceIsIdentity(t *testing.T) {
	state := writer.State{
		Type:             writer.PhaseWrite,
		Delta:            1024,
		BytesTransferred: 50,
		TotalBytes:       100,
		Percentage:       50,
		Remaining:        50,
		Runtime:          5,
		Speed:            10,
		ETA:              5,
	}

	snap := NewAggregator().Update("/dev/a", state)
	assert.Equal(t, state, snap.State)
	assert.Equal(t, 1, snap.Active)
	assert.Equal(t, 1, snap.Writing)
}

func TestAggregator_MeanAndPhase(t *testing.T) {
	a := NewAggregator()
	a.Update("/dev/a", writer.State{Type: writer.PhaseVerify, Percentage: 80, Speed: 30})
	snap := a.Update("/dev/b", writer.State{Type: writer.PhaseWrite, Percentage: 20, Speed: 10})

	assert.Equal(t, writer.PhaseWrite, snap.Type, "any writer keeps the phase at write")
	assert.Equal(t, 50.0, snap.Percentage)
	assert.Equal(t, 20.0, snap.Speed)
	assert.Equal(t, 2, snap.Active)
	assert.Equal(t, 1, snap.Writing)

	snap = a.Update("/dev/b", writer.State{Type: writer.PhaseVerify, Percentage: 40, Speed: 10})
	assert.Equal(t, writer.PhaseVerify, snap.Type)
	assert.Equal(t, 0, snap.Writing)
}

func TestAggregator_RemovedDevicesDoNotCount(t *testing.T) {
	a := NewAggregator()
	a.Update("/dev/a", writer.State{Type: writer.PhaseWrite, Percentage: 100, Speed: 90})
	a.Update("/dev/b", writer.State{Type: writer.PhaseWrite, Percentage: 10, Speed: 10})
	a.Remove("/dev/a")

	snap, ok := a.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 10.0, snap.Percentage)
	assert.Equal(t, 10.0, snap.Speed)
	assert.Equal(t, 1, snap.Active)
}

func TestAggregator_BoundsHoldForArbitraryInput(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	values := []float64{-100, -1, 0, 1, 50, 100, 101, 1e12, math.MaxFloat64, math.NaN(), math.Inf(1), math.Inf(-1)}
	pick := func() float64 { return values[rng.Intn(len(values))] }

	for i := 0; i < 500; i++ {
		a := NewAggregator()
		devices := rng.Intn(5) + 1
		var snap Snapshot
		for d := 0; d < devices; d++ {
			snap = a.Update(string(rune('a'+d)), writer.State{
				Type:             writer.PhaseWrite,
				Delta:            pick(),
				BytesTransferred: pick(),
				TotalBytes:       pick(),
				Percentage:       pick(),
				Remaining:        pick(),
				Runtime:          pick(),
				Speed:            pick(),
				ETA:              pick(),
			})
		}
		assert.GreaterOrEqual(t, snap.Percentage, 0.0)
		assert.LessOrEqual(t, snap.Percentage, 100.0)
		assert.GreaterOrEqual(t, snap.Speed, 0.0)
		assert.GreaterOrEqual(t, snap.ETA, 0.0)
		for _, v := range []float64{snap.Delta, snap.BytesTransferred, snap.TotalBytes, snap.Remaining, snap.Runtime, snap.Speed, snap.ETA} {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "non-finite value in %+v", snap)
		}
		_, err := json.Marshal(snap)
		assert.NoError(t, err)
	}
}

func TestAggregator_NonFiniteInputStillEncodes(t *testing.T) {
	a := NewAggregator()
	a.Update("/dev/a", writer.State{Type: writer.PhaseWrite, Speed: math.Inf(1), Delta: math.NaN(), ETA: math.Inf(-1)})
	snap := a.Update("/dev/b", writer.State{Type: writer.PhaseWrite, Speed: 10, Delta: 4, Runtime: math.Inf(1)})

	assert.Equal(t, 5.0, snap.Speed)
	assert.Equal(t, 2.0, snap.Delta)
	assert.Equal(t, 0.0, snap.ETA)
	assert.Equal(t, 0.0, snap.Runtime)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"speed":5`)
}

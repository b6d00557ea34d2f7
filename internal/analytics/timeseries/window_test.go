package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pushAll(w *Window, values ...float64) {
	for i, v := range values {
		w.Push(Point{Timestamp: t0.Add(time.Duration(i) * time.Second), Value: v})
	}
}

func TestWindowStats(t *testing.T) {
	w := NewWindow(10, 0)
	pushAll(w, 70, 71, 70, 72)

	assert.Equal(t, 4, w.Len())
	assert.InDelta(t, 70.75, w.Mean(), 1e-9)
	assert.InDelta(t, 0.8291562, w.StdDev(), 1e-6)
	assert.InDelta(t, 0.5, w.Slope(10), 1e-9)

	s := w.Stats()
	assert.Equal(t, 70.0, s.Min)
	assert.Equal(t, 72.0, s.Max)
}

func TestWindowConstantSeriesHasZeroVariance(t *testing.T) {
	w := NewWindow(5, 0)
	for i := 0; i < 23; i++ {
		w.Push(Point{Timestamp: t0, Value: 0.1})
	}
	assert.Equal(t, 5, w.Len())
	assert.Equal(t, 0.0, w.StdDev())
	assert.InDelta(t, 0.1, w.Mean(), 1e-12)
	assert.InDelta(t, 0.0, w.Slope(5), 1e-9)
}

func TestWindowEvictsByCapacity(t *testing.T) {
	w := NewWindow(3, 0)
	pushAll(w, 1, 2, 3, 4, 5)

	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []float64{3, 4, 5}, w.Last(10))
	assert.InDelta(t, 4.0, w.Mean(), 1e-9)

	points := w.Points()
	require.Len(t, points, 3)
	assert.Equal(t, 3.0, points[0].Value)
}

func TestWindowEvictsByAge(t *testing.T) {
	w := NewWindow(100, 10*time.Second)
	w.Push(Point{Timestamp: t0, Value: 1})
	w.Push(Point{Timestamp: t0.Add(5 * time.Second), Value: 2})
	w.Push(Point{Timestamp: t0.Add(20 * time.Second), Value: 3})

	assert.Equal(t, 1, w.Len())
	assert.Equal(t, 3.0, w.Mean())
}

func TestWindowIncrementalMatchesRecompute(t *testing.T) {
	w := NewWindow(7, 0)
	values := []float64{10, 12, 9, 15, 11, 13, 8, 14, 10, 16, 12}
	pushAll(w, values...)

	last := values[len(values)-7:]
	var sum float64
	for _, v := range last {
		sum += v
	}
	mean := sum / 7
	var ss float64
	for _, v := range last {
		ss += (v - mean) * (v - mean)
	}
	assert.InDelta(t, mean, w.Mean(), 1e-9)
	assert.InDelta(t, ss/7, w.StdDev()*w.StdDev(), 1e-9)
}

func TestWindowEmpty(t *testing.T) {
	w := NewWindow(0, 0)
	assert.Equal(t, 1, w.Capacity())
	assert.Equal(t, 0.0, w.Mean())
	assert.Equal(t, 0.0, w.StdDev())
	assert.Nil(t, w.Last(3))
	assert.Equal(t, Stats{}, w.Stats())
}

func TestSlope(t *testing.T) {
	assert.Equal(t, 0.0, Slope(nil))
	assert.Equal(t, 0.0, Slope([]float64{5}))
	assert.InDelta(t, 2.0, Slope([]float64{1, 3, 5, 7}), 1e-9)
	assert.InDelta(t, -1.0, Slope([]float64{4, 3, 2, 1}), 1e-9)
}

func TestMonotonic(t *testing.T) {
	assert.Equal(t, 1, Monotonic([]float64{1, 2, 3}))
	assert.Equal(t, -1, Monotonic([]float64{3, 2, 1}))
	assert.Equal(t, 0, Monotonic([]float64{1, 2, 2}))
	assert.Equal(t, 0, Monotonic([]float64{1, 3, 2}))
	assert.Equal(t, 0, Monotonic([]float64{1}))
}

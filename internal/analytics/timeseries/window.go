package timeseries

import (
	"math"
	"time"
)

// Package timeseries provides the bounded rolling window every adaptive
// threshold is computed from.
//
// Storage:
//   - Fixed-capacity ring buffer (FIFO when full)
//   - Optional maximum age, measured from the newest point
//
// Statistics (maintained incrementally on every push and eviction):
//   - Count, mean, population standard deviation
//   - Least-squares slope over the most recent N points, indexed by
//     arrival order (units per sample)
//
// A Window is not safe for concurrent use; callers hold a per-series lock.

// Point is one observation in a window.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Stats is a snapshot of the window statistics.
type Stats struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Window is a bounded sliding window with incremental mean and variance.
type Window struct {
	data     []Point
	head     int
	size     int
	capacity int
	maxAge   time.Duration

	// Sums are kept relative to shift, the first value pushed into an empty
	// window, so a constant series yields exactly zero variance.
	shift  float64
	sum    float64
	sumSq  float64
	pushes int
}

// NewWindow creates a window holding at most capacity points. A maxAge of
// zero disables age-based eviction.
func NewWindow(capacity int, maxAge time.Duration) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		data:     make([]Point, capacity),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// Push appends p, evicting the oldest point when full and any points older
// than maxAge relative to p.
func (w *Window) Push(p Point) {
	if w.size == 0 {
		w.shift = p.Value
		w.sum, w.sumSq = 0, 0
	}
	if w.size == w.capacity {
		w.evictOldest()
	}

	idx := (w.head + w.size) % w.capacity
	w.data[idx] = p
	w.size++
	d := p.Value - w.shift
	w.sum += d
	w.sumSq += d * d

	if w.maxAge > 0 && !p.Timestamp.IsZero() {
		cutoff := p.Timestamp.Add(-w.maxAge)
		for w.size > 1 && w.data[w.head].Timestamp.Before(cutoff) {
			w.evictOldest()
		}
	}

	// periodic exact recompute bounds floating-point drift
	w.pushes++
	if w.pushes >= w.capacity {
		w.resum()
		w.pushes = 0
	}
}

func (w *Window) evictOldest() {
	old := w.data[w.head]
	w.head = (w.head + 1) % w.capacity
	w.size--
	if w.size == 0 {
		w.head = 0
		w.sum, w.sumSq = 0, 0
		return
	}
	d := old.Value - w.shift
	w.sum -= d
	w.sumSq -= d * d
}

func (w *Window) resum() {
	if w.size == 0 {
		return
	}
	w.shift = w.data[w.head].Value
	w.sum, w.sumSq = 0, 0
	for i := 0; i < w.size; i++ {
		d := w.data[(w.head+i)%w.capacity].Value - w.shift
		w.sum += d
		w.sumSq += d * d
	}
}

// Len returns the number of points in the window.
func (w *Window) Len() int {
	return w.size
}

// Capacity returns the maximum number of points held.
func (w *Window) Capacity() int {
	return w.capacity
}

// Mean returns the mean of the window, or 0 when empty.
func (w *Window) Mean() float64 {
	if w.size == 0 {
		return 0
	}
	return w.shift + w.sum/float64(w.size)
}

// StdDev returns the population standard deviation, or 0 when empty.
func (w *Window) StdDev() float64 {
	if w.size == 0 {
		return 0
	}
	n := float64(w.size)
	m := w.sum / n
	v := w.sumSq/n - m*m
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

// Slope returns the least-squares slope over the most recent n points.
func (w *Window) Slope(n int) float64 {
	return Slope(w.Last(n))
}

// Last returns up to n of the most recent values in arrival order.
func (w *Window) Last(n int) []float64 {
	if n > w.size {
		n = w.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	start := w.size - n
	for i := 0; i < n; i++ {
		out[i] = w.data[(w.head+start+i)%w.capacity].Value
	}
	return out
}

// Points returns all points in arrival order.
func (w *Window) Points() []Point {
	out := make([]Point, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.data[(w.head+i)%w.capacity]
	}
	return out
}

// Stats returns a snapshot of the window statistics.
func (w *Window) Stats() Stats {
	s := Stats{Count: w.size, Mean: w.Mean(), StdDev: w.StdDev()}
	if w.size == 0 {
		return s
	}
	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	for i := 0; i < w.size; i++ {
		v := w.data[(w.head+i)%w.capacity].Value
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	return s
}

// Slope returns the least-squares slope of values against their index.
func Slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Monotonic reports the direction values move in: +1 when strictly
// increasing, -1 when strictly decreasing, 0 otherwise.
func Monotonic(values []float64) int {
	if len(values) < 2 {
		return 0
	}
	up, down := true, true
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			up = false
		}
		if values[i] >= values[i-1] {
			down = false
		}
	}
	switch {
	case up:
		return 1
	case down:
		return -1
	}
	return 0
}

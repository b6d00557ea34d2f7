package monitor

import (
	"sync"
	"time"

	"github.com/newsdigest/watchtower/internal/models"
)

// findingLog is a fixed-capacity ring of the most recent findings.
type findingLog struct {
	mu    sync.Mutex
	buf   []models.Finding
	next  int
	count int
}

func newFindingLog(capacity int) *findingLog {
	if capacity < 1 {
		capacity = 1
	}
	return &findingLog{buf: make([]models.Finding, capacity)}
}

// Add overwrites the oldest finding once the ring is full.
func (l *findingLog) Add(f models.Finding) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = f
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// Since returns findings detected at or after cutoff, newest first.
func (l *findingLog) Since(cutoff time.Time) []models.Finding {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Finding, 0, l.count)
	for i := 1; i <= l.count; i++ {
		f := l.buf[(l.next-i+len(l.buf))%len(l.buf)]
		if f.DetectedAt.Before(cutoff) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (l *findingLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

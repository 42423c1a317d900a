package progress

import (
	"fmt"
	"sync"
	"time"
)

// Estimator derives elapsed time and ETA from finished task durations
type Estimator struct {
	mu        sync.RWMutex
	startTime time.Time
	durations []time.Duration
	maxSample int
	now       func() time.Time
}

// NewEstimator creates an estimator starting now
func NewEstimator() *Estimator {
	return &Estimator{
		startTime: time.Now(),
		maxSample: 20,
		now:       time.Now,
	}
}

// Reset restarts the clock and forgets past samples
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.startTime = e.now()
	e.durations = e.durations[:0]
}

// AddTask records how long one task took
func (e *Estimator) AddTask(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.durations = append(e.durations, d)
	if len(e.durations) > e.maxSample {
		e.durations = e.durations[1:]
	}
}

// Elapsed returns the time since the estimator started
func (e *Estimator) Elapsed() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.now().Sub(e.startTime)
}

// ETA estimates the time left for remaining tasks; zero when unknown
func (e *Estimator) ETA(remaining int) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if remaining <= 0 || len(e.durations) == 0 {
		return 0
	}

	var total time.Duration
	for _, d := range e.durations {
		total += d
	}
	return total / time.Duration(len(e.durations)) * time.Duration(remaining)
}

// Percent returns done/total as a percentage
func Percent(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

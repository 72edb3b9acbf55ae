package authkit

import "sync"

// MetricsRecorder counts auth events such as MetricLoginSuccess.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics is an in-process MetricsRecorder safe for concurrent use.
type CounterMetrics struct {
	mutex  sync.Mutex
	events map[string]int64
}

// NewCounterMetrics returns a recorder with every counter at zero.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{events: make(map[string]int64)}
}

// Increment increases the counter for event by one.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.events[event]++
}

// Count returns how many times event was recorded.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.events[event]
}

// Snapshot copies every counter.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	snapshot := make(map[string]int64, len(recorder.events))
	for event, count := range recorder.events {
		snapshot[event] = count
	}
	return snapshot
}

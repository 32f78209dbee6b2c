package core

import (
	"sync"
)

// errorMonitor tolerates up to maxErrCount consecutive recoverable errors
// per stage. A success on the stage clears its count.
type errorMonitor struct {
	mu          sync.RWMutex
	maxErrCount int
	errCount    map[string]int
	total       map[string]uint64
}

func NewErrorMonitor(maxErrCount int) *errorMonitor {
	return &errorMonitor{
		maxErrCount: maxErrCount,
		errCount:    make(map[string]int),
		total:       make(map[string]uint64),
	}
}

// AcceptErr records an error on stage and reports whether the stream may
// carry on.
func (em *errorMonitor) AcceptErr(stage string) bool {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.total[stage]++
	if em.errCount[stage] >= em.maxErrCount {
		return false
	}
	em.errCount[stage]++
	return true
}

func (em *errorMonitor) ClearErrCount(stage string) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.errCount[stage] = 0
}

// Total returns every error recorded on stage, accepted or not.
func (em *errorMonitor) Total(stage string) uint64 {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.total[stage]
}

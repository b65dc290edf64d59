// Package sysmetrics samples process CPU and system memory usage for the
// per-window resource averages.
package sysmetrics

import (
	"runtime"
	"sync"
	"time"
)

// Sample is one resource reading
type Sample struct {
	CPUPercent float64 // process CPU time over wall time, 0-100 across all cores
	MemoryMB   float64 // system memory in use
}

// Sampler computes CPU usage from the change in process CPU time between
// calls. The first call establishes the baseline and reports 0% CPU.
type Sampler struct {
	now     func() time.Time
	cpuTime func() (time.Duration, error)
	memory  func() (float64, error)
	numCPU  int

	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

// New creates a sampler for the current process
func New() *Sampler {
	return &Sampler{
		now:     time.Now,
		cpuTime: processCPUTime,
		memory:  memoryUsedMB,
		numCPU:  runtime.NumCPU(),
	}
}

// Sample reads current usage
func (s *Sampler) Sample() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpu, err := s.cpuTime()
	if err != nil {
		return Sample{}, err
	}
	mem, err := s.memory()
	if err != nil {
		return Sample{}, err
	}

	now := s.now()
	var percent float64
	if !s.lastWall.IsZero() {
		wall := now.Sub(s.lastWall)
		if wall > 0 && s.numCPU > 0 {
			percent = float64(cpu-s.lastCPU) / float64(wall) / float64(s.numCPU) * 100
		}
	}
	s.lastCPU = cpu
	s.lastWall = now

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return Sample{CPUPercent: percent, MemoryMB: mem}, nil
}

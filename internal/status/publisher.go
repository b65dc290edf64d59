// Package status keeps the read-side snapshot the presentation layer polls
// or subscribes to. Components push into the Publisher; nothing reads
// component internals.
package status

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/blinksync/internal/model"
)

// EnergyImpact is a coarse label derived from process CPU usage
type EnergyImpact string

const (
	EnergyUnknown EnergyImpact = ""
	EnergyLow     EnergyImpact = "low"
	EnergyMedium  EnergyImpact = "medium"
	EnergyHigh    EnergyImpact = "high"
)

// EnergyFromCPU maps a CPU percentage to a label: low below 20, high from 60
func EnergyFromCPU(cpuPercent float64) EnergyImpact {
	switch {
	case cpuPercent < 20:
		return EnergyLow
	case cpuPercent < 60:
		return EnergyMedium
	default:
		return EnergyHigh
	}
}

// Snapshot is an immutable view of the process state
type Snapshot struct {
	State           model.ConnectivityState `json:"state"`
	PendingCount    int                     `json:"pending_count"`
	LastBlinkRate   float64                 `json:"last_blink_rate"`
	LastWindowEnd   time.Time               `json:"last_window_end,omitzero"`
	LastAlert       *model.Alert            `json:"last_alert,omitempty"`
	StorageDegraded bool                    `json:"storage_degraded"`
	NeedsReauth     bool                    `json:"needs_reauth"`
	LastSync        time.Time               `json:"last_sync,omitzero"`
	CPUPercent      float64                 `json:"cpu_percent"`
	EnergyImpact    EnergyImpact            `json:"energy_impact,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// Publisher holds the current Snapshot. Reads never block writers.
type Publisher struct {
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[Snapshot]

	mu          sync.Mutex // serializes updates and subscriber changes
	nextID      int
	subscribers map[int]chan Snapshot
	alertSubs   map[int]chan model.Alert

	droppedAlerts atomic.Int64
}

// NewPublisher creates a publisher with an offline, empty snapshot
func NewPublisher(logger *slog.Logger) *Publisher {
	p := &Publisher{
		logger:      logger,
		now:         time.Now,
		subscribers: make(map[int]chan Snapshot),
		alertSubs:   make(map[int]chan model.Alert),
	}
	p.current.Store(&Snapshot{State: model.Offline, UpdatedAt: p.now()})
	return p
}

// Current returns the latest snapshot
func (p *Publisher) Current() Snapshot {
	return *p.current.Load()
}

// Subscribe returns a channel receiving every new snapshot, starting with
// the current one. A slow subscriber only ever misses intermediate
// snapshots, never the latest. Call the returned function to unsubscribe.
func (p *Publisher) Subscribe(buf int) (<-chan Snapshot, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Snapshot, buf)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subscribers[id] = ch
	ch <- p.Current()
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			close(ch)
			p.mu.Unlock()
		})
	}
}

// Alerts returns a channel receiving alerts raised after the call.
// Alerts are dropped for a subscriber whose channel is full.
func (p *Publisher) Alerts(buf int) (<-chan model.Alert, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan model.Alert, buf)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.alertSubs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.alertSubs, id)
			close(ch)
			p.mu.Unlock()
		})
	}
}

// DroppedAlerts returns how many alert deliveries were dropped
func (p *Publisher) DroppedAlerts() int64 {
	return p.droppedAlerts.Load()
}

// SetConnectivity publishes the sync engine state
func (p *Publisher) SetConnectivity(state model.ConnectivityState) {
	p.update(func(s *Snapshot) bool {
		if s.State == state {
			return false
		}
		s.State = state
		return true
	})
}

// SetPendingCount publishes the number of records not yet synced
func (p *Publisher) SetPendingCount(n int) {
	p.update(func(s *Snapshot) bool {
		if s.PendingCount == n {
			return false
		}
		s.PendingCount = n
		return true
	})
}

// SetStorageDegraded publishes buffer health and raises an alert when
// storage starts failing
func (p *Publisher) SetStorageDegraded(degraded bool) {
	raised := false
	p.update(func(s *Snapshot) bool {
		if s.StorageDegraded == degraded {
			return false
		}
		s.StorageDegraded = degraded
		raised = degraded
		return true
	})
	if raised {
		p.RaiseAlert(model.Alert{Kind: model.AlertStorageDegraded})
	}
}

// SetNeedsReauth publishes whether the remote rejected our credentials and
// raises an alert when that starts
func (p *Publisher) SetNeedsReauth(needed bool) {
	raised := false
	p.update(func(s *Snapshot) bool {
		if s.NeedsReauth == needed {
			return false
		}
		s.NeedsReauth = needed
		raised = needed
		return true
	})
	if raised {
		p.RaiseAlert(model.Alert{Kind: model.AlertNeedsReauth})
	}
}

// RecordWindow publishes the latest closed window
func (p *Publisher) RecordWindow(rec model.WindowRecord) {
	p.update(func(s *Snapshot) bool {
		s.LastBlinkRate = rec.BlinkRate
		s.LastWindowEnd = rec.WindowEnd
		return true
	})
}

// SetLastSync publishes the time of the last successful sync pass
func (p *Publisher) SetLastSync(at time.Time) {
	p.update(func(s *Snapshot) bool {
		s.LastSync = at
		return true
	})
}

// SetEnergyImpact publishes the latest CPU sample and its energy label
func (p *Publisher) SetEnergyImpact(cpuPercent float64) {
	label := EnergyFromCPU(cpuPercent)
	p.update(func(s *Snapshot) bool {
		if s.CPUPercent == cpuPercent && s.EnergyImpact == label {
			return false
		}
		s.CPUPercent = cpuPercent
		s.EnergyImpact = label
		return true
	})
}

// RaiseAlert records alert as the latest one and fans it out
func (p *Publisher) RaiseAlert(alert model.Alert) {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = p.now()
	}

	p.logger.Info("alert raised",
		"kind", alert.Kind,
		"blink_rate", alert.BlinkRate,
		"threshold", alert.Threshold,
		"window_start", alert.WindowStart)

	p.mu.Lock()
	defer p.mu.Unlock()

	a := alert
	p.apply(func(s *Snapshot) bool {
		s.LastAlert = &a
		return true
	})

	for _, ch := range p.alertSubs {
		select {
		case ch <- alert:
		default:
			p.droppedAlerts.Add(1)
			p.logger.Warn("alert subscriber full, dropping alert", "kind", alert.Kind)
		}
	}
}

func (p *Publisher) update(fn func(*Snapshot) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apply(fn)
}

// apply copies the snapshot, edits the copy and publishes it. Callers hold mu.
func (p *Publisher) apply(fn func(*Snapshot) bool) {
	next := *p.current.Load()
	if !fn(&next) {
		return
	}
	next.UpdatedAt = p.now()
	p.current.Store(&next)

	for _, ch := range p.subscribers {
		// Keep only the newest snapshot for a subscriber that fell behind
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

package aggregator

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/livinlefevreloca/blinksync/internal/detector"
	"github.com/livinlefevreloca/blinksync/internal/model"
	"github.com/livinlefevreloca/blinksync/internal/testutil"
)

// =============================================================================
// Test Helpers
// =============================================================================

// base is aligned to a minute boundary so offsets read as window seconds
var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type alertRecorder struct {
	alerts []model.Alert
}

func (r *alertRecorder) record(a model.Alert) {
	r.alerts = append(r.alerts, a)
}

func newTestAggregator(t *testing.T, config Config) (*Aggregator, *alertRecorder) {
	t.Helper()
	rec := &alertRecorder{}
	agg, err := New(config, "session-1", rec.record, testutil.NewTestLogger().Logger())
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}
	return agg, rec
}

func blinkAt(at time.Time) *detector.BlinkEvent {
	return &detector.BlinkEvent{At: at}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// =============================================================================
// Configuration Tests
// =============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero window", func(c *Config) { c.WindowDuration = 0 }},
		{"sub-second window", func(c *Config) { c.WindowDuration = 500 * time.Millisecond }},
		{"negative threshold", func(c *Config) { c.LowRateThreshold = -1 }},
		{"zero sample interval", func(c *Config) { c.SampleInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			if _, err := New(config, "s", nil, testutil.NewTestLogger().Logger()); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// =============================================================================
// Windowing Tests
// =============================================================================

// TestAggregator_ThreeBlinksOneWindow verifies events at 5s, 10s and 50s produce one record at the 60s boundary.
func TestAggregator_ThreeBlinksOneWindow(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	for _, sec := range []int{5, 10, 50} {
		at := base.Add(time.Duration(sec) * time.Second)
		if recs := agg.Tick(blinkAt(at), at); len(recs) != 0 {
			t.Fatalf("unexpected record before boundary at %ds", sec)
		}
	}

	recs := agg.Tick(nil, base.Add(60*time.Second))
	if len(recs) != 1 {
		t.Fatalf("expected 1 record at boundary, got %d", len(recs))
	}

	rec := recs[0]
	if rec.BlinkCount != 3 {
		t.Errorf("expected blink_count 3, got %d", rec.BlinkCount)
	}
	if !almostEqual(rec.BlinkRate, 3.0) {
		t.Errorf("expected blink_rate 3.0/min, got %v", rec.BlinkRate)
	}
	if !rec.WindowStart.Equal(base) || !rec.WindowEnd.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected window bounds %v - %v", rec.WindowStart, rec.WindowEnd)
	}
	if rec.LocalID == "" || rec.SessionID != "session-1" {
		t.Errorf("expected local id and session id, got %q %q", rec.LocalID, rec.SessionID)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("record failed validation: %v", err)
	}
}

func TestAggregator_AlignsToWallClock(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultConfig())

	// First observation mid-window still opens the aligned window
	first := base.Add(37 * time.Second)
	agg.Tick(blinkAt(first), first)

	recs := agg.Tick(nil, base.Add(time.Minute))
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if !recs[0].WindowStart.Equal(base) {
		t.Errorf("expected window aligned to %v, got %v", base, recs[0].WindowStart)
	}
}

func TestAggregator_GapProducesZeroRecords(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	recs := agg.Tick(nil, base.Add(3*time.Minute+10*time.Second))

	if len(recs) != 3 {
		t.Fatalf("expected 3 records for a 3-minute gap, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.BlinkCount != 0 || rec.BlinkRate != 0 {
			t.Errorf("window %d: expected zero blinks, got %d", i, rec.BlinkCount)
		}
		if i > 0 && !rec.WindowStart.Equal(recs[i-1].WindowEnd) {
			t.Errorf("window %d not contiguous with previous", i)
		}
	}
}

func TestAggregator_EventOnBoundaryCountsInNextWindow(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	boundary := base.Add(time.Minute)
	recs := agg.Tick(blinkAt(boundary), boundary)
	if len(recs) != 1 || recs[0].BlinkCount != 0 {
		t.Fatalf("expected empty first window, got %+v", recs)
	}

	recs = agg.Tick(nil, base.Add(2*time.Minute))
	if len(recs) != 1 || recs[0].BlinkCount != 1 {
		t.Fatalf("expected boundary blink in second window, got %+v", recs)
	}
}

// TestAggregator_SumOfCountsMatchesEvents verifies no blink is lost or double counted across windows.
func TestAggregator_SumOfCountsMatchesEvents(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	agg, _ := newTestAggregator(t, Config{WindowDuration: 10 * time.Second, SampleInterval: time.Second})

	at := base
	events := 0
	var records []model.WindowRecord
	for i := 0; i < 5000; i++ {
		at = at.Add(time.Duration(rng.Intn(400)) * time.Millisecond)
		var ev *detector.BlinkEvent
		if rng.Intn(4) == 0 {
			ev = blinkAt(at)
			events++
		}
		records = append(records, agg.Tick(ev, at)...)
	}
	records = append(records, agg.Close(at.Add(time.Millisecond))...)

	sum := 0
	for i, rec := range records {
		sum += rec.BlinkCount
		if err := rec.Validate(); err != nil {
			t.Fatalf("record %d invalid: %v", i, err)
		}
		if i > 0 && !rec.WindowStart.Equal(records[i-1].WindowEnd) {
			t.Fatalf("record %d overlaps or leaves a gap", i)
		}
	}
	if sum != events {
		t.Errorf("sum of blink counts = %d, want %d events", sum, events)
	}
	if agg.TotalBlinks() != events {
		t.Errorf("TotalBlinks = %d, want %d", agg.TotalBlinks(), events)
	}
}

func TestAggregator_SamplesAveraged(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	agg.Sample(10, 100)
	agg.Sample(30, 300)

	recs := agg.Tick(nil, base.Add(time.Minute))
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if !almostEqual(recs[0].CPUUsage, 20) || !almostEqual(recs[0].MemoryUsage, 200) {
		t.Errorf("expected averages 20/200, got %v/%v", recs[0].CPUUsage, recs[0].MemoryUsage)
	}

	// Samples reset with the window
	recs = agg.Tick(nil, base.Add(2*time.Minute))
	if recs[0].CPUUsage != 0 {
		t.Errorf("expected samples to reset, got cpu %v", recs[0].CPUUsage)
	}
}

func TestAggregator_ClosePartialWindow(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	at := base.Add(30 * time.Second)
	agg.Tick(blinkAt(at), at)

	recs := agg.Close(base.Add(30 * time.Second))
	if len(recs) != 1 {
		t.Fatalf("expected partial record, got %d", len(recs))
	}
	if !recs[0].WindowEnd.Equal(base.Add(30*time.Second)) || recs[0].BlinkCount != 1 {
		t.Errorf("unexpected partial record %+v", recs[0])
	}
	if !almostEqual(recs[0].BlinkRate, 2.0) {
		t.Errorf("expected rate over actual 30s length (2/min), got %v", recs[0].BlinkRate)
	}

	if recs := agg.Close(base.Add(40 * time.Second)); recs != nil {
		t.Errorf("closing twice should produce nothing, got %d records", len(recs))
	}
}

func TestAggregator_CloseOnBoundaryHasNoPartial(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	recs := agg.Close(base.Add(time.Minute))
	if len(recs) != 1 || !recs[0].WindowEnd.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected exactly the full window, got %+v", recs)
	}
}

// =============================================================================
// Alert Tests
// =============================================================================

// TestAggregator_LowRateAlertsOnce verifies a low window alerts exactly once even when re-checked.
func TestAggregator_LowRateAlertsOnce(t *testing.T) {
	agg, alerts := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	agg.Tick(blinkAt(base.Add(5*time.Second)), base.Add(5*time.Second))
	agg.Tick(blinkAt(base.Add(15*time.Second)), base.Add(15*time.Second))
	agg.Tick(nil, base.Add(time.Minute))

	for i := 0; i < 3; i++ {
		if agg.CheckAlert() {
			t.Error("re-check must not fire again")
		}
		agg.Tick(nil, base.Add(time.Minute+time.Duration(i+1)*time.Second))
	}

	if len(alerts.alerts) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(alerts.alerts))
	}
	a := alerts.alerts[0]
	if a.Kind != model.AlertLowBlinkRate || !almostEqual(a.BlinkRate, 2) || a.Threshold != 10 {
		t.Errorf("unexpected alert %+v", a)
	}
}

func TestAggregator_HealthyRateNoAlert(t *testing.T) {
	agg, alerts := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	for i := 0; i < 12; i++ {
		at := base.Add(time.Duration(i*5) * time.Second)
		agg.Tick(blinkAt(at), at)
	}
	agg.Tick(nil, base.Add(time.Minute))

	if len(alerts.alerts) != 0 {
		t.Errorf("expected no alert at 12/min, got %d", len(alerts.alerts))
	}
}

func TestAggregator_OneAlertPerWindow(t *testing.T) {
	agg, alerts := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	agg.Tick(nil, base.Add(time.Minute))
	agg.Tick(nil, base.Add(2*time.Minute))

	if len(alerts.alerts) != 2 {
		t.Fatalf("expected one alert per low window, got %d", len(alerts.alerts))
	}
}

func TestAggregator_BackfillAlertsOnlyLatest(t *testing.T) {
	agg, alerts := newTestAggregator(t, DefaultConfig())

	agg.Tick(nil, base)
	recs := agg.Tick(nil, base.Add(5*time.Minute))
	if len(recs) != 5 {
		t.Fatalf("expected 5 windows, got %d", len(recs))
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("expected a single alert for the backfill, got %d", len(alerts.alerts))
	}
	if !alerts.alerts[0].WindowStart.Equal(recs[4].WindowStart) {
		t.Errorf("expected alert for newest window")
	}
}

func TestAggregator_ThresholdZeroDisablesAlerts(t *testing.T) {
	config := DefaultConfig()
	config.LowRateThreshold = 0
	agg, alerts := newTestAggregator(t, config)

	agg.Tick(nil, base)
	agg.Tick(nil, base.Add(time.Minute))

	if len(alerts.alerts) != 0 {
		t.Errorf("expected alerts disabled, got %d", len(alerts.alerts))
	}
}

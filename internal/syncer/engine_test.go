package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/blinksync/internal/model"
	"github.com/livinlefevreloca/blinksync/internal/remote"
	"github.com/livinlefevreloca/blinksync/internal/testutil"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory buffer
type memStore struct {
	mu         sync.Mutex
	records    []model.WindowRecord
	compacted  int
	pendingErr error
	markErr    error
}

func newMemStore(n int) *memStore {
	s := &memStore{}
	for i := 0; i < n; i++ {
		start := base.Add(time.Duration(i) * time.Minute)
		s.records = append(s.records, model.WindowRecord{
			Seq:         int64(i + 1),
			LocalID:     fmt.Sprintf("rec-%03d", i),
			WindowStart: start,
			WindowEnd:   start.Add(time.Minute),
			BlinkCount:  15,
			BlinkRate:   15,
		})
	}
	return s
}

func (s *memStore) Pending(limit int) ([]model.WindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}
	out := []model.WindowRecord{}
	for _, rec := range s.records {
		if rec.Synced {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) MarkSynced(ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return 0, s.markErr
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	n := 0
	for i := range s.records {
		if want[s.records[i].LocalID] && !s.records[i].Synced {
			s.records[i].Synced = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) Compact() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	removed := 0
	for _, rec := range s.records {
		if rec.Synced {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	s.compacted += removed
	return removed, nil
}

func (s *memStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if !rec.Synced {
			n++
		}
	}
	return n
}

func (s *memStore) pendingIDs() []string {
	recs, _ := s.Pending(0)
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.LocalID)
	}
	return ids
}

// fakeRemote answers probes and uploads from scripted functions
type fakeRemote struct {
	mu      sync.Mutex
	probes  int
	batches [][]string
	probe   func(n int) error
	submit  func(ids []string) ([]string, error)
	auth    error
}

func (r *fakeRemote) Probe(ctx context.Context) error {
	r.mu.Lock()
	r.probes++
	n := r.probes
	probe := r.probe
	r.mu.Unlock()

	if probe == nil {
		return nil
	}
	return probe(n)
}

func (r *fakeRemote) SubmitBatch(ctx context.Context, recs []model.WindowRecord) ([]string, error) {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.LocalID)
	}

	r.mu.Lock()
	r.batches = append(r.batches, ids)
	submit := r.submit
	r.mu.Unlock()

	if submit == nil {
		return ids, nil
	}
	return submit(ids)
}

func (r *fakeRemote) CheckAuth(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.auth
}

func (r *fakeRemote) setAuth(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = err
}

func (r *fakeRemote) setProbe(probe func(n int) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probe = probe
}

func (r *fakeRemote) setSubmit(submit func(ids []string) ([]string, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submit = submit
}

func (r *fakeRemote) probeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probes
}

func (r *fakeRemote) batchLog() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func unavailable(int) error { return remote.ErrUnavailable }

// fakePublisher records what the engine publishes
type fakePublisher struct {
	mu          sync.Mutex
	states      []model.ConnectivityState
	pending     int
	needsReauth bool
	lastSync    time.Time
}

func (p *fakePublisher) SetConnectivity(state model.ConnectivityState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
}

func (p *fakePublisher) SetPendingCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = n
}

func (p *fakePublisher) SetNeedsReauth(needed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.needsReauth = needed
}

func (p *fakePublisher) SetLastSync(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSync = at
}

func (p *fakePublisher) path() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.states))
	for _, s := range p.states {
		out = append(out, s.String())
	}
	return out
}

func (p *fakePublisher) snapshot() (pending int, needsReauth bool, lastSync time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending, p.needsReauth, p.lastSync
}

func testConfig() Config {
	return Config{
		ProbeInterval:    time.Minute,
		MinRetryDelay:    5 * time.Second,
		MaxRetryDelay:    5 * time.Minute,
		BatchSize:        50,
		AttemptTimeout:   time.Second,
		CompactAfterSync: true,
	}
}

func newTestEngine(t *testing.T, config Config, store Store, client Remote) (*Engine, *fakePublisher, *testutil.MockClock) {
	t.Helper()
	publisher := &fakePublisher{}
	engine, err := New(config, store, client, publisher, testutil.NewTestLogger().Logger())
	require.NoError(t, err)

	clock := testutil.NewMockClock(base)
	engine.now = clock.Now
	return engine, publisher, clock
}

// ==============================================================================
// Configuration Tests
// ==============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero probe interval", func(c *Config) { c.ProbeInterval = 0 }},
		{"zero min retry", func(c *Config) { c.MinRetryDelay = 0 }},
		{"max below min", func(c *Config) { c.MaxRetryDelay = c.MinRetryDelay - time.Second }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero attempt timeout", func(c *Config) { c.AttemptTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			tt.modify(&config)
			_, err := New(config, newMemStore(0), &fakeRemote{}, &fakePublisher{}, testutil.NewTestLogger().Logger())
			assert.Error(t, err)
		})
	}
}

func TestNew_StartsOffline(t *testing.T) {
	engine, publisher, _ := newTestEngine(t, testConfig(), newMemStore(3), &fakeRemote{})

	assert.Equal(t, model.Offline, engine.State())
	assert.Equal(t, []string{"offline"}, publisher.path())
	pending, _, _ := publisher.snapshot()
	assert.Equal(t, 3, pending)
}

// ==============================================================================
// Backoff Tests
// ==============================================================================

func TestBackoff(t *testing.T) {
	minDelay, maxDelay := 5*time.Second, 60*time.Second

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second},
		{50, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d failures", tt.failures), func(t *testing.T) {
			got := backoff(tt.failures, minDelay, maxDelay)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, minDelay)
			assert.LessOrEqual(t, got, maxDelay)
		})
	}
}

// ==============================================================================
// State Machine Tests
// ==============================================================================

func TestEngine_Step_FiveRecordsSynced(t *testing.T) {
	store := newMemStore(5)
	client := &fakeRemote{}
	engine, publisher, clock := newTestEngine(t, testConfig(), store, client)

	delay := engine.Step(context.Background())

	assert.Equal(t, time.Minute, delay)
	assert.Equal(t, model.Online, engine.State())
	assert.Equal(t, []string{"offline", "online", "syncing", "online"}, publisher.path())
	assert.Equal(t, 0, store.PendingCount())
	assert.Equal(t, 5, store.compacted)

	require.Len(t, client.batchLog(), 1)
	assert.Equal(t, []string{"rec-000", "rec-001", "rec-002", "rec-003", "rec-004"}, client.batchLog()[0])

	pending, _, lastSync := publisher.snapshot()
	assert.Equal(t, 0, pending)
	assert.True(t, lastSync.Equal(clock.Now()))
	assert.Equal(t, int64(5), engine.Stats().Synced)
}

func TestEngine_Step_NothingPendingStaysOnline(t *testing.T) {
	client := &fakeRemote{}
	engine, publisher, _ := newTestEngine(t, testConfig(), newMemStore(0), client)

	assert.Equal(t, time.Minute, engine.Step(context.Background()))
	assert.Equal(t, model.Online, engine.State())
	assert.Equal(t, []string{"offline", "online"}, publisher.path())
	assert.Empty(t, client.batchLog())
}

func TestEngine_Step_DrainsInOrderedBatches(t *testing.T) {
	config := testConfig()
	config.BatchSize = 3
	store := newMemStore(7)
	client := &fakeRemote{}
	engine, _, _ := newTestEngine(t, config, store, client)

	engine.Step(context.Background())

	batches := client.batchLog()
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"rec-000", "rec-001", "rec-002"}, batches[0])
	assert.Equal(t, []string{"rec-003", "rec-004", "rec-005"}, batches[1])
	assert.Equal(t, []string{"rec-006"}, batches[2])
	assert.Equal(t, 0, store.PendingCount())
}

func TestEngine_Step_ProbeFailureStaysOffline(t *testing.T) {
	store := newMemStore(2)
	client := &fakeRemote{probe: unavailable}
	engine, publisher, _ := newTestEngine(t, testConfig(), store, client)

	delay := engine.Step(context.Background())

	assert.Equal(t, 5*time.Second, delay)
	assert.Equal(t, model.Offline, engine.State())
	assert.Equal(t, []string{"offline"}, publisher.path())
	assert.Empty(t, client.batchLog())
	assert.Equal(t, 2, store.PendingCount())
}

func TestEngine_Step_RetriesWithBackoffThenSucceeds(t *testing.T) {
	store := newMemStore(4)
	client := &fakeRemote{probe: unavailable}
	engine, _, clock := newTestEngine(t, testConfig(), store, client)

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, expected := range want {
		delay := engine.Step(context.Background())
		assert.Equal(t, expected, delay, "failure %d", i+1)
		assert.GreaterOrEqual(t, delay, testConfig().MinRetryDelay)
		assert.Equal(t, 4, store.PendingCount(), "records must survive failed attempts")
		clock.Advance(delay)
	}
	assert.Equal(t, 4, engine.Stats().ConsecutiveFailures)

	client.setProbe(nil)
	assert.Equal(t, time.Minute, engine.Step(context.Background()))
	assert.Equal(t, 0, store.PendingCount())
	assert.Equal(t, 0, engine.Stats().ConsecutiveFailures)
	assert.NoError(t, engine.Stats().LastError)

	// Backoff starts over after a success
	client.setProbe(unavailable)
	assert.Equal(t, 5*time.Second, engine.Step(context.Background()))
}

func TestEngine_Step_SubmitFailureKeepsRecords(t *testing.T) {
	store := newMemStore(3)
	client := &fakeRemote{submit: func([]string) ([]string, error) {
		return nil, remote.ErrUnavailable
	}}
	engine, publisher, _ := newTestEngine(t, testConfig(), store, client)

	delay := engine.Step(context.Background())

	assert.Equal(t, 5*time.Second, delay)
	assert.Equal(t, model.Offline, engine.State())
	assert.Equal(t, []string{"offline", "online", "syncing", "offline"}, publisher.path())
	assert.Equal(t, []string{"rec-000", "rec-001", "rec-002"}, store.pendingIDs())
	assert.ErrorIs(t, engine.Stats().LastError, remote.ErrUnavailable)
}

func TestEngine_Step_RejectionKeepsRecords(t *testing.T) {
	store := newMemStore(2)
	client := &fakeRemote{submit: func([]string) ([]string, error) {
		return nil, fmt.Errorf("%w: status 422", remote.ErrRejected)
	}}
	engine, _, _ := newTestEngine(t, testConfig(), store, client)

	engine.Step(context.Background())

	assert.Equal(t, model.Offline, engine.State())
	assert.Equal(t, 2, store.PendingCount())
}

func TestEngine_Step_UnauthorizedNeedsReauth(t *testing.T) {
	store := newMemStore(2)
	client := &fakeRemote{submit: func([]string) ([]string, error) {
		return nil, remote.ErrUnauthorized
	}}
	engine, publisher, _ := newTestEngine(t, testConfig(), store, client)

	engine.Step(context.Background())

	_, needsReauth, _ := publisher.snapshot()
	assert.True(t, needsReauth)
	assert.Equal(t, model.Offline, engine.State())
	assert.Equal(t, 2, store.PendingCount())

	// A fresh token clears the flag on the next accepted upload
	client.setSubmit(nil)
	engine.Step(context.Background())

	_, needsReauth, _ = publisher.snapshot()
	assert.False(t, needsReauth)
	assert.Equal(t, 0, store.PendingCount())
}

// TestEngine_Step_ReauthClearedWithNothingPending verifies a fresh login
// clears the flag even when no upload follows it
func TestEngine_Step_ReauthClearedWithNothingPending(t *testing.T) {
	store := newMemStore(1)
	client := &fakeRemote{
		submit: func([]string) ([]string, error) { return nil, remote.ErrUnauthorized },
		auth:   remote.ErrUnauthorized,
	}
	engine, publisher, _ := newTestEngine(t, testConfig(), store, client)

	engine.Step(context.Background())
	_, needsReauth, _ := publisher.snapshot()
	require.True(t, needsReauth)

	// Confirmed by a one-shot sync run with its own credentials
	_, err := store.MarkSynced([]string{"rec-000"})
	require.NoError(t, err)
	engine.Step(context.Background())
	_, needsReauth, _ = publisher.snapshot()
	assert.True(t, needsReauth, "the refused token is still in place")

	client.setAuth(nil)
	engine.Step(context.Background())

	_, needsReauth, _ = publisher.snapshot()
	assert.False(t, needsReauth)
	assert.Len(t, client.batchLog(), 1, "nothing was pending after the first pass")
	assert.Equal(t, model.Online, engine.State())
}

func TestEngine_Step_PartialAcceptance(t *testing.T) {
	config := testConfig()
	config.BatchSize = 3
	store := newMemStore(5)
	client := &fakeRemote{submit: func(ids []string) ([]string, error) {
		return []string{ids[0], ids[2]}, nil
	}}
	engine, _, _ := newTestEngine(t, config, store, client)

	delay := engine.Step(context.Background())

	assert.Equal(t, time.Minute, delay, "a partial batch is not a failure")
	assert.Equal(t, model.Online, engine.State())
	assert.Len(t, client.batchLog(), 1, "the pass stops at a partially confirmed batch")
	assert.Equal(t, []string{"rec-001", "rec-003", "rec-004"}, store.pendingIDs())
}

func TestEngine_Step_NothingConfirmedIsFailure(t *testing.T) {
	store := newMemStore(2)
	client := &fakeRemote{submit: func([]string) ([]string, error) {
		return []string{}, nil
	}}
	engine, _, _ := newTestEngine(t, testConfig(), store, client)

	assert.Equal(t, 5*time.Second, engine.Step(context.Background()))
	assert.ErrorIs(t, engine.Stats().LastError, ErrNothingConfirmed)
	assert.Equal(t, 2, store.PendingCount())
}

func TestEngine_Step_MarkSyncedFailure(t *testing.T) {
	store := newMemStore(2)
	store.markErr = errors.New("disk I/O error")
	engine, _, _ := newTestEngine(t, testConfig(), store, &fakeRemote{})

	assert.Equal(t, 5*time.Second, engine.Step(context.Background()))
	assert.Equal(t, model.Offline, engine.State())
	assert.Equal(t, 2, store.PendingCount(), "unconfirmed locally means resend later")
}

func TestEngine_Step_PendingReadFailure(t *testing.T) {
	store := newMemStore(2)
	store.pendingErr = errors.New("database is locked")
	client := &fakeRemote{}
	engine, _, _ := newTestEngine(t, testConfig(), store, client)

	assert.Equal(t, 5*time.Second, engine.Step(context.Background()))
	assert.Empty(t, client.batchLog())
}

func TestEngine_Step_CompactDisabled(t *testing.T) {
	config := testConfig()
	config.CompactAfterSync = false
	store := newMemStore(2)
	engine, _, _ := newTestEngine(t, config, store, &fakeRemote{})

	engine.Step(context.Background())

	assert.Equal(t, 0, store.compacted)
	assert.Len(t, store.records, 2)
	assert.Equal(t, 0, store.PendingCount())
}

func TestEngine_EarliestRetryHonorsFloor(t *testing.T) {
	engine, _, clock := newTestEngine(t, testConfig(), newMemStore(1), &fakeRemote{probe: unavailable})

	assert.True(t, engine.earliestRetry().Equal(clock.Now()), "no failure, no floor")

	engine.Step(context.Background())
	failedAt := clock.Now()

	clock.Advance(2 * time.Second)
	assert.True(t, engine.earliestRetry().Equal(failedAt.Add(5*time.Second)))

	clock.Advance(10 * time.Second)
	assert.True(t, engine.earliestRetry().Equal(clock.Now()))
}

// ==============================================================================
// Run Loop Tests
// ==============================================================================

func TestEngine_Run_NotifyTriggersImmediateAttempt(t *testing.T) {
	config := testConfig()
	config.ProbeInterval = time.Hour
	client := &fakeRemote{}
	engine, err := New(config, newMemStore(0), client, &fakePublisher{}, testutil.NewTestLogger().Logger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	testutil.WaitFor(t, func() bool { return client.probeCount() == 1 }, time.Second, "first attempt")

	engine.Notify()
	testutil.WaitFor(t, func() bool { return client.probeCount() == 2 }, time.Second, "notified attempt")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_Run_NotifyWaitsForFloor(t *testing.T) {
	config := testConfig()
	config.MinRetryDelay = 300 * time.Millisecond
	config.MaxRetryDelay = 300 * time.Millisecond
	client := &fakeRemote{probe: unavailable}
	engine, err := New(config, newMemStore(1), client, &fakePublisher{}, testutil.NewTestLogger().Logger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	testutil.WaitFor(t, func() bool { return engine.Stats().ConsecutiveFailures == 1 }, time.Second, "first failure")

	engine.Notify()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, client.probeCount(), "notification must not bypass the retry floor")

	testutil.WaitFor(t, func() bool { return client.probeCount() >= 2 }, time.Second, "retry after floor")
}

func TestEngine_Notify_Coalesces(t *testing.T) {
	engine, _, _ := newTestEngine(t, testConfig(), newMemStore(0), &fakeRemote{})

	for i := 0; i < 10; i++ {
		engine.Notify()
	}
	assert.Len(t, engine.notify, 1)
}

func TestEngine_SyncOnce_ReturnsError(t *testing.T) {
	engine, _, _ := newTestEngine(t, testConfig(), newMemStore(1), &fakeRemote{probe: unavailable})

	err := engine.SyncOnce(context.Background())
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}

//go:build linux

package netwatch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pilebones/go-udev/netlink"

	"github.com/livinlefevreloca/blinksync/internal/testutil"
)

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) Notify() {
	n.calls.Add(1)
}

func TestBuildMatcher(t *testing.T) {
	matcher := buildMatcher()

	tests := []struct {
		name   string
		action netlink.KObjAction
		env    map[string]string
		want   bool
	}{
		{"interface added", netlink.ADD, map[string]string{"SUBSYSTEM": "net", "INTERFACE": "wlan0"}, true},
		{"interface changed", netlink.CHANGE, map[string]string{"SUBSYSTEM": "net", "INTERFACE": "eth0"}, true},
		{"interface removed", netlink.REMOVE, map[string]string{"SUBSYSTEM": "net", "INTERFACE": "eth0"}, false},
		{"block device", netlink.ADD, map[string]string{"SUBSYSTEM": "block", "DEVNAME": "/dev/sda"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matcher.Evaluate(netlink.UEvent{Action: tt.action, Env: tt.env})
			if got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleEvent(t *testing.T) {
	notifier := &countingNotifier{}
	m := New(notifier, testutil.NewTestLogger().Logger())

	m.handleEvent(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "net", "INTERFACE": "wlan0"}})
	m.handleEvent(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "net", "INTERFACE": "lo"}})
	m.handleEvent(netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"SUBSYSTEM": "net"}})

	if got := notifier.calls.Load(); got != 1 {
		t.Errorf("Notify called %d times, want 1", got)
	}
}

func TestMonitor_NilSafe(t *testing.T) {
	var m *Monitor
	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start on nil monitor: %v", err)
	}
	m.Stop()
	if m.Running() {
		t.Error("nil monitor should not be running")
	}
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	m := New(&countingNotifier{}, testutil.NewTestLogger().Logger())
	m.Stop()
	m.Stop()
	if m.Running() {
		t.Error("expected monitor not running")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	m := New(&countingNotifier{}, testutil.NewTestLogger().Logger())

	// Connecting may fail without netlink access; either way Start succeeds
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	m.Stop()
	if m.Running() {
		t.Error("expected monitor stopped")
	}
}

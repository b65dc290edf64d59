//go:build linux

package netwatch

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/livinlefevreloca/blinksync/internal/testutil"
)

// =============================================================================
// Test Helpers
// =============================================================================

func nlmsg(kind uint16, body []byte) []byte {
	length := unix.NLMSG_HDRLEN + len(body)
	msg := make([]byte, nlmsgAlign(length))
	binary.NativeEndian.PutUint32(msg[0:4], uint32(length))
	binary.NativeEndian.PutUint16(msg[4:6], kind)
	copy(msg[unix.NLMSG_HDRLEN:], body)
	return msg
}

func ifinfo(index int32, flags uint32) []byte {
	b := make([]byte, unix.SizeofIfInfomsg)
	binary.NativeEndian.PutUint32(b[4:8], uint32(index))
	binary.NativeEndian.PutUint32(b[8:12], flags)
	return b
}

func ifaddr(index uint32, scope uint8) []byte {
	b := make([]byte, unix.SizeofIfAddrmsg)
	b[3] = scope
	binary.NativeEndian.PutUint32(b[4:8], index)
	return b
}

func concat(msgs ...[]byte) []byte {
	var out []byte
	for _, m := range msgs {
		out = append(out, m...)
	}
	return out
}

// =============================================================================
// Link Tracker Tests
// =============================================================================

func TestLinkTracker_RunningEdge(t *testing.T) {
	tracker := newLinkTracker()
	const up = unix.IFF_UP | unix.IFF_RUNNING

	steps := []struct {
		name  string
		msg   []byte
		wants int
	}{
		{"admin up without carrier", nlmsg(unix.RTM_NEWLINK, ifinfo(3, unix.IFF_UP)), 0},
		{"carrier acquired", nlmsg(unix.RTM_NEWLINK, ifinfo(3, up)), 1},
		{"still running", nlmsg(unix.RTM_NEWLINK, ifinfo(3, up)), 0},
		{"carrier lost", nlmsg(unix.RTM_NEWLINK, ifinfo(3, unix.IFF_UP)), 0},
		{"carrier back", nlmsg(unix.RTM_NEWLINK, ifinfo(3, up)), 1},
		{"interface removed", nlmsg(unix.RTM_DELLINK, ifinfo(3, 0)), 0},
		{"interface returns running", nlmsg(unix.RTM_NEWLINK, ifinfo(3, up)), 1},
		{"loopback", nlmsg(unix.RTM_NEWLINK, ifinfo(1, up|unix.IFF_LOOPBACK)), 0},
	}

	for _, step := range steps {
		if got := tracker.parse(step.msg); len(got) != step.wants {
			t.Errorf("%s: got %d events, want %d", step.name, len(got), step.wants)
		}
	}
}

func TestLinkTracker_Addresses(t *testing.T) {
	tracker := newLinkTracker()

	events := tracker.parse(nlmsg(unix.RTM_NEWADDR, ifaddr(4, unix.RT_SCOPE_UNIVERSE)))
	if len(events) != 1 || events[0].kind != "address" || events[0].index != 4 {
		t.Errorf("expected an address event on 4, got %+v", events)
	}

	if events := tracker.parse(nlmsg(unix.RTM_NEWADDR, ifaddr(4, unix.RT_SCOPE_LINK))); len(events) != 0 {
		t.Errorf("link-local address should be ignored, got %+v", events)
	}
	if events := tracker.parse(nlmsg(unix.RTM_NEWADDR, ifaddr(1, unix.RT_SCOPE_HOST))); len(events) != 0 {
		t.Errorf("host address should be ignored, got %+v", events)
	}
}

func TestLinkTracker_MultipleMessages(t *testing.T) {
	tracker := newLinkTracker()

	msg := concat(
		nlmsg(unix.RTM_NEWLINK, ifinfo(2, unix.IFF_UP|unix.IFF_RUNNING)),
		nlmsg(unix.RTM_NEWROUTE, make([]byte, unix.SizeofRtMsg)),
		nlmsg(unix.RTM_NEWADDR, ifaddr(2, unix.RT_SCOPE_UNIVERSE)),
	)

	events := tracker.parse(msg)
	if len(events) != 2 || events[0].kind != "link-up" || events[1].kind != "address" {
		t.Errorf("expected link-up then address, got %+v", events)
	}
}

func TestLinkTracker_Malformed(t *testing.T) {
	tracker := newLinkTracker()

	full := nlmsg(unix.RTM_NEWLINK, ifinfo(2, unix.IFF_RUNNING))
	cases := map[string][]byte{
		"empty":          nil,
		"short header":   full[:8],
		"truncated body": full[:unix.NLMSG_HDRLEN+4],
		"short ifinfo":   nlmsg(unix.RTM_NEWLINK, make([]byte, 4)),
		"short ifaddr":   nlmsg(unix.RTM_NEWADDR, make([]byte, 2)),
	}

	for name, msg := range cases {
		if events := tracker.parse(msg); len(events) != 0 {
			t.Errorf("%s: expected no events, got %+v", name, events)
		}
	}
}

func TestHandleLink(t *testing.T) {
	notifier := &countingNotifier{}
	logger := testutil.NewTestLogger()
	m := New(notifier, logger.Logger())

	m.handleLink(linkEvent{kind: "link-up", index: 3})

	if got := notifier.calls.Load(); got != 1 {
		t.Errorf("Notify called %d times, want 1", got)
	}
	if logger.CountMessage("network change detected") != 1 {
		t.Error("expected the change to be logged")
	}
}

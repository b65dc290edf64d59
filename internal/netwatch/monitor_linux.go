//go:build linux

package netwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"
)

// Monitor listens for udev events on the net subsystem and for rtnetlink
// link and address changes
type Monitor struct {
	logger   *slog.Logger
	notifier Notifier

	mu      sync.Mutex
	conn    *netlink.UEventConn
	link    *linkConn
	quit    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a monitor that calls notifier.Notify on network events
func New(notifier Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		logger:   logger,
		notifier: notifier,
	}
}

// Start begins listening. Failing to open the netlink sockets is not fatal:
// the sync engine still runs on its schedule.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to udev netlink socket", "error", err)
		conn = nil
	}
	link, err := dialLink()
	if err != nil {
		m.logger.Warn("failed to open rtnetlink socket", "error", err)
		link = nil
	}
	if conn == nil && link == nil {
		m.logger.Warn("no network event source; sync will only run on its schedule")
		return nil
	}

	m.conn = conn
	m.link = link
	m.quit = make(chan struct{})
	m.running = true

	if conn != nil {
		m.wg.Add(1)
		go m.monitorLoop(ctx, conn, m.quit)
	}
	if link != nil {
		m.wg.Add(1)
		go m.linkLoop(ctx, link, m.quit)
	}

	m.logger.Info("network monitor started")
	return nil
}

// Stop shuts the monitor down and waits for its loop to exit
func (m *Monitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.quit)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.link != nil {
		_ = m.link.Close()
		m.link = nil
	}
	m.mu.Unlock()

	m.logger.Info("network monitor stopped")
}

// Running reports whether the monitor is active
func (m *Monitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	defer m.wg.Done()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			m.logger.Warn("network monitor error", "error", err)
		}
	}
}

func (m *Monitor) linkLoop(ctx context.Context, link *linkConn, quit <-chan struct{}) {
	defer m.wg.Done()

	tracker := newLinkTracker()
	buf := make([]byte, 1<<16)
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		default:
		}

		msg, err := link.read(buf)
		if err != nil {
			m.logger.Warn("rtnetlink read failed", "error", err)
			select {
			case <-time.After(linkPollInterval):
			case <-quit:
				return
			}
			continue
		}
		for _, ev := range tracker.parse(msg) {
			m.handleLink(ev)
		}
	}
}

func (m *Monitor) handleLink(ev linkEvent) {
	m.logger.Info("network change detected",
		"event", ev.kind,
		"index", ev.index)

	if m.notifier != nil {
		m.notifier.Notify()
	}
}

// buildMatcher accepts interface add/change/move events on the net subsystem
func buildMatcher() netlink.Matcher {
	action := "^(add|change|move|online)$"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "^net$",
		},
	})
	return rules
}

func (m *Monitor) handleEvent(uevent netlink.UEvent) {
	iface := uevent.Env["INTERFACE"]
	if iface == "" || iface == "lo" {
		m.logger.Debug("ignoring network event",
			"action", string(uevent.Action),
			"interface", iface)
		return
	}

	m.logger.Info("network change detected",
		"action", string(uevent.Action),
		"interface", iface)

	if m.notifier != nil {
		m.notifier.Notify()
	}
}

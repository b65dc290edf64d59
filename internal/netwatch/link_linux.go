//go:build linux

package netwatch

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// udev reports interfaces appearing or being renamed. Carrier and address
// changes, such as Wi-Fi associating or a DHCP lease, only arrive on the
// rtnetlink groups.
const linkGroups = unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR

// linkPollInterval bounds how long Stop waits on a blocked read
const linkPollInterval = 500 * time.Millisecond

// linkConn is a route netlink socket subscribed to link and address changes
type linkConn struct {
	fd int
}

func dialLink() (*linkConn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: linkGroups}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	tv := unix.NsecToTimeval(linkPollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &linkConn{fd: fd}, nil
}

// read returns the next datagram, or nil when the poll interval passed
// without one
func (c *linkConn) read(buf []byte) ([]byte, error) {
	n, _, err := unix.Recvfrom(c.fd, buf, 0)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *linkConn) Close() error {
	return unix.Close(c.fd)
}

// linkEvent is one network-up signal decoded from rtnetlink
type linkEvent struct {
	kind  string // "link-up" or "address"
	index int32
}

// linkTracker remembers which interfaces were running so that only the
// transition to running counts
type linkTracker struct {
	running map[int32]bool
}

func newLinkTracker() *linkTracker {
	return &linkTracker{running: make(map[int32]bool)}
}

// parse returns the network-up events in one datagram. Malformed trailing
// data is ignored.
func (t *linkTracker) parse(msg []byte) []linkEvent {
	var events []linkEvent
	for len(msg) >= unix.NLMSG_HDRLEN {
		length := int(binary.NativeEndian.Uint32(msg[0:4]))
		kind := binary.NativeEndian.Uint16(msg[4:6])
		if length < unix.NLMSG_HDRLEN || length > len(msg) {
			break
		}
		body := msg[unix.NLMSG_HDRLEN:length]

		switch kind {
		case unix.RTM_NEWLINK:
			if ev, ok := t.link(body); ok {
				events = append(events, ev)
			}
		case unix.RTM_DELLINK:
			if len(body) >= unix.SizeofIfInfomsg {
				delete(t.running, int32(binary.NativeEndian.Uint32(body[4:8])))
			}
		case unix.RTM_NEWADDR:
			// Global addresses only; link-local ones appear before any route exists
			if len(body) >= unix.SizeofIfAddrmsg && body[3] == unix.RT_SCOPE_UNIVERSE {
				events = append(events, linkEvent{
					kind:  "address",
					index: int32(binary.NativeEndian.Uint32(body[4:8])),
				})
			}
		}

		next := nlmsgAlign(length)
		if next >= len(msg) {
			break
		}
		msg = msg[next:]
	}
	return events
}

// link decodes an ifinfomsg and reports a not-running to running edge
func (t *linkTracker) link(body []byte) (linkEvent, bool) {
	if len(body) < unix.SizeofIfInfomsg {
		return linkEvent{}, false
	}
	index := int32(binary.NativeEndian.Uint32(body[4:8]))
	flags := binary.NativeEndian.Uint32(body[8:12])
	if flags&unix.IFF_LOOPBACK != 0 {
		return linkEvent{}, false
	}

	up := flags&unix.IFF_RUNNING != 0
	was := t.running[index]
	t.running[index] = up
	return linkEvent{kind: "link-up", index: index}, up && !was
}

func nlmsgAlign(n int) int {
	return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1)
}

package udev

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultMonitorSocket is the well-known event channel address. A leading
// '@' selects the abstract socket namespace.
const DefaultMonitorSocket = "@/org/kernel/udev/monitor"

const (
	// receiveBufferSize is requested for SO_RCVBUF so that hot-plug bursts
	// do not overflow the socket before the caller drains it. The kernel
	// caps the effective size at rmem_max.
	receiveBufferSize = 8 << 20

	// eventSizeMax bounds one event datagram: an action header plus the
	// kernel's environment, which never exceeds a few kilobytes.
	eventSizeMax = 8192
)

// Monitor is one endpoint of the kernel event channel: a datagram socket
// whose every message describes one device event. Events are surfaced in
// exactly the order the kernel sent them; if the receive buffer overflows
// the kernel drops messages silently and nothing on the wire identifies
// the gap.
//
// The monitor never blocks and never starts work of its own; the caller
// multiplexes Fd with its other input sources and calls ReceiveDevice when
// it is readable. DeviceChan is the one convenience layered on top.
type Monitor struct {
	u       *Udev
	address string
	fd      int
	bound   bool
	closed  atomic.Bool
	buf     []byte
}

// NewMonitorFromSocket creates the monitor socket for the given address
// without binding it; call EnableReceiving before the first read. The
// address is a socket filesystem path, or an abstract-namespace name when
// it starts with '@'.
func (u *Udev) NewMonitorFromSocket(address string) (*Monitor, error) {
	if address == "" {
		address = DefaultMonitorSocket
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("creating monitor socket: %w", err)
	}
	return &Monitor{
		u:       u,
		address: address,
		fd:      fd,
		buf:     make([]byte, eventSizeMax),
	}, nil
}

// EnableReceiving binds the socket to its address and enlarges the receive
// buffer. A bind failure (address in use, inaccessible) is returned as-is;
// retrying is the caller's decision.
func (m *Monitor) EnableReceiving() error {
	if m.closed.Load() {
		return ErrClosed
	}
	// unix.Bind turns a leading '@' into the abstract-namespace NUL.
	if err := unix.Bind(m.fd, &unix.SockaddrUnix{Name: m.address}); err != nil {
		return fmt.Errorf("binding monitor socket %q: %w", m.address, err)
	}
	if err := unix.SetsockoptInt(m.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, receiveBufferSize); err != nil {
		m.u.log(LogPriorityErr, "setting monitor receive buffer: %v", err)
	}
	m.bound = true
	m.u.log(LogPriorityDebug, "monitor bound to %q", m.address)
	return nil
}

// Fd exposes the socket descriptor for readiness waiting in an external
// event loop.
func (m *Monitor) Fd() int {
	if m.closed.Load() {
		return -1
	}
	return m.fd
}

// ReceiveDevice performs one non-blocking read of one pending event
// message and decodes it into a Device. Returns ErrNoMessage when nothing
// is pending, ErrMalformedMessage when the one consumed datagram cannot be
// decoded (the monitor keeps receiving), and ErrClosed when the monitor is
// not receiving.
func (m *Monitor) ReceiveDevice() (*Device, error) {
	if m.closed.Load() || !m.bound {
		return nil, ErrClosed
	}
	n, _, err := unix.Recvfrom(m.fd, m.buf, 0)
	switch err {
	case nil:
	case unix.EAGAIN, unix.EINTR:
		return nil, ErrNoMessage
	default:
		if m.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("receiving event message: %w", err)
	}
	dev, err := m.u.deviceFromEventMessage(m.buf[:n])
	if err != nil {
		m.u.log(LogPriorityErr, "dropping event message (%d bytes): %v", n, err)
		return nil, ErrMalformedMessage
	}
	m.u.log(LogPriorityDebug, "received %s event for %s", dev.Action(), dev.Syspath())
	return dev, nil
}

// Close releases the socket. Further operations fail with ErrClosed.
func (m *Monitor) Close() error {
	if m.closed.Swap(true) {
		return ErrClosed
	}
	m.bound = false
	return unix.Close(m.fd)
}

// DeviceChan polls the monitor descriptor on a goroutine and forwards each
// decoded device until ctx is cancelled or the monitor is closed.
// Malformed messages are dropped; other receive failures go to the error
// channel and end the stream.
func (m *Monitor) DeviceChan(ctx context.Context) (<-chan *Device, <-chan error, error) {
	if m.closed.Load() || !m.bound {
		return nil, nil, ErrClosed
	}
	devCh := make(chan *Device)
	errCh := make(chan error, 1)
	go func() {
		defer close(devCh)
		fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
		for {
			if ctx.Err() != nil {
				return
			}
			fds[0].Revents = 0
			n, err := unix.Poll(fds, pollIntervalMs)
			if err != nil && err != unix.EINTR {
				errCh <- fmt.Errorf("polling monitor socket: %w", err)
				return
			}
			if n <= 0 {
				continue
			}
			for {
				dev, err := m.ReceiveDevice()
				switch err {
				case nil:
				case ErrMalformedMessage:
					continue
				case ErrNoMessage:
				default:
					errCh <- err
					return
				}
				if dev == nil {
					break
				}
				select {
				case devCh <- dev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return devCh, errCh, nil
}

// pollIntervalMs bounds how long the DeviceChan goroutine sleeps before
// noticing cancellation.
const pollIntervalMs = 250

// deviceFromEventMessage decodes one datagram from the event channel. The
// wire shape is "action@devpath" followed by NUL-separated KEY=VALUE
// pairs. The decode is self-sufficient: a "remove" event's sysfs entry is
// already gone, so nothing is re-read from the filesystem.
func (u *Udev) deviceFromEventMessage(data []byte) (*Device, error) {
	fields := bytes.Split(data, []byte{0})
	action, devpath, ok := strings.Cut(string(fields[0]), "@")
	if !ok || action == "" || !strings.HasPrefix(devpath, "/") {
		return nil, fmt.Errorf("bad event header %q", string(fields[0]))
	}
	d := &Device{
		u:       u,
		action:  action,
		devpath: devpath,
		syspath: u.sysPath + devpath,
		sysname: filepath.Base(devpath),
	}
	var major, minor uint64
	for _, field := range fields[1:] {
		if len(field) == 0 {
			continue
		}
		name, value, ok := strings.Cut(string(field), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("bad event property %q", string(field))
		}
		d.addProperty(name, value)
		switch name {
		case "SUBSYSTEM":
			d.subsystem = value
		case "DEVNAME":
			d.devnode = joinDevnode(u.devPath, value)
		case "DEVLINKS":
			for _, link := range strings.Fields(value) {
				d.devlinks = append(d.devlinks, joinDevnode(u.devPath, link))
			}
		case "MAJOR":
			major, _ = strconv.ParseUint(value, 10, 32)
		case "MINOR":
			minor, _ = strconv.ParseUint(value, 10, 32)
		case "DRIVER":
			d.driver = value
		case "PHYSDEVDRIVER":
			// Older kernels announce the driver on the physical parent.
			if d.driver == "" {
				d.driver = value
			}
		}
	}
	if major != 0 || minor != 0 {
		d.devnum = Devnum{devnumType(d.subsystem), uint32(major), uint32(minor)}
	}
	return d, nil
}

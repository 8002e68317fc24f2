// Package udev is a pure-Go read side for the kernel device tree: it
// resolves sysfs directories into Device snapshots, enumerates devices by
// subsystem and receives live device events from the udev monitor socket.
package udev

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"k8s.io/klog/v2"
)

// Log priorities, matching syslog severities.
const (
	LogPriorityErr   = 3
	LogPriorityInfo  = 6
	LogPriorityDebug = 7
)

var (
	// ErrNotFound is returned when a resolution target does not exist or
	// the directory is not a device.
	ErrNotFound = errors.New("device not found")

	// ErrClosed is returned for operations on a monitor that is not in
	// the receiving state (closed, or never bound).
	ErrClosed = errors.New("monitor closed")

	// ErrNoMessage is returned by ReceiveDevice when no datagram is
	// pending. It is indistinguishable from events having been dropped by
	// the kernel under receive-buffer overflow; the socket carries no
	// sequence information to tell the two apart.
	ErrNoMessage = errors.New("no message available")

	// ErrMalformedMessage is returned when a single event datagram cannot
	// be decoded. The datagram is consumed and dropped; the monitor keeps
	// receiving.
	ErrMalformedMessage = errors.New("malformed event message")
)

// LogFunc is the diagnostic sink: it receives the severity, the source
// location of the diagnostic and the formatted message. It must not affect
// control flow.
type LogFunc func(priority int, file string, line int, fn string, msg string)

// Udev is the process-wide context: the roots of the sysfs and /dev trees
// plus the diagnostic sink. Construct one with New and share it read-only;
// both roots are fixed at construction.
type Udev struct {
	sysPath     string
	devPath     string
	logPriority int
	logFn       LogFunc
}

type Option func(*Udev)

// WithSysPath overrides the device-description tree root (default /sys).
func WithSysPath(path string) Option {
	return func(u *Udev) { u.sysPath = path }
}

// WithDevPath overrides the device-node tree root (default /dev).
func WithDevPath(path string) Option {
	return func(u *Udev) { u.devPath = path }
}

// WithLogFunc replaces the default klog-backed diagnostic sink.
func WithLogFunc(fn LogFunc) Option {
	return func(u *Udev) { u.logFn = fn }
}

// WithLogPriority sets the minimum severity passed to the sink.
func WithLogPriority(priority int) Option {
	return func(u *Udev) { u.logPriority = priority }
}

func New(opts ...Option) *Udev {
	u := &Udev{
		sysPath:     "/sys",
		devPath:     "/dev",
		logPriority: LogPriorityErr,
		logFn:       klogSink,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	u.sysPath = filepath.Clean(u.sysPath)
	u.devPath = filepath.Clean(u.devPath)
	return u
}

func (u *Udev) SysPath() string { return u.sysPath }

func (u *Udev) DevPath() string { return u.devPath }

func (u *Udev) LogPriority() int { return u.logPriority }

func (u *Udev) SetLogPriority(priority int) { u.logPriority = priority }

func (u *Udev) log(priority int, format string, args ...any) {
	if priority > u.logPriority || u.logFn == nil {
		return
	}
	fn := "?"
	pc, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "?", 0
	} else if f := runtime.FuncForPC(pc); f != nil {
		name := f.Name()
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		fn = name
	}
	u.logFn(priority, filepath.Base(file), line, fn, fmt.Sprintf(format, args...))
}

func klogSink(priority int, file string, line int, fn string, msg string) {
	if priority <= LogPriorityErr {
		klog.Errorf("%s:%d %s: %s", file, line, fn, msg)
		return
	}
	klog.V(5).Infof("%s:%d %s: %s", file, line, fn, msg)
}

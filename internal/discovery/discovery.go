// Package discovery keeps a live registry of devices: an initial
// enumeration snapshot updated by events from the monitor socket, fanned
// out to subscribers.
package discovery

import (
	"github.com/rpurdie/udev-view/internal/mux"
	"github.com/rpurdie/udev-view/internal/udev"
)

type Event interface {
	eventSealed()
}

// Init carries the full registry state and is always the first event a new
// subscriber sees.
type Init struct {
	Devices []*udev.Device
}

func (Init) eventSealed() {}

type Added struct {
	*udev.Device
}

func (Added) eventSealed() {}

type Removed struct {
	*udev.Device
}

func (Removed) eventSealed() {}

type Changed struct {
	*udev.Device
}

func (Changed) eventSealed() {}

// Slice is a live, filtered view: each change to the matching set emits
// the whole set.
type Slice interface {
	mux.Source[[]*udev.Device]
	Close()
}

type Discovery interface {
	mux.Source[Event]
	DeviceBySyspath(string) *udev.Device
	State(mux.FilterFunc[*udev.Device]) map[string]*udev.Device
	Slice(mux.FilterFunc[*udev.Device]) Slice
	Close()
}

// SubsystemIs matches devices of one subsystem.
func SubsystemIs(subsystem string) mux.FilterFunc[*udev.Device] {
	return func(d *udev.Device) bool {
		return d != nil && d.Subsystem() == subsystem
	}
}

// HasDevnode matches devices backed by a device special file.
func HasDevnode() mux.FilterFunc[*udev.Device] {
	return func(d *udev.Device) bool {
		return d != nil && d.Devnode() != ""
	}
}

// PropertyIs matches devices carrying the given property value, looked up
// through parents.
func PropertyIs(name, value string) mux.FilterFunc[*udev.Device] {
	return func(d *udev.Device) bool {
		return d != nil && d.PropertyLookup(name) == value
	}
}

package udev

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ueventMarker is the file whose presence marks a sysfs directory as a
// device.
const ueventMarker = "uevent"

// isDeviceDir reports whether path is a directory carrying the uevent
// marker.
func isDeviceDir(path string) bool {
	fi, err := os.Stat(filepath.Join(path, ueventMarker))
	return err == nil && fi.Mode().IsRegular()
}

// NewDeviceFromSyspath resolves a device from its sysfs path. The path may
// be absolute under the sys root, or a root-relative short form such as
// "/devices/virtual/mem/null". Returns ErrNotFound when the directory does
// not exist or lacks the uevent marker.
func (u *Udev) NewDeviceFromSyspath(syspath string) (*Device, error) {
	syspath = filepath.Clean(syspath)
	if !strings.HasPrefix(syspath, u.sysPath+"/") {
		syspath = filepath.Join(u.sysPath, syspath)
	}
	if !isDeviceDir(syspath) {
		return nil, fmt.Errorf("%s: %w", syspath, ErrNotFound)
	}
	return u.newDeviceFromDeviceDir(syspath), nil
}

// NewDeviceFromDevnum resolves a device from its node number. dtype is 'b'
// for block or 'c' for character devices. The lookup goes through the
// kernel's devnum index (dev/block and dev/char symlinks under the sys
// root), one readlink per call.
func (u *Udev) NewDeviceFromDevnum(dtype byte, major, minor uint32) (*Device, error) {
	var kind string
	switch dtype {
	case 'b':
		kind = "block"
	case 'c':
		kind = "char"
	default:
		return nil, fmt.Errorf("devnum type %q: %w", string(dtype), ErrNotFound)
	}
	index := filepath.Join(u.sysPath, "dev", kind, Devnum{dtype, major, minor}.String())
	syspath, err := filepath.EvalSymlinks(index)
	if err != nil {
		return nil, fmt.Errorf("devnum %s %d:%d: %w", kind, major, minor, ErrNotFound)
	}
	return u.NewDeviceFromSyspath(syspath)
}

// NewDeviceFromSubsystemSysname resolves a device from a subsystem name and
// the device's sysname, probing the subsystem's well-known locations.
func (u *Udev) NewDeviceFromSubsystemSysname(subsystem, sysname string) (*Device, error) {
	candidates := []string{
		filepath.Join(u.sysPath, "bus", subsystem, "devices", sysname),
		filepath.Join(u.sysPath, "class", subsystem, sysname),
	}
	for _, candidate := range candidates {
		syspath, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		if !isDeviceDir(syspath) {
			continue
		}
		return u.newDeviceFromDeviceDir(syspath), nil
	}
	return nil, fmt.Errorf("%s/%s: %w", subsystem, sysname, ErrNotFound)
}

// parentOf walks ancestor directories of syspath until one qualifies as a
// device. The walk strictly shortens the path, so it terminates within
// depth(syspath) steps and never revisits a path.
func (u *Udev) parentOf(syspath string) *Device {
	path := syspath
	for {
		path = filepath.Dir(path)
		if !strings.HasPrefix(path, u.sysPath+"/") {
			return nil
		}
		if isDeviceDir(path) {
			return u.newDeviceFromDeviceDir(path)
		}
	}
}

// newDeviceFromDeviceDir builds the snapshot for a directory already known
// to carry the uevent marker.
func (u *Udev) newDeviceFromDeviceDir(syspath string) *Device {
	d := &Device{
		u:       u,
		syspath: syspath,
		devpath: strings.TrimPrefix(syspath, u.sysPath),
		sysname: filepath.Base(syspath),
	}
	if target, err := os.Readlink(filepath.Join(syspath, "subsystem")); err == nil {
		d.subsystem = filepath.Base(target)
	}
	if target, err := os.Readlink(filepath.Join(syspath, "driver")); err == nil {
		d.driver = filepath.Base(target)
	}
	u.parseUeventFile(d)
	return d
}

// parseUeventFile loads the device's uevent file into the ordered property
// map and derives devnode and devnum from it.
func (u *Udev) parseUeventFile(d *Device) {
	f, err := os.Open(filepath.Join(d.syspath, ueventMarker))
	if err != nil {
		u.log(LogPriorityErr, "opening %s uevent: %v", d.syspath, err)
		return
	}
	defer f.Close()

	var major, minor uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok || name == "" {
			continue
		}
		d.addProperty(name, value)
		switch name {
		case "DEVNAME":
			d.devnode = joinDevnode(u.devPath, value)
		case "MAJOR":
			major, _ = strconv.ParseUint(value, 10, 32)
		case "MINOR":
			minor, _ = strconv.ParseUint(value, 10, 32)
		}
	}
	if err := scanner.Err(); err != nil {
		u.log(LogPriorityErr, "reading %s uevent: %v", d.syspath, err)
	}
	if major != 0 || minor != 0 {
		d.devnum = Devnum{devnumType(d.subsystem), uint32(major), uint32(minor)}
	}
}

func devnumType(subsystem string) byte {
	if subsystem == "block" {
		return 'b'
	}
	return 'c'
}

// joinDevnode anchors a DEVNAME value under the dev root. Kernel uevent
// files carry it root-relative; event messages may carry it absolute.
func joinDevnode(devPath, name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(devPath, name)
}

package udev

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Device actions as carried by kernel events. ActionAbsent is reported for
// devices that were resolved from the filesystem rather than from an event.
const (
	ActionAdd     = "add"
	ActionRemove  = "remove"
	ActionChange  = "change"
	ActionOnline  = "online"
	ActionOffline = "offline"
	ActionMove    = "move"
	ActionAbsent  = "absent"
)

// Devnum identifies a device node: 'b' or 'c' plus the major:minor pair.
type Devnum struct {
	Type  byte
	Major uint32
	Minor uint32
}

func (n Devnum) IsZero() bool {
	return n.Major == 0 && n.Minor == 0
}

func (n Devnum) String() string {
	return uitoa(n.Major) + ":" + uitoa(n.Minor)
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// attrSizeMax bounds a single attribute read. Sysfs attributes are
// page-sized; anything larger is not a singular value.
const attrSizeMax = 4096

// Device is a snapshot of one kernel device, taken either from its sysfs
// directory or from a monitor event message. All fields except the sysattr
// cache are populated at construction; a Device never re-reads kernel state
// after that, so two snapshots of the same syspath taken at different times
// may disagree.
type Device struct {
	u *Udev

	syspath   string
	devpath   string
	sysname   string
	subsystem string
	driver    string
	devnode   string
	devnum    Devnum
	action    string

	devlinks []string

	propKeys []string
	props    map[string]string

	sysattrs map[string]string
}

// Syspath is the canonical absolute path of the device under the context's
// sys root. It uniquely identifies the device at snapshot time.
func (d *Device) Syspath() string { return d.syspath }

// Devpath is the syspath with the sys root stripped.
func (d *Device) Devpath() string { return d.devpath }

func (d *Device) Sysname() string { return d.sysname }

func (d *Device) Subsystem() string { return d.subsystem }

func (d *Device) Driver() string { return d.driver }

// Devnode is the path of the device special file under the context's dev
// root, or "" when the device has no node.
func (d *Device) Devnode() string { return d.devnode }

func (d *Device) Devnum() Devnum { return d.devnum }

// Action is the event tag this snapshot was built from, or ActionAbsent for
// snapshots resolved from the filesystem.
func (d *Device) Action() string {
	if d.action == "" {
		return ActionAbsent
	}
	return d.action
}

// Devlinks returns the symbolic links aliasing the device node, in the
// order they were announced. Only event-sourced devices carry links; the
// on-disk link database is not read.
func (d *Device) Devlinks() []string {
	links := make([]string, len(d.devlinks))
	copy(links, d.devlinks)
	return links
}

// PropertyNames returns the property keys in insertion order.
func (d *Device) PropertyNames() []string {
	names := make([]string, len(d.propKeys))
	copy(names, d.propKeys)
	return names
}

func (d *Device) PropertyValue(name string) string {
	return d.props[name]
}

// PropertyLookup returns the named property of this device or, when unset,
// of the nearest ancestor that defines it.
func (d *Device) PropertyLookup(name string) string {
	if v := d.PropertyValue(name); v != "" {
		return v
	}
	if parent := d.Parent(); parent != nil {
		return parent.PropertyLookup(name)
	}
	return ""
}

// addProperty records name=value, keeping the first-seen key position when
// a key repeats.
func (d *Device) addProperty(name, value string) {
	if d.props == nil {
		d.props = make(map[string]string)
	}
	if _, seen := d.props[name]; !seen {
		d.propKeys = append(d.propKeys, name)
	}
	d.props[name] = value
}

// SysattrValue reads the named attribute file under the device's syspath,
// with the trailing newline trimmed. The first read is cached for the
// lifetime of this snapshot; later reads return the cached value even if
// the kernel value changed. Symlink attributes (driver, subsystem, ...)
// resolve to the link target's base name. Returns "" for missing,
// directory or oversized attributes.
func (d *Device) SysattrValue(name string) string {
	if v, ok := d.sysattrs[name]; ok {
		return v
	}
	path := filepath.Join(d.syspath, name)
	fi, err := os.Lstat(path)
	if err != nil {
		return ""
	}
	var value string
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return ""
		}
		value = filepath.Base(target)
	case fi.IsDir():
		return ""
	case fi.Mode().IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return ""
		}
		data, err := io.ReadAll(io.LimitReader(f, attrSizeMax))
		f.Close()
		if err != nil {
			d.u.log(LogPriorityErr, "reading sysattr %s: %v", path, err)
			return ""
		}
		value = strings.TrimSuffix(string(data), "\n")
	default:
		return ""
	}
	if d.sysattrs == nil {
		d.sysattrs = make(map[string]string)
	}
	d.sysattrs[name] = value
	return value
}

// SysattrLookup returns the named attribute of this device or of the
// nearest ancestor that has it.
func (d *Device) SysattrLookup(name string) string {
	if v := d.SysattrValue(name); v != "" {
		return v
	}
	if parent := d.Parent(); parent != nil {
		return parent.SysattrLookup(name)
	}
	return ""
}

// Parent resolves the device's parent by shortening the syspath to the
// nearest ancestor directory that is itself a device, or nil when the sys
// root is reached first. Each call re-derives the parent from current
// kernel state; parents are independent snapshots, never shared.
func (d *Device) Parent() *Device {
	return d.u.parentOf(d.syspath)
}

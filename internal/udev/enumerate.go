package udev

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Enumerate walks the sys root's class and bus hierarchies and collects the
// devices whose subsystem matches one of the added filters (all subsystems
// when none were added). Results keep directory-listing order; duplicate
// aliases of the same device are suppressed on first sight.
type Enumerate struct {
	u          *Udev
	subsystems []string
}

func (u *Udev) NewEnumerate() *Enumerate {
	return &Enumerate{u: u}
}

func (e *Enumerate) AddMatchSubsystem(subsystem string) *Enumerate {
	e.subsystems = append(e.subsystems, subsystem)
	return e
}

// Syspaths returns the matching device paths in visitation order, without
// duplicates. Entries that vanish or turn out not to be devices between
// listing and inspection are skipped with a diagnostic; only a failure to
// list a hierarchy root is an error.
func (e *Enumerate) Syspaths() ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	add := func(dir string) error {
		names, err := readDirNames(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		for _, name := range names {
			syspath, err := filepath.EvalSymlinks(filepath.Join(dir, name))
			if err != nil {
				e.u.log(LogPriorityInfo, "device %s/%s vanished during enumeration: %v", dir, name, err)
				continue
			}
			if !isDeviceDir(syspath) {
				continue
			}
			if seen[syspath] {
				continue
			}
			seen[syspath] = true
			result = append(result, syspath)
		}
		return nil
	}

	classSubsystems := e.subsystems
	busSubsystems := e.subsystems
	if len(e.subsystems) == 0 {
		var err error
		if classSubsystems, err = readDirNames(filepath.Join(e.u.sysPath, "class")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if busSubsystems, err = readDirNames(filepath.Join(e.u.sysPath, "bus")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	for _, subsystem := range classSubsystems {
		if err := add(filepath.Join(e.u.sysPath, "class", subsystem)); err != nil {
			return nil, err
		}
	}
	for _, subsystem := range busSubsystems {
		if err := add(filepath.Join(e.u.sysPath, "bus", subsystem, "devices")); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Devices resolves the collected syspaths into snapshots. A device that
// vanishes between collection and resolution is skipped.
func (e *Enumerate) Devices() ([]*Device, error) {
	syspaths, err := e.Syspaths()
	if err != nil {
		return nil, err
	}
	devices := make([]*Device, 0, len(syspaths))
	for _, syspath := range syspaths {
		dev, err := e.u.NewDeviceFromSyspath(syspath)
		if err != nil {
			e.u.log(LogPriorityInfo, "device %s vanished during enumeration: %v", syspath, err)
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// readDirNames lists dir without sorting, preserving the order the
// directory stream yields. Duplicate suppression in Syspaths relies on
// first-seen order, so the listing must not be re-sorted.
func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

package udev_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rpurdie/udev-view/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Enumerate", func() {
	var tree *fakeTree
	var u *udev.Udev
	var diagnostics []string

	BeforeEach(func() {
		tree = newFakeTree()
		diagnostics = nil
		capture := func(priority int, file string, line int, fn string, msg string) {
			diagnostics = append(diagnostics, fmt.Sprintf("%d %s", priority, msg))
		}
		u = udev.New(
			udev.WithSysPath(tree.sysRoot),
			udev.WithDevPath(tree.devRoot),
			udev.WithLogFunc(capture),
			udev.WithLogPriority(udev.LogPriorityDebug),
		)
	})

	It("returns every device without a filter", func() {
		syspaths, err := u.NewEnumerate().Syspaths()
		Expect(err).NotTo(HaveOccurred())
		Expect(syspaths).To(ConsistOf(
			tree.syspath("devices/virtual/mem/null"),
			tree.syspath("devices/pci0"),
			tree.syspath("devices/pci0/sda"),
		))
	})

	It("suppresses duplicates when a device is aliased in several hierarchies", func() {
		// null is reachable via class/mem and bus/mem/devices.
		syspaths, err := u.NewEnumerate().Syspaths()
		Expect(err).NotTo(HaveOccurred())
		count := 0
		for _, syspath := range syspaths {
			if syspath == tree.syspath("devices/virtual/mem/null") {
				count++
			}
		}
		Expect(count).To(Equal(1))
	})

	It("restricts results to the filtered subsystems", func() {
		devs, err := u.NewEnumerate().AddMatchSubsystem("block").Devices()
		Expect(err).NotTo(HaveOccurred())
		Expect(devs).To(HaveLen(1))
		Expect(devs[0].Subsystem()).To(Equal("block"))
		Expect(devs[0].Sysname()).To(Equal("sda"))
	})

	It("returns a superset of any filtered result when unfiltered", func() {
		all, err := u.NewEnumerate().Syspaths()
		Expect(err).NotTo(HaveOccurred())
		filtered, err := u.NewEnumerate().AddMatchSubsystem("block").AddMatchSubsystem("mem").Syspaths()
		Expect(err).NotTo(HaveOccurred())
		Expect(len(all)).To(BeNumerically(">=", len(filtered)))
		for _, syspath := range filtered {
			Expect(all).To(ContainElement(syspath))
		}
	})

	It("accepts filters for subsystems that do not exist", func() {
		syspaths, err := u.NewEnumerate().AddMatchSubsystem("nosuch").Syspaths()
		Expect(err).NotTo(HaveOccurred())
		Expect(syspaths).To(BeEmpty())
	})

	It("skips devices that vanished between listing and inspection", func() {
		// A dangling class entry stands in for a device deleted mid-walk.
		Expect(os.Symlink(
			tree.syspath("devices/virtual/mem/gone"),
			filepath.Join(tree.sysRoot, "class", "mem", "gone"),
		)).To(Succeed())

		syspaths, err := u.NewEnumerate().AddMatchSubsystem("mem").Syspaths()
		Expect(err).NotTo(HaveOccurred())
		Expect(syspaths).To(ConsistOf(tree.syspath("devices/virtual/mem/null")))

		vanished := 0
		for _, diag := range diagnostics {
			if strings.Contains(diag, "vanished") {
				vanished++
			}
		}
		Expect(vanished).To(Equal(1))
	})
})

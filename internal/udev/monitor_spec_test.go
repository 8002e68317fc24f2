package udev_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rpurdie/udev-view/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// sendMessage delivers one raw event datagram to the monitor address.
func sendMessage(address string, payload []byte) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	Expect(err).NotTo(HaveOccurred())
	defer unix.Close(fd)
	Expect(unix.Sendto(fd, payload, 0, &unix.SockaddrUnix{Name: address})).To(Succeed())
}

// event assembles an "action@devpath" datagram with NUL-separated
// properties.
func event(action, devpath string, properties ...string) []byte {
	parts := append([]string{action + "@" + devpath}, properties...)
	return []byte(strings.Join(parts, "\x00") + "\x00")
}

var _ = Describe("Monitor", func() {
	var tree *fakeTree
	var u *udev.Udev
	var address string

	BeforeEach(func() {
		tree = newFakeTree()
		u = udev.New(udev.WithSysPath(tree.sysRoot), udev.WithDevPath(tree.devRoot))
		address = filepath.Join(GinkgoT().TempDir(), "monitor.sock")
	})

	newBoundMonitor := func() *udev.Monitor {
		mon, err := u.NewMonitorFromSocket(address)
		Expect(err).NotTo(HaveOccurred())
		Expect(mon.EnableReceiving()).To(Succeed())
		return mon
	}

	Context("binding", func() {
		It("binds a filesystem-path address", func() {
			mon := newBoundMonitor()
			defer mon.Close()
			Expect(mon.Fd()).To(BeNumerically(">=", 0))
		})

		It("binds an abstract-namespace address", func() {
			abstract := fmt.Sprintf("@udev-view-test-%d-%d", GinkgoRandomSeed(), GinkgoParallelProcess())
			mon, err := u.NewMonitorFromSocket(abstract)
			Expect(err).NotTo(HaveOccurred())
			defer mon.Close()
			Expect(mon.EnableReceiving()).To(Succeed())
		})

		It("reports a bind failure without retrying", func() {
			first := newBoundMonitor()
			defer first.Close()

			second, err := u.NewMonitorFromSocket(address)
			Expect(err).NotTo(HaveOccurred())
			defer second.Close()
			Expect(second.EnableReceiving()).To(MatchError(ContainSubstring("binding monitor socket")))
		})
	})

	Context("receiving", func() {
		It("returns ErrNoMessage when nothing is pending", func() {
			mon := newBoundMonitor()
			defer mon.Close()
			_, err := mon.ReceiveDevice()
			Expect(err).To(MatchError(udev.ErrNoMessage))
		})

		It("decodes one event per datagram, self-sufficiently", func() {
			mon := newBoundMonitor()
			defer mon.Close()

			// The devpath deliberately has no sysfs backing: remove
			// events arrive after the tree entry is gone.
			sendMessage(address, event("remove", "/devices/pci0/sdb",
				"ACTION=remove",
				"DEVPATH=/devices/pci0/sdb",
				"SUBSYSTEM=block",
				"DEVNAME=sdb",
				"MAJOR=8",
				"MINOR=16",
				"DEVLINKS=/dev/disk/by-id/test-sdb /dev/disk/by-path/pci0-sdb",
			))

			dev, err := mon.ReceiveDevice()
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.Action()).To(Equal(udev.ActionRemove))
			Expect(dev.Syspath()).To(Equal(tree.syspath("devices/pci0/sdb")))
			Expect(dev.Devpath()).To(Equal("/devices/pci0/sdb"))
			Expect(dev.Sysname()).To(Equal("sdb"))
			Expect(dev.Subsystem()).To(Equal("block"))
			Expect(dev.Devnode()).To(Equal(filepath.Join(tree.devRoot, "sdb")))
			Expect(dev.Devnum()).To(Equal(udev.Devnum{Type: 'b', Major: 8, Minor: 16}))
			Expect(dev.Devlinks()).To(Equal([]string{
				"/dev/disk/by-id/test-sdb",
				"/dev/disk/by-path/pci0-sdb",
			}))
			Expect(dev.PropertyNames()).To(Equal([]string{
				"ACTION", "DEVPATH", "SUBSYSTEM", "DEVNAME", "MAJOR", "MINOR", "DEVLINKS",
			}))
		})

		It("delivers events in the order they were sent", func() {
			mon := newBoundMonitor()
			defer mon.Close()

			sendMessage(address, event("add", "/devices/virtual/mem/null", "SUBSYSTEM=mem"))
			sendMessage(address, event("change", "/devices/virtual/mem/null", "SUBSYSTEM=mem"))

			first, err := mon.ReceiveDevice()
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Action()).To(Equal(udev.ActionAdd))

			second, err := mon.ReceiveDevice()
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Action()).To(Equal(udev.ActionChange))

			_, err = mon.ReceiveDevice()
			Expect(err).To(MatchError(udev.ErrNoMessage))
		})

		It("drops a malformed datagram and keeps receiving", func() {
			mon := newBoundMonitor()
			defer mon.Close()

			sendMessage(address, []byte("not an event"))
			sendMessage(address, event("add", "/devices/virtual/mem/null", "SUBSYSTEM=mem"))

			_, err := mon.ReceiveDevice()
			Expect(err).To(MatchError(udev.ErrMalformedMessage))

			dev, err := mon.ReceiveDevice()
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.Action()).To(Equal(udev.ActionAdd))
		})

		It("rejects a datagram with a broken property", func() {
			mon := newBoundMonitor()
			defer mon.Close()

			sendMessage(address, event("add", "/devices/virtual/mem/null", "NOEQUALSSIGN"))
			_, err := mon.ReceiveDevice()
			Expect(err).To(MatchError(udev.ErrMalformedMessage))
		})
	})

	Context("closing", func() {
		It("fails receives before the monitor is bound", func() {
			mon, err := u.NewMonitorFromSocket(address)
			Expect(err).NotTo(HaveOccurred())
			defer mon.Close()
			_, err = mon.ReceiveDevice()
			Expect(err).To(MatchError(udev.ErrClosed))
		})

		It("fails all operations after Close without blocking", func() {
			mon := newBoundMonitor()
			Expect(mon.Close()).To(Succeed())

			_, err := mon.ReceiveDevice()
			Expect(err).To(MatchError(udev.ErrClosed))
			Expect(mon.EnableReceiving()).To(MatchError(udev.ErrClosed))
			Expect(mon.Close()).To(MatchError(udev.ErrClosed))
			Expect(mon.Fd()).To(Equal(-1))
		})
	})

	Context("device channel", func() {
		It("forwards decoded devices until cancelled", func() {
			mon := newBoundMonitor()
			defer mon.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			devCh, _, err := mon.DeviceChan(ctx)
			Expect(err).NotTo(HaveOccurred())

			sendMessage(address, event("add", "/devices/pci0/sda", "SUBSYSTEM=block"))
			sendMessage(address, event("remove", "/devices/pci0/sda", "SUBSYSTEM=block"))

			Eventually(devCh).Should(Receive(WithTransform((*udev.Device).Action, Equal(udev.ActionAdd))))
			Eventually(devCh).Should(Receive(WithTransform((*udev.Device).Action, Equal(udev.ActionRemove))))

			cancel()
			Eventually(devCh).Should(BeClosed())
		})

		It("requires a bound monitor", func() {
			mon, err := u.NewMonitorFromSocket(address)
			Expect(err).NotTo(HaveOccurred())
			defer mon.Close()
			_, _, err = mon.DeviceChan(context.Background())
			Expect(err).To(MatchError(udev.ErrClosed))
		})
	})
})

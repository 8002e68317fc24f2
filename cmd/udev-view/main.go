package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/kennygrant/sanitize"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"k8s.io/klog/v2"

	"github.com/rpurdie/udev-view/internal/discovery"
	"github.com/rpurdie/udev-view/internal/mux"
	"github.com/rpurdie/udev-view/internal/nodewatch"
	"github.com/rpurdie/udev-view/internal/udev"
)

func main() {
	flags := initFlags()
	cfg := flags.config

	opts := []udev.Option{
		udev.WithSysPath(cfg.SysRoot),
		udev.WithDevPath(cfg.DevRoot),
	}
	if flags.Debug {
		opts = append(opts, udev.WithLogPriority(udev.LogPriorityDebug))
	}
	u := udev.New(opts...)

	fmt.Printf("sys_path: %q\n", u.SysPath())
	fmt.Printf("dev_path: %q\n", u.DevPath())

	showDevice(u, flags.Syspath)
	showDevnum(u)
	showParents(u, flags.Syspath)
	showEnumerate(u, flags.Subsystem)

	var watcher *nodewatch.Watcher
	if cfg.WatchNodes {
		var err error
		watcher, err = nodewatch.New(u.DevPath(), nodewatch.WithIgnorePatterns(".*"))
		if err != nil {
			klog.Fatalf("failed to watch device nodes: %v", err)
		}
		defer watcher.Close()
		go printNodeEvents(watcher)
	}

	socket := cfg.socketAddress()
	if flags.Registry {
		runRegistry(u, socket, cfg.Subsystems)
		return
	}
	runMonitor(u, socket)
}

// showDevice resolves and prints one device, mirroring an
// "udevadm info"-style lookup.
func showDevice(u *udev.Udev, syspath string) {
	fmt.Printf("looking at device: %s\n", syspath)
	dev, err := u.NewDeviceFromSyspath(syspath)
	if err != nil {
		fmt.Printf("no device: %v\n", err)
		return
	}
	printDevice(dev)
}

// showDevnum probes the canonical char 1:3 (mem/null) device through the
// devnum index.
func showDevnum(u *udev.Udev) {
	fmt.Println("looking up device: char 1:3")
	dev, err := u.NewDeviceFromDevnum('c', 1, 3)
	if err != nil {
		fmt.Printf("no device: %v\n", err)
		return
	}
	printDevice(dev)
}

// showParents walks the parent chain twice; parents are re-derived
// snapshots, so the second walk re-reads current kernel state.
func showParents(u *udev.Udev, syspath string) {
	dev, err := u.NewDeviceFromSyspath(syspath)
	if err != nil {
		fmt.Printf("no device: %v\n", err)
		return
	}
	for _, pass := range []string{"looking at parents", "looking at parents again"} {
		fmt.Println(pass)
		for p := dev; p != nil; p = p.Parent() {
			printDevice(p)
		}
	}
}

func showEnumerate(u *udev.Udev, subsystem string) {
	enum := u.NewEnumerate()
	if subsystem != "" {
		enum.AddMatchSubsystem(subsystem)
	}
	devs, err := enum.Devices()
	if err != nil {
		fmt.Printf("enumerate failed: %v\n", err)
		return
	}
	for _, dev := range devs {
		fmt.Printf("device:    %q (%s) %q\n", dev.Syspath(), dev.Subsystem(), dev.Sysname())
	}
	fmt.Printf("found %d devices\n\n", len(devs))
}

// runMonitor receives device events until ENTER is pressed, multiplexing
// the monitor descriptor with stdin in one poll loop.
func runMonitor(u *udev.Udev, socket string) {
	mon, err := u.NewMonitorFromSocket(socket)
	if err != nil {
		klog.Fatalf("failed to create monitor: %v", err)
	}
	defer mon.Close()
	if err := mon.EnableReceiving(); err != nil {
		klog.Fatalf("failed to bind monitor socket: %v", err)
	}

	stdin := int32(os.Stdin.Fd())
	fmt.Printf("waiting for events on %s, press ENTER to exit\n", socket)
	for {
		fds := []unix.PollFd{
			{Fd: stdin, Events: unix.POLLIN},
			{Fd: int32(mon.Fd()), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			klog.Fatalf("poll failed: %v", err)
		}
		if n <= 0 {
			continue
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			for {
				dev, err := mon.ReceiveDevice()
				if errors.Is(err, udev.ErrNoMessage) {
					break
				}
				if errors.Is(err, udev.ErrMalformedMessage) {
					continue
				}
				if err != nil {
					klog.Fatalf("receive failed: %v", err)
				}
				printDevice(dev)
			}
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			fmt.Println("exiting loop")
			return
		}
	}
}

// runRegistry tracks device state through the discovery layer and prints
// live changes until the process is signalled.
func runRegistry(u *udev.Udev, socket string, subsystems []string) {
	wg := &sync.WaitGroup{}
	defer wg.Wait()

	disco, err := discovery.New(u, wg, socket, subsystems...)
	if err != nil {
		klog.Fatalf("failed to start device discovery: %v", err)
	}
	defer disco.Close()

	evCh := make(chan discovery.Event)
	cancel := disco.Subscribe(mux.SinkFromChan(evCh))
	defer cancel()

	go func() {
		for ev := range evCh {
			switch e := ev.(type) {
			case discovery.Init:
				fmt.Printf("registry: %d devices\n", len(e.Devices))
			case discovery.Added:
				fmt.Printf("added:    %q (%s)\n", e.Syspath(), e.Subsystem())
			case discovery.Removed:
				fmt.Printf("removed:  %q (%s)\n", e.Syspath(), e.Subsystem())
			case discovery.Changed:
				fmt.Printf("changed:  %q (%s)\n", e.Syspath(), e.Subsystem())
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	klog.Infof("Received signal %q, shutting down", sig.String())
}

func printNodeEvents(w *nodewatch.Watcher) {
	evCh := make(chan nodewatch.NodeEvent)
	w.Subscribe(mux.SinkFromChan(evCh))
	for ev := range evCh {
		verb := "removed"
		if ev.Created {
			verb = "created"
		}
		fmt.Printf("node %s:  %q\n", verb, ev.Path)
	}
}

func printDevice(d *udev.Device) {
	fmt.Printf("*** device %s ***\n", d.Sysname())
	fmt.Printf("action:    %q\n", d.Action())
	fmt.Printf("syspath:   %q\n", d.Syspath())
	fmt.Printf("devpath:   %q\n", d.Devpath())
	fmt.Printf("subsystem: %q\n", d.Subsystem())
	fmt.Printf("driver:    %q\n", d.Driver())
	fmt.Printf("devname:   %q\n", d.Devnode())
	fmt.Printf("devnum:    %s\n", d.Devnum())
	links := d.Devlinks()
	for _, link := range links {
		fmt.Printf("link:      %q\n", link)
	}
	fmt.Printf("found %d links\n", len(links))
	names := d.PropertyNames()
	for _, name := range names {
		fmt.Printf("property:  %q\n", name+"="+d.PropertyValue(name))
	}
	fmt.Printf("found %d properties\n", len(names))
	fmt.Printf("attr{dev}: %q\n", d.SysattrValue("dev"))
	fmt.Println()
}

type configSource interface {
	String() string
	open() (io.Reader, func() error, error)
}

type fileConfigSource struct {
	path string
}

func (fcs *fileConfigSource) open() (io.Reader, func() error, error) {
	file, err := os.Open(fcs.path)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

func (fcs *fileConfigSource) String() string {
	return "file:" + fcs.path
}

type envConfigSource struct {
	variable string
}

func (ecs *envConfigSource) open() (io.Reader, func() error, error) {
	data := os.Getenv(ecs.variable)
	if data == "" {
		return nil, nil, fmt.Errorf("config: environment variable %s is not set", ecs.variable)
	}
	return strings.NewReader(data), func() error { return nil }, nil
}

func (ecs *envConfigSource) String() string {
	return "env:" + ecs.variable
}

type stdinConfigSource struct{}

func (scs *stdinConfigSource) open() (io.Reader, func() error, error) {
	return os.Stdin, func() error { return nil }, nil
}

func (scs *stdinConfigSource) String() string {
	return "stdin"
}

type ConfigFlag struct {
	configSource
}

func (cf *ConfigFlag) Set(value string) error {
	if strings.HasPrefix(value, "file:") {
		cf.configSource = &fileConfigSource{path: strings.TrimPrefix(value, "file:")}
	} else if strings.HasPrefix(value, "env:") {
		cf.configSource = &envConfigSource{variable: strings.TrimPrefix(value, "env:")}
	} else if strings.HasPrefix(value, "stdin") {
		cf.configSource = &stdinConfigSource{}
	} else {
		return fmt.Errorf("invalid config source: %s", value)
	}

	return nil
}

func (cf *ConfigFlag) String() string {
	if cf.configSource == nil {
		return ""
	}
	return cf.configSource.String()
}

type FlagValues struct {
	Config    ConfigFlag
	Syspath   string
	Subsystem string
	Debug     bool
	Registry  bool

	config *Config
}

func initFlags() FlagValues {
	values := FlagValues{}
	flags := flag.NewFlagSet("udev-view", flag.ExitOnError)
	klog.InitFlags(flags)
	flags.Var(&values.Config, "config", `configuration source (in form "file:<path>", "env:<ENV_VARIABLE>" or "stdin")`)
	flags.StringVar(&values.Syspath, "syspath", "/devices/virtual/mem/null", "device path to inspect")
	flags.StringVar(&values.Subsystem, "subsystem", "", "restrict enumeration to one subsystem")
	flags.BoolVar(&values.Debug, "debug", false, "raise the library diagnostic priority")
	flags.BoolVar(&values.Registry, "registry", false, "run the live device registry instead of the raw monitor loop")
	flags.Parse(os.Args[1:])

	config := defaultConfig()
	if values.Config.configSource != nil {
		configReader, configCloser, err := values.Config.open()
		if err != nil {
			klog.Fatalf("failed to open --config %q: %v", values.Config.String(), err)
			os.Exit(1)
		}
		defer configCloser()

		config, err = parseConfig(configReader)
		if err != nil {
			klog.Fatalf("failed to parse --config %q: %v", values.Config.String(), err)
			os.Exit(1)
		}
	}

	values.config = config

	return values
}

var subsystemNameRegex = regexp.MustCompile(`^[a-z0-9_:-]+$`)

type Config struct {
	SysRoot    string   `yaml:"sysRoot"`
	DevRoot    string   `yaml:"devRoot"`
	Socket     string   `yaml:"socket"`
	SocketDir  string   `yaml:"socketDir,omitempty"` // bind a per-instance path socket here instead of Socket
	Tag        string   `yaml:"tag,omitempty"`
	Subsystems []string `yaml:"subsystems,omitempty"`
	WatchNodes bool     `yaml:"watchNodes,omitempty"`
}

func defaultConfig() *Config {
	return &Config{
		SysRoot: "/sys",
		DevRoot: "/dev",
		Socket:  udev.DefaultMonitorSocket,
		Tag:     "udev-view",
	}
}

// socketAddress resolves the monitor address: an explicit socket wins, a
// socket directory derives a per-instance filename from the tag.
func (c *Config) socketAddress() string {
	if c.SocketDir != "" {
		return filepath.Join(c.SocketDir, sanitize.BaseName(c.Tag)+".sock")
	}
	return c.Socket
}

func (c *Config) validate() error {
	var errs error
	if c.SysRoot == "" {
		errs = errors.Join(errs, fmt.Errorf(".sysRoot: must be set"))
	}
	if c.DevRoot == "" {
		errs = errors.Join(errs, fmt.Errorf(".devRoot: must be set"))
	}
	if c.Socket == "" && c.SocketDir == "" {
		errs = errors.Join(errs, fmt.Errorf(".socket: must be set unless .socketDir is given"))
	}
	if c.SocketDir != "" && c.Tag == "" {
		errs = errors.Join(errs, fmt.Errorf(".tag: must be set with .socketDir"))
	}
	for i, subsystem := range c.Subsystems {
		if !subsystemNameRegex.MatchString(subsystem) {
			errs = errors.Join(errs, fmt.Errorf(".subsystems[%d]: %q is not a valid subsystem name", i, subsystem))
		}
	}
	return errs
}

func parseConfig(reader io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(reader)
	config := defaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

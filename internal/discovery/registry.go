package discovery

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/rpurdie/udev-view/internal/mux"
	"github.com/rpurdie/udev-view/internal/udev"
)

type request interface {
	requestSealed()
}

type stateRequest struct {
	filter mux.FilterFunc[*udev.Device]
}

func (r stateRequest) requestSealed() {}

type stopRequest struct{}

func (r stopRequest) requestSealed() {}

type newSub struct {
	sink mux.Sink[Event]
}

func (n newSub) requestSealed() {}

type registry struct {
	u          *udev.Udev
	socket     string
	subsystems map[string]bool
	state      map[string]*udev.Device // accessed only by the monitor goroutine
	requests   chan mux.AwaitReply[request, any]
	mux        *mux.Mux[Event]
}

// New enumerates the current device set and starts the monitor goroutine
// that keeps it in sync with events from the given socket address. An
// empty subsystems list tracks everything.
func New(u *udev.Udev, wg *sync.WaitGroup, socket string, subsystems ...string) (Discovery, error) {
	d := &registry{
		u:          u,
		socket:     socket,
		subsystems: make(map[string]bool, len(subsystems)),
		state:      make(map[string]*udev.Device),
		requests:   make(chan mux.AwaitReply[request, any]),
		mux:        mux.Make[Event](),
	}
	enum := u.NewEnumerate()
	for _, subsystem := range subsystems {
		d.subsystems[subsystem] = true
		enum.AddMatchSubsystem(subsystem)
	}

	devs, err := enum.Devices()
	if err != nil {
		klog.Errorf("Failed to enumerate devices: %v", err)
		return nil, err
	}
	for _, dev := range devs {
		d.state[dev.Syspath()] = dev
	}

	// Bind before returning so that no event sent after New is missed; a
	// bind failure is fatal to the registry, not retried.
	ctx, cancel := context.WithCancel(context.Background())
	mon, devCh, errCh, err := d.connect(ctx)
	if err != nil {
		cancel()
		klog.Errorf("Failed to open event socket %q: %v", socket, err)
		return nil, err
	}

	wg.Add(1)
	go d.monitor(wg, ctx, cancel, mon, devCh, errCh)

	return d, nil
}

func (d *registry) Close() {
	await := mux.NewAwaitReply[request, any](stopRequest{})
	defer await.Await()
	d.requests <- await
}

// State returns the devices matching filter, as seen by the monitor.
func (d *registry) State(filter mux.FilterFunc[*udev.Device]) map[string]*udev.Device {
	await := mux.NewAwaitReply[request, any](stateRequest{filter: filter})
	d.requests <- await
	return await.Await().(map[string]*udev.Device)
}

func (d *registry) DeviceBySyspath(syspath string) *udev.Device {
	return d.state[syspath] // unsynchronized read, worst case stale
}

// Subscribe registers sink with the monitor goroutine so that it receives
// a consistent Init event before any fan-out of live events.
func (d *registry) Subscribe(sink mux.Sink[Event]) mux.CancelFunc {
	await := mux.NewAwaitReply[request, any](newSub{sink})
	d.requests <- await
	return await.Await().(mux.CancelFunc)
}

func (d *registry) Slice(filter mux.FilterFunc[*udev.Device]) Slice {
	slice := &sliceView{
		state:  make(map[string]*udev.Device),
		filter: filter,
		mux:    mux.Make[[]*udev.Device](),
		subs:   make(chan mux.AwaitReply[mux.Sink[[]*udev.Device], mux.CancelFunc]),
	}

	evCh := make(chan Event)

	go slice.track(evCh)

	slice.stop = d.Subscribe(mux.SinkFromChan(evCh))

	return slice
}

// wants reports whether an event device falls under the registry's
// subsystem filters.
func (d *registry) wants(dev *udev.Device) bool {
	return len(d.subsystems) == 0 || d.subsystems[dev.Subsystem()]
}

func (d *registry) monitor(wg *sync.WaitGroup, ctx context.Context, cancel context.CancelFunc, mon *udev.Monitor, devCh <-chan *udev.Device, errCh <-chan error) {
	defer wg.Done()
	defer d.mux.Close()
	defer close(d.requests)
	defer cancel()

	for {
		select {
		case dev, ok := <-devCh:
			if !ok {
				devCh = nil
				continue
			}
			if !d.wants(dev) {
				continue
			}
			klog.V(5).Infof("Received device event (%s): %s", dev.Action(), dev.Syspath())
			switch dev.Action() {
			case udev.ActionAdd, udev.ActionOnline:
				d.state[dev.Syspath()] = dev
				d.mux.Submit(Added{dev})
			case udev.ActionRemove, udev.ActionOffline:
				prev := d.state[dev.Syspath()]
				if prev == nil {
					prev = dev
				}
				delete(d.state, dev.Syspath())
				d.mux.Submit(Removed{prev})
			case udev.ActionChange, udev.ActionMove:
				d.state[dev.Syspath()] = dev
				d.mux.Submit(Changed{dev})
			}
		case req := <-d.requests:
			switch r := req.Value().(type) {
			case stateRequest:
				state := make(map[string]*udev.Device)
				for k, v := range d.state {
					if r.filter(v) {
						state[k] = v
					}
				}
				req.Reply(state)
			case newSub:
				init := make([]*udev.Device, 0, len(d.state))
				for _, dev := range d.state {
					init = append(init, dev)
				}
				if err := r.sink.Submit(Init{init}); err != nil {
					klog.Errorf("Failed to submit init event: %v", err)
				}
				req.Reply(d.mux.Subscribe(r.sink))
			case stopRequest:
				mon.Close()
				req.Reply(nil)
				return
			}
		case err := <-errCh:
			klog.Errorf("Event socket failed, reconnecting: %v", err)
			mon.Close()
			for {
				mon, devCh, errCh, err = d.connect(ctx)
				if err == nil {
					break
				}
				klog.Errorf("Failed to reopen event socket %q, retrying: %v", d.socket, err)
				time.Sleep(1 * time.Second)
			}
			klog.Infof("Reconnected to event socket %q", d.socket)
		}
	}
}

func (d *registry) connect(ctx context.Context) (*udev.Monitor, <-chan *udev.Device, <-chan error, error) {
	mon, err := d.u.NewMonitorFromSocket(d.socket)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := mon.EnableReceiving(); err != nil {
		mon.Close()
		return nil, nil, nil, err
	}
	devCh, errCh, err := mon.DeviceChan(ctx)
	if err != nil {
		mon.Close()
		return nil, nil, nil, err
	}
	return mon, devCh, errCh, nil
}

type sliceView struct {
	state  map[string]*udev.Device
	filter mux.FilterFunc[*udev.Device]
	mux    *mux.Mux[[]*udev.Device]
	subs   chan mux.AwaitReply[mux.Sink[[]*udev.Device], mux.CancelFunc]
	stop   mux.CancelFunc
}

func (s *sliceView) Close() {
	s.stop()
}

// Subscribe registers sink with the track goroutine, which hands it the
// current set before any live updates.
func (s *sliceView) Subscribe(sink mux.Sink[[]*udev.Device]) mux.CancelFunc {
	await := mux.NewAwaitReply[mux.Sink[[]*udev.Device], mux.CancelFunc](sink)
	s.subs <- await
	return await.Await()
}

// track projects registry events onto the filtered set, emitting a copy of
// the whole set on every change.
func (s *sliceView) track(evCh <-chan Event) {
	defer s.mux.Close()
	for {
		select {
		case ev, ok := <-evCh: // closes when the upstream subscription is cancelled
			if !ok {
				return
			}
			switch e := ev.(type) {
			case Init:
				for _, dev := range e.Devices {
					if s.filter(dev) {
						s.state[dev.Syspath()] = dev
					}
				}
				s.mux.Submit(s.snapshot())
			case Added:
				if s.filter(e.Device) {
					s.state[e.Syspath()] = e.Device
					s.mux.Submit(s.snapshot())
				}
			case Changed:
				if s.filter(e.Device) {
					s.state[e.Syspath()] = e.Device
					s.mux.Submit(s.snapshot())
				} else if _, found := s.state[e.Syspath()]; found {
					delete(s.state, e.Syspath())
					s.mux.Submit(s.snapshot())
				}
			case Removed:
				if _, found := s.state[e.Syspath()]; found {
					delete(s.state, e.Syspath())
					s.mux.Submit(s.snapshot())
				}
			}
		case await := <-s.subs:
			sink := await.Value()
			if err := sink.Submit(s.snapshot()); err != nil {
				klog.Errorf("Failed to submit slice snapshot: %v", err)
			}
			await.Reply(s.mux.Subscribe(sink))
		}
	}
}

func (s *sliceView) snapshot() []*udev.Device {
	devs := make([]*udev.Device, 0, len(s.state))
	for _, dev := range s.state {
		devs = append(devs, dev)
	}
	return devs
}

// Package mux fans values out from one producer to any number of
// subscribed sinks. It carries device events from the discovery layer to
// its consumers, but is generic over the element type.
package mux

import (
	"fmt"
	"time"
)

type Logger interface {
	Info(format string, args ...interface{})
}

// AwaitReply couples a request value with a channel for its reply; it is
// how callers talk to a goroutine that owns state.
type AwaitReply[T, U any] struct {
	value T
	reply chan U
}

func NewAwaitReply[T, U any](value T) AwaitReply[T, U] {
	return AwaitReply[T, U]{
		value: value,
		reply: make(chan U),
	}
}

func (ar AwaitReply[T, U]) Value() T {
	return ar.value
}

func (ar AwaitReply[T, U]) Reply(value U) {
	ar.reply <- value
	close(ar.reply)
}

func (ar AwaitReply[T, U]) Await() U {
	return <-ar.reply
}

// AwaitDone is an AwaitReply whose only answer is "done".
type AwaitDone[T any] struct {
	AwaitReply[T, struct{}]
}

func NewAwaitDone[T any](value T) AwaitDone[T] {
	return AwaitDone[T]{
		NewAwaitReply[T, struct{}](value),
	}
}

func (ad AwaitDone[T]) Done() {
	ad.Reply(struct{}{})
}

func (ad AwaitDone[T]) Wait() {
	ad.Await()
}

// Sink consumes a stream of values. Close is called by the producer when
// no further values will arrive.
type Sink[T any] interface {
	Submit(T) error
	Close()
}

type chanSink[T any] struct {
	ch chan<- T
}

func (c *chanSink[T]) Submit(v T) error {
	c.ch <- v
	return nil
}

func (c *chanSink[T]) Close() {
	close(c.ch)
}

func SinkFromChan[T any](ch chan<- T) Sink[T] {
	return &chanSink[T]{ch}
}

type filterSink[T any] struct {
	sink Sink[T]
	keep FilterFunc[T]
}

func (f *filterSink[T]) Submit(v T) error {
	if f.keep(v) {
		return f.sink.Submit(v)
	}
	return nil
}

func (f *filterSink[T]) Close() {
	f.sink.Close()
}

// FilterSink passes through only the values keep accepts.
func FilterSink[T any](sink Sink[T], keep FilterFunc[T]) Sink[T] {
	return &filterSink[T]{sink, keep}
}

// Source hands out subscriptions to a stream of values.
type Source[T any] interface {
	Subscribe(Sink[T]) CancelFunc
}

// Mux distributes every submitted value to all currently subscribed sinks,
// in submission order. One goroutine owns the subscriber set; Subscribe,
// cancel and Close synchronize with it through AwaitDone requests.
type Mux[T any] struct {
	input      chan T
	register   chan AwaitDone[Sink[T]]
	unregister chan AwaitDone[Sink[T]]
	outputs    map[Sink[T]]bool

	submitTimeout time.Duration
	inBufSize     int
	logger        Logger
}

type Option[T any] interface {
	apply(*Mux[T])
}

type buffered[T any] struct {
	size int
}

func (b *buffered[T]) apply(m *Mux[T]) {
	m.inBufSize = b.size
}

// Buffered gives the input channel a buffer so that up to size submissions
// do not block on the fan-out goroutine.
func Buffered[T any](size int) Option[T] {
	return &buffered[T]{size}
}

type withLogger[T any] struct {
	logger Logger
}

func (l *withLogger[T]) apply(m *Mux[T]) {
	m.logger = l.logger
}

func WithLogger[T any](logger Logger) Option[T] {
	return &withLogger[T]{logger}
}

func Make[T any](opts ...Option[T]) *Mux[T] {
	m := &Mux[T]{
		submitTimeout: 1 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(m)
	}

	m.input = make(chan T, m.inBufSize)
	m.register = make(chan AwaitDone[Sink[T]])
	m.unregister = make(chan AwaitDone[Sink[T]])
	m.outputs = make(map[Sink[T]]bool)

	go m.run()

	return m
}

func (m *Mux[T]) run() {
	defer func() {
		for sub := range m.outputs {
			delete(m.outputs, sub)
			sub.Close()
		}
	}()
	defer close(m.input)

	for {
		select {
		case v := <-m.input:
			for out := range m.outputs {
				if err := out.Submit(v); err != nil {
					m.error("error submitting value %v: %v", v, err)
				}
			}
		case ad, ok := <-m.register:
			if !ok {
				return
			}
			m.outputs[ad.value] = true
			ad.Done()
		case ad := <-m.unregister:
			sub := ad.value
			delete(m.outputs, sub)
			sub.Close()
			ad.Done()
		}
	}
}

func (m *Mux[T]) error(format string, args ...any) error {
	if m.logger != nil {
		m.logger.Info(format, args...)
	}
	return fmt.Errorf(format, args...)
}

// Close stops the fan-out goroutine and closes every subscribed sink.
func (m *Mux[T]) Close() {
	close(m.register)
}

// Submit hands a value to the fan-out goroutine. It fails rather than
// block forever when a subscriber wedges the pipeline.
func (m *Mux[T]) Submit(v T) error {
	select {
	case m.input <- v:
		return nil
	case <-time.After(m.submitTimeout):
		return m.error("timed out submitting value %v after %s", v, m.submitTimeout)
	}
}

type CancelFunc func()

func (m *Mux[T]) Subscribe(sink Sink[T]) CancelFunc {
	ad := NewAwaitDone(sink)
	m.register <- ad
	ad.Wait()

	return func() {
		ad := NewAwaitDone(sink)
		m.unregister <- ad
		ad.Wait()
	}
}

// ChainCancelFunc composes cancel functions into one, invoked in order.
func ChainCancelFunc(cf1, cf2 func(), cfs ...func()) CancelFunc {
	return func() {
		cf1()
		cf2()
		for _, cf := range cfs {
			if cf != nil {
				cf()
			}
		}
	}
}

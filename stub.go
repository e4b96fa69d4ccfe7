package dbus

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// ConnState describes the reachability of a stub's peer on the bus.
type ConnState int

const (
	// StateUnknown is the state before a stub has observed its peer
	// for the first time.
	StateUnknown ConnState = iota
	// StateAvailable means the peer currently owns its bus name.
	StateAvailable
	// StateNotAvailable means the peer has never been observed owning
	// its bus name.
	StateNotAvailable
	// StateDisconnected means the peer owned its bus name at some
	// point, and has since given it up or disappeared from the bus.
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateNotAvailable:
		return "not available"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// CallResult is the outcome of an asynchronous method call started
// with [CallAsync].
type CallResult[Resp any] struct {
	Resp Resp
	Err  error
}

// Stub is a typed client-side proxy for a declared DBus interface. T
// is conventionally the interface's Go-side contract type, carried
// only so that callers and generated code can spell out which service
// a Stub talks to; Stub never inspects T itself.
type Stub[T any] struct {
	iface Interface
	desc  *InterfaceDesc

	connOnce  sync.Once
	connMu    sync.Mutex
	state     ConnState
	observers []func(ConnState)
}

// NewStub returns a Stub bound to iface, describing its methods,
// signals and properties with desc. desc may be nil if the caller
// doesn't need declared-error decoding.
func NewStub[T any](iface Interface, desc *InterfaceDesc) *Stub[T] {
	return &Stub[T]{iface: iface, desc: desc}
}

// Interface returns the underlying interface the stub calls.
func (s *Stub[T]) Interface() Interface { return s.iface }

// Desc returns the stub's interface descriptor, or nil if none was
// given to [NewStub].
func (s *Stub[T]) Desc() *InterfaceDesc { return s.desc }

// Call invokes method on stub's interface synchronously, and decodes
// its response into a freshly allocated Resp.
//
// If the call fails with an error declared on method via
// [InterfaceDesc.Throws], the returned error is the declared error
// type instead of a generic [CallError].
func Call[Req, Resp, T any](ctx context.Context, s *Stub[T], method string, req Req, opts ...CallOption) (Resp, error) {
	var resp Resp
	err := s.iface.Call(ctx, method, req, &resp, opts...)
	if err != nil {
		return resp, s.declaredError(method, err)
	}
	return resp, nil
}

// CallAsync is the non-blocking form of [Call]. The result is
// delivered on the returned channel once the call completes.
func CallAsync[Req, Resp, T any](ctx context.Context, s *Stub[T], method string, req Req, opts ...CallOption) <-chan CallResult[Resp] {
	ch := make(chan CallResult[Resp], 1)
	go func() {
		resp, err := Call[Req, Resp](ctx, s, method, req, opts...)
		ch <- CallResult[Resp]{Resp: resp, Err: err}
	}()
	return ch
}

// declaredError maps err to the Go error type registered on method for
// its wire error name, if any, filling the declared type's Detail
// field (by convention, an exported string field named Detail) from
// the call error's detail text.
func (s *Stub[T]) declaredError(method string, err error) error {
	if s.desc == nil {
		return err
	}
	var ce CallError
	if !errors.As(err, &ce) {
		return err
	}
	t, ok := s.desc.ErrorTypeFor(method, ce.Name)
	if !ok {
		return err
	}
	v := reflect.New(t)
	if f := v.Elem().FieldByName("Detail"); f.IsValid() && f.Kind() == reflect.String && f.CanSet() {
		f.SetString(ce.Detail)
	}
	if de, ok := v.Elem().Interface().(DeclaredError); ok {
		return de
	}
	if de, ok := v.Interface().(DeclaredError); ok {
		return de
	}
	return err
}

// GetProperty reads the named property into val. See
// [Interface.GetProperty] for calling conventions.
func (s *Stub[T]) GetProperty(ctx context.Context, name string, val any, opts ...CallOption) error {
	return s.iface.GetProperty(ctx, name, val, opts...)
}

// SetProperty sets the named property to value.
func (s *Stub[T]) SetProperty(ctx context.Context, name string, value any, opts ...CallOption) error {
	return s.iface.SetProperty(ctx, name, value, opts...)
}

// GetPropertyAsync is the non-blocking form of [Stub.GetProperty].
func (s *Stub[T]) GetPropertyAsync(ctx context.Context, name string, opts ...CallOption) <-chan CallResult[any] {
	ch := make(chan CallResult[any], 1)
	go func() {
		var val any
		err := s.GetProperty(ctx, name, &val, opts...)
		ch <- CallResult[any]{Resp: val, Err: err}
	}()
	return ch
}

// SetPropertyAsync is the non-blocking form of [Stub.SetProperty].
func (s *Stub[T]) SetPropertyAsync(ctx context.Context, name string, value any, opts ...CallOption) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- s.SetProperty(ctx, name, value, opts...)
	}()
	return ch
}

// AttachSignal subscribes handler to signals of type Sig emitted by
// s's peer. Sig must have been registered with [RegisterSignalType].
// The returned detach function ends the subscription; it must be
// called to release the underlying [Watcher].
func AttachSignal[Sig, T any](s *Stub[T], handler func(Sig)) (detach func(), err error) {
	return s.attach(MatchNotification[Sig]().Object(s.iface.Object()), func(body any) {
		if v, ok := body.(*Sig); ok {
			handler(*v)
		}
	})
}

// AttachProperty subscribes handler to changes of the named property,
// which must have been registered with [RegisterPropertyChangeType]
// with Go type T.
func AttachProperty[T, U any](s *Stub[U], name string, handler func(T)) (detach func(), err error) {
	return s.attach(MatchProperty[T]().Object(s.iface.Object()), func(body any) {
		if v, ok := body.(*T); ok {
			handler(*v)
		}
	})
}

// attach is the shared implementation behind AttachSignal and
// AttachProperty: open a Watcher restricted to m, and forward matching
// notifications to handler until detach is called.
func (s *Stub[T]) attach(m *Match, handler func(body any)) (detach func(), err error) {
	w, err := s.iface.Conn().Watch()
	if err != nil {
		return nil, err
	}
	remove, err := w.Match(m)
	if err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for n := range w.Chan() {
			handler(n.Body)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			w.Close()
		})
	}, nil
}

// OnConnected registers handler to be called whenever the stub's peer
// transitions between being present and absent on the bus. handler is
// called once immediately with the peer's last known state.
//
// OnConnected is driven by watching [NameOwnerChanged] for the stub's
// peer name; it only reports meaningful transitions for well-known bus
// names, since a unique connection name (":1.42") never changes
// owners.
func (s *Stub[T]) OnConnected(handler func(ConnState)) (detach func(), err error) {
	s.connMu.Lock()
	idx := len(s.observers)
	s.observers = append(s.observers, handler)
	state := s.state
	s.connMu.Unlock()
	handler(state)

	var startErr error
	s.connOnce.Do(func() {
		startErr = s.startConnWatch()
	})
	if startErr != nil {
		return nil, startErr
	}

	return func() {
		s.connMu.Lock()
		defer s.connMu.Unlock()
		s.observers[idx] = nil
	}, nil
}

func (s *Stub[T]) startConnWatch() error {
	conn := s.iface.Conn()
	name := s.iface.Peer().Name()

	w, err := conn.Watch()
	if err != nil {
		return err
	}
	if _, err := w.Match(MatchNotification[NameOwnerChanged]().ArgStr(0, name)); err != nil {
		w.Close()
		return err
	}

	peers, err := conn.Peers(context.Background())
	if err == nil {
		for _, p := range peers {
			if p.Name() == name {
				s.setState(StateAvailable)
				break
			}
		}
		if s.getState() == StateUnknown {
			s.setState(StateNotAvailable)
		}
	}

	go func() {
		for n := range w.Chan() {
			noc, ok := n.Body.(*NameOwnerChanged)
			if !ok || noc.Name != name {
				continue
			}
			if noc.New != nil {
				s.setState(StateAvailable)
			} else {
				s.setState(StateDisconnected)
			}
		}
	}()

	return nil
}

func (s *Stub[T]) getState() ConnState {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.state
}

func (s *Stub[T]) setState(st ConnState) {
	s.connMu.Lock()
	s.state = st
	observers := append([]func(ConnState){}, s.observers...)
	s.connMu.Unlock()
	for _, o := range observers {
		if o != nil {
			o(st)
		}
	}
}

package dbus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// ifaceBus is the interface name implemented by the message bus
// daemon itself, at the well-known object /org/freedesktop/DBus.
const ifaceBus = "org.freedesktop.DBus"

// ifaceProps is the interface name used to get and set properties on
// any object, and to notify of property changes.
const ifaceProps = "org.freedesktop.DBus.Properties"

// CallOption adjusts the behavior of a single method call or property
// access.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout bounds how long a call may take before it fails with a
// deadline exceeded error. The timeout applies on top of the call's
// context, so an earlier deadline already present on that context
// still takes effect.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func withCallOptions(ctx context.Context, opts []CallOption) (context.Context, context.CancelFunc) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.timeout)
}

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Compare compares two interfaces, with the same convention as [cmp.Compare].
func (f Interface) Compare(other Interface) int {
	if ret := f.Object().Compare(other.Object()); ret != 0 {
		return ret
	}
	return cmp.Compare(f.Name(), other.Name())
}

// Call calls method on the interface with the given request body, and
// writes the response into response.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the body and response types to the signature of the method
// being invoked. Body may be nil for methods that accept no
// parameters. Response may be nil for methods that return no values.
func (f Interface) Call(ctx context.Context, method string, body any, response any, opts ...CallOption) error {
	ctx, cancel := withCallOptions(ctx, opts)
	defer cancel()
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, response, false)
}

// OneWay calls method on the interface with the given request body,
// and tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the body to the signature of the method being
// invoked. Body may be nil for methods that accept no parameters.
func (f Interface) OneWay(ctx context.Context, method string, body any, opts ...CallOption) error {
	ctx, cancel := withCallOptions(ctx, opts)
	defer cancel()
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, nil, true)
}

// GetProperty reads the value of the given property into val.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface. val may also be of type *any to
// retrieve a property without knowing its type.
func (f Interface) GetProperty(ctx context.Context, name string, val any, opts ...CallOption) error {
	want := reflect.ValueOf(val)
	if !want.IsValid() {
		return errors.New("cannot read property into nil interface")
	}
	if want.Kind() != reflect.Pointer {
		return errors.New("cannot read property into non-pointer")
	}
	if want.IsNil() {
		return errors.New("cannot read property into nil pointer")
	}

	var resp any
	req := struct {
		InterfaceName string
		PropertyName  string
	}{f.name, name}
	err := f.Object().Interface(ifaceProps).Call(ctx, "Get", req, &resp, opts...)
	if err != nil {
		return err
	}

	got := reflect.ValueOf(resp)
	if !got.Type().AssignableTo(want.Type().Elem()) {
		return fmt.Errorf("property type %s is not assignable to %s", got.Type(), want.Type())
	}
	want.Elem().Set(got)

	return nil
}

// SetProperty sets the given property to value.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value any, opts ...CallOption) error {
	req := struct {
		InterfaceName string
		PropertyName  string
		Value         any
	}{f.name, name, value}
	return f.Object().Interface(ifaceProps).Call(ctx, "Set", req, nil, opts...)
}

// GetProperty reads the value of the named property on iface into a
// freshly allocated T.
func GetProperty[T any](ctx context.Context, iface Interface, name string) (T, error) {
	var val T
	err := iface.GetProperty(ctx, name, &val)
	return val, err
}

// GetAllProperties returns all the properties exported by the
// interface.
func (f Interface) GetAllProperties(ctx context.Context, opts ...CallOption) (map[string]any, error) {
	var resp map[string]any
	err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", f.name, &resp, opts...)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

package dbus

import (
	"cmp"
	"context"
	"fmt"
)

type Object struct {
	p    Peer
	path ObjectPath
}

func (o Object) Conn() *Conn      { return o.p.Conn() }
func (o Object) Peer() Peer       { return o.p }
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Compare compares two objects, with the same convention as [cmp.Compare].
func (o Object) Compare(other Object) int {
	if ret := o.p.Compare(other.p); ret != 0 {
		return ret
	}
	return cmp.Compare(o.path, other.path)
}

func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

func (o Object) Introspect(ctx context.Context) (string, error) {
	req := Request{
		Destination: o.p.name,
		Path:        o.path,
		Interface:   "org.freedesktop.DBus.Introspectable",
		Method:      "Introspect",
	}
	var resp string
	if err := o.p.c.Call(ctx, req, &resp); err != nil {
		return "", err
	}
	return resp, nil
}

// Call invokes method on the object's [ifaceBus] interface. It exists
// to let [Conn]'s bus-daemon methods call the daemon's own object
// without spelling out its interface name at every call site.
func (o Object) Call(ctx context.Context, method string, body, response any, opts ...CallOption) error {
	return o.Interface(ifaceBus).Call(ctx, method, body, response, opts...)
}

// GetProperty reads a property exposed directly by the object's
// [ifaceBus] interface.
func (o Object) GetProperty(ctx context.Context, name string, val any, opts ...CallOption) error {
	return o.Interface(ifaceBus).GetProperty(ctx, name, val, opts...)
}

func (o Object) Interfaces(ctx context.Context) ([]Interface, error) {
	names, err := GetProperty[[]string](ctx, o.Interface("org.freedesktop.DBus"), "Interfaces")
	if err != nil {
		return nil, err
	}
	ret := make([]Interface, 0, len(names))
	for _, n := range names {
		ret = append(ret, o.Interface(n))
	}
	return ret, nil
}

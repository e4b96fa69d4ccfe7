package dbus

import (
	"encoding/xml"
	"fmt"
	"reflect"
)

// PropertyMode describes the access and notification behavior of a
// declared property.
type PropertyMode uint8

const (
	// PropReadable allows Properties.Get.
	PropReadable PropertyMode = 1 << iota
	// PropWritable allows Properties.Set.
	PropWritable
	// PropNotifying means writes emit PropertiesChanged with the new
	// value.
	PropNotifying
	// PropInvalidates means writes emit PropertiesChanged with the
	// property listed as invalidated, rather than carrying its value.
	PropInvalidates

	// PropReadWrite is shorthand for PropReadable|PropWritable.
	PropReadWrite = PropReadable | PropWritable
)

// MethodDesc describes one method of a declared interface.
type MethodDesc struct {
	Name   string
	In     reflect.Type
	Out    reflect.Type
	Oneway bool
	// Errors maps a declared error's wire name to the Go type that
	// represents it. A reply bearing one of these names is decoded
	// into that type instead of a generic CallError.
	Errors map[string]reflect.Type
}

// SignalDesc describes one signal of a declared interface.
type SignalDesc struct {
	Name string
	Type reflect.Type
}

// PropertyDesc describes one property of a declared interface.
type PropertyDesc struct {
	Name string
	Type reflect.Type
	Mode PropertyMode
}

// InterfaceDesc is the meta-model for a declared DBus interface: the
// set of methods, signals and properties it offers, keyed by name,
// shared identically by a Stub and a Skeleton for the same interface.
type InterfaceDesc struct {
	Name       string
	Methods    map[string]MethodDesc
	Signals    map[string]SignalDesc
	Properties map[string]PropertyDesc
}

// NewInterfaceDesc returns an empty descriptor for the named
// interface, ready to be populated with Method/Signal/Property.
func NewInterfaceDesc(name string) *InterfaceDesc {
	return &InterfaceDesc{
		Name:       name,
		Methods:    map[string]MethodDesc{},
		Signals:    map[string]SignalDesc{},
		Properties: map[string]PropertyDesc{},
	}
}

// Method registers a method on the interface, deriving its DBus
// signatures from in/out's Go types. fn is used only for its type; it
// is not called.
func (d *InterfaceDesc) Method(name string, fn any, oneway bool) *InterfaceDesc {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		panic(fmt.Errorf("Method(%q): fn must be a function, got %T", name, fn))
	}
	md := MethodDesc{Name: name, Oneway: oneway}
	// fn has the shape func(context.Context, ObjectPath[, Req]) ([Resp,] error),
	// matching handlerForFunc's accepted signatures.
	if t.NumIn() == 3 {
		md.In = t.In(2)
	}
	if t.NumOut() == 2 {
		md.Out = t.Out(0)
	}
	d.Methods[name] = md
	return d
}

// Throws registers a declared error type for method name, by its
// wire error name.
func (d *InterfaceDesc) Throws(method, errorName string, errType reflect.Type) *InterfaceDesc {
	md, ok := d.Methods[method]
	if !ok {
		panic(fmt.Errorf("Throws(%q, %q): no such method", method, errorName))
	}
	if md.Errors == nil {
		md.Errors = map[string]reflect.Type{}
	}
	md.Errors[errorName] = errType
	d.Methods[method] = md
	return d
}

// Signal registers a signal on the interface, with payload type T.
func (d *InterfaceDesc) Signal(name string, sample any) *InterfaceDesc {
	d.Signals[name] = SignalDesc{Name: name, Type: reflect.TypeOf(sample)}
	return d
}

// Property registers a property on the interface, with value type
// matching sample's type.
func (d *InterfaceDesc) Property(name string, sample any, mode PropertyMode) *InterfaceDesc {
	d.Properties[name] = PropertyDesc{Name: name, Type: reflect.TypeOf(sample), Mode: mode}
	return d
}

// ErrorTypeFor looks up the Go error type registered for a declared
// error's wire name on the given method.
func (d *InterfaceDesc) ErrorTypeFor(method, errorName string) (reflect.Type, bool) {
	md, ok := d.Methods[method]
	if !ok {
		return nil, false
	}
	t, ok := md.Errors[errorName]
	return t, ok
}

// IntrospectionXML renders the interface as an
// org.freedesktop.DBus.Introspectable <interface> element.
func (d *InterfaceDesc) IntrospectionXML() (string, error) {
	type arg struct {
		Name      string `xml:"name,attr,omitempty"`
		Type      string `xml:"type,attr"`
		Direction string `xml:"direction,attr,omitempty"`
	}
	type method struct {
		Name string `xml:"name,attr"`
		Args []arg  `xml:"arg"`
	}
	type signal struct {
		Name string `xml:"name,attr"`
		Args []arg  `xml:"arg"`
	}
	type property struct {
		Name   string `xml:"name,attr"`
		Type   string `xml:"type,attr"`
		Access string `xml:"access,attr"`
	}
	out := struct {
		XMLName    xml.Name   `xml:"interface"`
		Name       string     `xml:"name,attr"`
		Methods    []method   `xml:"method"`
		Signals    []signal   `xml:"signal"`
		Properties []property `xml:"property"`
	}{Name: d.Name}

	argsFor := func(t reflect.Type, direction string) ([]arg, error) {
		if t == nil {
			return nil, nil
		}
		sig, err := signatureOfType(t)
		if err != nil {
			return nil, err
		}
		var ret []arg
		for part := range sig.Parts() {
			ret = append(ret, arg{Type: part.String(), Direction: direction})
		}
		return ret, nil
	}

	for _, m := range d.Methods {
		in, err := argsFor(m.In, "in")
		if err != nil {
			return "", fmt.Errorf("method %s: %w", m.Name, err)
		}
		var outArgs []arg
		if !m.Oneway {
			outArgs, err = argsFor(m.Out, "out")
			if err != nil {
				return "", fmt.Errorf("method %s: %w", m.Name, err)
			}
		}
		out.Methods = append(out.Methods, method{Name: m.Name, Args: append(in, outArgs...)})
	}
	for _, s := range d.Signals {
		args, err := argsFor(s.Type, "")
		if err != nil {
			return "", fmt.Errorf("signal %s: %w", s.Name, err)
		}
		out.Signals = append(out.Signals, signal{Name: s.Name, Args: args})
	}
	for _, p := range d.Properties {
		sig, err := signatureOfType(p.Type)
		if err != nil {
			return "", fmt.Errorf("property %s: %w", p.Name, err)
		}
		access := "read"
		switch {
		case p.Mode&PropReadWrite == PropReadWrite:
			access = "readwrite"
		case p.Mode&PropWritable != 0:
			access = "write"
		}
		out.Properties = append(out.Properties, property{Name: p.Name, Type: sig.String(), Access: access})
	}

	bs, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

func signatureOfType(t reflect.Type) (Signature, error) {
	g := signatureGen{}
	return g.get(t)
}

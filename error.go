package dbus

import (
	"fmt"
	"reflect"
)

// TypeError is the error returned when a type cannot be represented
// in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// ErrorName returns e.Name, so that a CallError received off the wire
// satisfies DeclaredError and can be matched against a MethodDesc's
// declared error set.
func (e CallError) ErrorName() string {
	return e.Name
}

// DeclaredError is implemented by user error types that want a
// specific wire error name instead of the generic
// unhandledExceptionErrorName.
type DeclaredError interface {
	error
	ErrorName() string
}

// unhandledExceptionErrorName is the wire error name used when a
// skeleton method handler returns an error that isn't a DeclaredError.
const unhandledExceptionErrorName = "simppl.dbus.UnhandledException"

// Well-known transport error names.
const (
	errNameNoReply      = "org.freedesktop.DBus.Error.NoReply"
	errNameTimeout      = "org.freedesktop.DBus.Error.Timeout"
	errNameFailed       = "org.freedesktop.DBus.Error.Failed"
	errNameNoMethod     = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameDisconnected = "org.freedesktop.DBus.Error.Disconnected"
)

// TransportError is returned when a call fails for reasons outside
// the remote handler: a deadline expired, the stub or dispatcher was
// closed, or the peer disappeared from the bus.
type TransportError struct {
	// Name is a DBus-style dotted error name describing the failure.
	Name string
	// Cause is the underlying error, if any.
	Cause error
}

func (e TransportError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("transport error %s", e.Name)
	}
	return fmt.Sprintf("transport error %s: %s", e.Name, e.Cause)
}

func (e TransportError) Unwrap() error {
	return e.Cause
}

func (e TransportError) ErrorName() string {
	return e.Name
}

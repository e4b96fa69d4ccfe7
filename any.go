package dbus

import (
	"bytes"
	"context"
	"fmt"
	"reflect"

	"github.com/halfdan/dbusrpc/fragments"
)

// Any is a heterogeneous value usable anywhere a DBus variant is
// declared. Unlike [Variant], which only remembers the decoded Go
// value, Any also remembers the exact signature that produced it, so
// that a value can be round-tripped to the wire without re-deriving
// its type. An Any built with [NewAny] keeps the wrapped value's Go
// type, including named types such as enums; an Any filled in by
// decoding holds a value of the Go type derived from its signature,
// so a named type arrives as its underlying primitive.
type Any struct {
	sig Signature
	val reflect.Value
}

// NewAny wraps v as an Any, recording its DBus signature.
func NewAny[T any](v T) Any {
	sig, err := SignatureFor[T]()
	if err != nil {
		panic(fmt.Errorf("cannot use %T as an Any value: %w", v, err))
	}
	return Any{sig: sig, val: reflect.ValueOf(v)}
}

// Signature returns the recorded DBus signature of the wrapped value.
func (a Any) Signature() Signature { return a.sig }

// Is reports whether the wrapped value can be converted to T without
// error.
func Is[T any](a Any) bool {
	if !a.val.IsValid() {
		return false
	}
	want := reflect.TypeFor[T]()
	got := a.val.Type()
	if got == want {
		return true
	}
	if got.AssignableTo(want) || (got.ConvertibleTo(want) && (want.Kind() != reflect.String || got.Kind() == reflect.String)) {
		return true
	}
	return structurallyCompatible(got, want)
}

// As converts the wrapped value to T, returning a [TypeError] if the
// value's structure doesn't match T.
func As[T any](a Any) (T, error) {
	var zero T
	if !a.val.IsValid() {
		return zero, typeErr(reflect.TypeFor[T](), "empty Any value")
	}
	want := reflect.TypeFor[T]()
	got := a.val.Type()

	if got == want {
		return a.val.Interface().(T), nil
	}
	if got.AssignableTo(want) {
		return a.val.Convert(want).Interface().(T), nil
	}
	if got.ConvertibleTo(want) && want.Kind() != reflect.Slice && want.Kind() != reflect.Map && want.Kind() != reflect.Struct && (want.Kind() != reflect.String || got.Kind() == reflect.String) {
		return a.val.Convert(want).Interface().(T), nil
	}

	// Fall through to the DBus wire format as the universal
	// structural converter: re-encode the wrapped value using its
	// recorded signature, then decode it into T. This is correct by
	// construction, since Marshal/Unmarshal already implement the
	// structural compatibility rules a signature describes.
	bs, err := Marshal(a.val.Interface(), fragments.NativeEndian)
	if err != nil {
		return zero, fmt.Errorf("converting Any to %s: %w", want, err)
	}
	var out T
	if err := Unmarshal(bytes.NewReader(bs), fragments.NativeEndian, &out); err != nil {
		return zero, typeErr(want, "Any value with signature %q is not convertible to %s: %v", a.sig, want, err)
	}
	return out, nil
}

// structurallyCompatible reports whether a value of type got could be
// converted to a value of type want via the DBus wire format: same
// top-level shape (slice/map/struct) recursively.
func structurallyCompatible(got, want reflect.Type) bool {
	if got.Kind() != want.Kind() {
		return false
	}
	switch got.Kind() {
	case reflect.Slice, reflect.Array:
		return structurallyCompatible(got.Elem(), want.Elem())
	case reflect.Map:
		return structurallyCompatible(got.Key(), want.Key()) && structurallyCompatible(got.Elem(), want.Elem())
	case reflect.Struct:
		gf, err1 := getStructInfo(got)
		wf, err2 := getStructInfo(want)
		if err1 != nil || err2 != nil || len(gf.StructFields) != len(wf.StructFields) {
			return false
		}
		for i := range gf.StructFields {
			if !structurallyCompatible(gf.StructFields[i].Type, wf.StructFields[i].Type) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (a Any) IsDBusStruct() bool { return false }

var anySignature = mustParseSignature("v")

func (a Any) SignatureDBus() Signature { return anySignature }

// MarshalDBus writes the Any as a DBus variant: its recorded
// signature followed by the value encoded against that signature.
func (a Any) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if !a.val.IsValid() {
		return fmt.Errorf("cannot marshal empty Any value")
	}
	if err := e.Value(ctx, a.sig); err != nil {
		return err
	}
	return e.Value(ctx, a.val.Interface())
}

// UnmarshalDBus reads a DBus variant into the Any, preserving its
// wire signature.
func (a *Any) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	var sig Signature
	if err := d.Value(ctx, &sig); err != nil {
		return fmt.Errorf("reading Any signature: %w", err)
	}
	t := sig.Type()
	if t == nil {
		return fmt.Errorf("unsupported Any type signature %q", sig)
	}
	v := reflect.New(t)
	if err := d.Value(ctx, v.Interface()); err != nil {
		return fmt.Errorf("reading Any value (signature %q): %w", sig, err)
	}
	a.sig = sig
	a.val = v.Elem()
	return nil
}

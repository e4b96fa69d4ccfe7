package dbus

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

var (
	signalsMu   sync.Mutex
	signalTypes = map[string]reflect.Type{
		"org.freedesktop.DBus.NameOwnerChanged":                reflect.TypeFor[NameOwnerChanged](),
		"org.freedesktop.DBus.NameLost":                        reflect.TypeFor[NameLost](),
		"org.freedesktop.DBus.NameAcquired":                    reflect.TypeFor[NameAcquired](),
		"org.freedesktop.DBus.ActivatableServicesChanged":      reflect.TypeFor[ActivatableServicesChanged](),
		"org.freedesktop.DBus.Properties.PropertiesChanged":    reflect.TypeFor[PropertiesChanged](),
		"org.freedesktop.DBus.ObjectManager.InterfacesAdded":   reflect.TypeFor[InterfacesAdded](),
		"org.freedesktop.DBus.ObjectManager.InterfacesRemoved": reflect.TypeFor[InterfacesRemoved](),
	}
)

// RegisterSignalType associates the Go type T with the named signal on
// interfaceName, so that received signals of that name decode directly
// into T instead of a generic struct.
func RegisterSignalType[T any](interfaceName, signalName string) {
	name := interfaceName + "." + signalName
	t := reflect.TypeFor[T]()
	if _, err := SignatureFor[T](); err != nil {
		panic(fmt.Errorf("cannot use %s as dbus type for signal %s: %w", t, name, err))
	}
	signalsMu.Lock()
	defer signalsMu.Unlock()
	if prev := signalTypes[name]; prev != nil {
		panic(fmt.Errorf("duplicate signal type registration for %s, existing registration %s", name, prev))
	}
	signalTypes[name] = t
}

// signalTypeFor returns the Go type registered for the named signal,
// if any.
func signalTypeFor(interfaceName, signalName string) reflect.Type {
	name := interfaceName + "." + signalName
	signalsMu.Lock()
	defer signalsMu.Unlock()
	return signalTypes[name]
}

// signalKey identifies a signal by its interface and member name.
type signalKey struct {
	Interface string
	Member    string
}

// signalNameFor returns the interface and member name that signal
// type t was registered under with [RegisterSignalType], if any.
func signalNameFor(t reflect.Type) (signalKey, bool) {
	signalsMu.Lock()
	defer signalsMu.Unlock()
	for name, rt := range signalTypes {
		if rt != t {
			continue
		}
		idx := strings.LastIndex(name, ".")
		if idx < 0 {
			continue
		}
		return signalKey{Interface: name[:idx], Member: name[idx+1:]}, true
	}
	return signalKey{}, false
}

var (
	propTypesMu sync.Mutex
	propTypes   = map[string]reflect.Type{}
)

// RegisterPropertyChangeType associates the Go type T with the named
// property on interfaceName, so that received PropertiesChanged
// notifications for that property decode directly into T.
func RegisterPropertyChangeType[T any](interfaceName, propName string) {
	name := interfaceName + "." + propName
	t := reflect.TypeFor[T]()
	if _, err := SignatureFor[T](); err != nil {
		panic(fmt.Errorf("cannot use %s as dbus type for property %s: %w", t, name, err))
	}
	propTypesMu.Lock()
	defer propTypesMu.Unlock()
	if prev := propTypes[name]; prev != nil {
		panic(fmt.Errorf("duplicate property type registration for %s, existing registration %s", name, prev))
	}
	propTypes[name] = t
}

// propTypeFor returns the Go type registered for the named property,
// if any.
func propTypeFor(interfaceName, propName string) reflect.Type {
	name := interfaceName + "." + propName
	propTypesMu.Lock()
	defer propTypesMu.Unlock()
	return propTypes[name]
}

// propNameFor returns the interface and property name that type t was
// registered under with [RegisterPropertyChangeType], if any.
func propNameFor(t reflect.Type) (signalKey, bool) {
	propTypesMu.Lock()
	defer propTypesMu.Unlock()
	for name, rt := range propTypes {
		if rt != t {
			continue
		}
		idx := strings.LastIndex(name, ".")
		if idx < 0 {
			continue
		}
		return signalKey{Interface: name[:idx], Member: name[idx+1:]}, true
	}
	return signalKey{}, false
}

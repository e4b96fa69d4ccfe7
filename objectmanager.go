package dbus

import (
	"context"
	"fmt"
	"sync"
)

// ObjectManager implements org.freedesktop.DBus.ObjectManager at a
// root object path, tracking a set of child Skeletons and announcing
// their arrival and departure with InterfacesAdded/InterfacesRemoved
// signals.
//
// Children are announced one at a time, in the order they're added or
// removed: two children registered in the same call each get their
// own InterfacesAdded signal, rather than a single signal batching
// both.
type ObjectManager struct {
	sk       *Skeleton
	mu       sync.Mutex
	children map[ObjectPath]*Skeleton
}

// NewObjectManager creates an ObjectManager at path on conn, and
// registers org.freedesktop.DBus.ObjectManager's single method
// (GetManagedObjects) there. The manager does not claim a bus name of
// its own; it's reachable via conn's connection-assigned unique name,
// alongside whatever name the application has already claimed.
func NewObjectManager(conn *Conn, path ObjectPath) *ObjectManager {
	sk, err := NewSkeleton(conn, "", path)
	if err != nil {
		// NewSkeleton only fails when claiming a bus name, and we pass
		// none.
		panic(err)
	}
	om := &ObjectManager{
		sk:       sk,
		children: map[ObjectPath]*Skeleton{},
	}
	om.sk.Handle("org.freedesktop.DBus.ObjectManager", "GetManagedObjects", om.getManagedObjects)
	desc := om.sk.Desc("org.freedesktop.DBus.ObjectManager")
	desc.Signal("InterfacesAdded", InterfacesAdded{})
	desc.Signal("InterfacesRemoved", InterfacesRemoved{})
	return om
}

// Path returns the object path the manager itself lives at.
func (om *ObjectManager) Path() ObjectPath { return om.sk.Path() }

// AddManagedObject registers child as managed by om and broadcasts
// InterfacesAdded for it, carrying the current value of every
// readable property on every interface child has registered.
func (om *ObjectManager) AddManagedObject(ctx context.Context, child *Skeleton) error {
	om.mu.Lock()
	om.children[child.Path()] = child
	om.mu.Unlock()

	signal := &InterfacesAdded{
		Object:     child.Object(),
		Properties: map[string]map[string]any{},
	}
	for _, name := range child.Interfaces() {
		signal.Interfaces = append(signal.Interfaces, child.Object().Interface(name))
		props, err := child.getAllProperties(name)
		if err != nil {
			return fmt.Errorf("reading properties of interface %s while adding %s: %w", name, child.Path(), err)
		}
		signal.Properties[name] = props
	}
	return om.sk.Emit(ctx, signal)
}

// RemoveManagedObject stops tracking child and broadcasts
// InterfacesRemoved listing every interface it had registered at the
// time of removal.
func (om *ObjectManager) RemoveManagedObject(ctx context.Context, child *Skeleton) error {
	om.mu.Lock()
	delete(om.children, child.Path())
	om.mu.Unlock()

	signal := &InterfacesRemoved{Object: child.Object()}
	for _, name := range child.Interfaces() {
		signal.Interfaces = append(signal.Interfaces, child.Object().Interface(name))
	}
	return om.sk.Emit(ctx, signal)
}

// GetManagedObjects returns the current snapshot of every managed
// child's interfaces and readable properties, keyed first by object
// path and then by interface name.
func (om *ObjectManager) GetManagedObjects() (map[ObjectPath]map[string]map[string]any, error) {
	return om.getManagedObjects(context.Background(), om.sk.Path())
}

func (om *ObjectManager) getManagedObjects(ctx context.Context, obj ObjectPath) (map[ObjectPath]map[string]map[string]any, error) {
	om.mu.Lock()
	children := make([]*Skeleton, 0, len(om.children))
	for _, c := range om.children {
		children = append(children, c)
	}
	om.mu.Unlock()

	ret := map[ObjectPath]map[string]map[string]any{}
	for _, child := range children {
		ifaces := map[string]map[string]any{}
		for _, name := range child.Interfaces() {
			props, err := child.getAllProperties(name)
			if err != nil {
				return nil, fmt.Errorf("reading properties of interface %s on %s: %w", name, child.Path(), err)
			}
			ifaces[name] = props
		}
		ret[child.Path()] = ifaces
	}
	return ret, nil
}

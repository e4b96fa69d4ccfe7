package dbus_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/halfdan/dbusrpc"
)

const greeterIface = "org.dbusrpc.test.Greeter"

type greeterRequest struct {
	Name string
}

type greeterResponse struct {
	Greeting string
}

type greeterErrorTooLoud struct {
	Detail string
}

func (e greeterErrorTooLoud) Error() string     { return "greeting too loud: " + e.Detail }
func (e greeterErrorTooLoud) ErrorName() string { return "org.dbusrpc.test.Greeter.TooLoud" }

type greetedSignal struct {
	Name string
}

type moodChanged struct {
	Mood string
}

func greeterDesc() *dbus.InterfaceDesc {
	d := dbus.NewInterfaceDesc(greeterIface)
	d.Method("Greet", func(context.Context, dbus.ObjectPath, greeterRequest) (greeterResponse, error) { return greeterResponse{}, nil }, false)
	d.Throws("Greet", "org.dbusrpc.test.Greeter.TooLoud", reflect.TypeOf(greeterErrorTooLoud{}))
	d.Method("GreetAsync", func(context.Context, dbus.ObjectPath, greeterRequest, *dbus.ServerRequestDescriptor) error { return nil }, false)
	d.Signal("Greeted", greetedSignal{})
	d.Property("Mood", "neutral", dbus.PropReadWrite|dbus.PropNotifying)
	return d
}

// TestSkeletonStub wires a Skeleton-backed server object and a
// Stub-based client together over a real bus connection, exercising
// synchronous calls, declared errors, deferred replies, property
// reads/writes with a change observer attached, and signal emission
// with a subscriber attached.
func TestSkeletonStub(t *testing.T) {
	mkConn, stop := runTestDBus(t)
	defer stop()

	dbus.RegisterSignalType[greetedSignal](greeterIface, "Greeted")
	dbus.RegisterPropertyChangeType[moodChanged](greeterIface, "Mood")

	serverConn := mkConn()
	defer serverConn.Close()
	clientConn := mkConn()
	defer clientConn.Close()

	const path = dbus.ObjectPath("/test/greeter")
	sk, err := dbus.NewSkeleton(serverConn, "org.dbusrpc.test.Greeter", path)
	if err != nil {
		t.Fatalf("NewSkeleton failed: %v", err)
	}
	defer sk.Close()

	sk.Handle(greeterIface, "Greet", func(ctx context.Context, obj dbus.ObjectPath, req greeterRequest) (greeterResponse, error) {
		if req.Name == "" {
			return greeterResponse{}, greeterErrorTooLoud{Detail: "no name given"}
		}
		return greeterResponse{Greeting: "hello, " + req.Name}, nil
	})
	sk.Throws(greeterIface, "Greet", "org.dbusrpc.test.Greeter.TooLoud", reflect.TypeOf(greeterErrorTooLoud{}))

	sk.HandleDeferred(greeterIface, "GreetAsync", func(ctx context.Context, obj dbus.ObjectPath, req greeterRequest, r *dbus.ServerRequestDescriptor) error {
		go func() {
			time.Sleep(10 * time.Millisecond)
			bg := context.Background()
			if req.Name == "" {
				dbus.RespondErrorOn(bg, r, greeterErrorTooLoud{Detail: "no name given"})
				return
			}
			dbus.RespondOn(bg, r, greeterResponse{Greeting: "hello (async), " + req.Name})
		}()
		return nil
	}, nil)

	sk.Property(greeterIface, "Mood", "neutral", dbus.PropReadWrite|dbus.PropNotifying, nil)

	clientObj := clientConn.Peer(serverConn.LocalName()).Object(path)
	stub := dbus.NewStub[struct{}](clientObj.Interface(greeterIface), greeterDesc())

	t.Run("call", func(t *testing.T) {
		resp, err := dbus.Call[greeterRequest, greeterResponse](context.Background(), stub, "Greet", greeterRequest{Name: "world"})
		if err != nil {
			t.Fatalf("Greet() failed: %v", err)
		}
		if resp.Greeting != "hello, world" {
			t.Errorf("Greet() = %q, want %q", resp.Greeting, "hello, world")
		}
	})

	t.Run("declared error", func(t *testing.T) {
		_, err := dbus.Call[greeterRequest, greeterResponse](context.Background(), stub, "Greet", greeterRequest{})
		var tooLoud greeterErrorTooLoud
		if !errors.As(err, &tooLoud) {
			t.Fatalf("Greet() error = %v, want a greeterErrorTooLoud", err)
		}
		if tooLoud.Detail != "no name given" {
			t.Errorf("tooLoud.Detail = %q, want %q", tooLoud.Detail, "no name given")
		}
	})

	t.Run("deferred call", func(t *testing.T) {
		resp, err := dbus.Call[greeterRequest, greeterResponse](context.Background(), stub, "GreetAsync", greeterRequest{Name: "async world"})
		if err != nil {
			t.Fatalf("GreetAsync() failed: %v", err)
		}
		if want := "hello (async), async world"; resp.Greeting != want {
			t.Errorf("GreetAsync() = %q, want %q", resp.Greeting, want)
		}
	})

	t.Run("properties", func(t *testing.T) {
		var mood string
		if err := stub.GetProperty(context.Background(), "Mood", &mood); err != nil {
			t.Fatalf("GetProperty(Mood) failed: %v", err)
		}
		if mood != "neutral" {
			t.Errorf("Mood = %q, want %q", mood, "neutral")
		}

		detach, err := dbus.AttachProperty[moodChanged](stub, "Mood", func(moodChanged) {})
		if err != nil {
			t.Fatalf("AttachProperty failed: %v", err)
		}
		defer detach()

		if err := stub.SetProperty(context.Background(), "Mood", "delighted"); err != nil {
			t.Fatalf("SetProperty(Mood) failed: %v", err)
		}
		if err := stub.GetProperty(context.Background(), "Mood", &mood); err != nil {
			t.Fatalf("GetProperty(Mood) after Set failed: %v", err)
		}
		if mood != "delighted" {
			t.Errorf("Mood after Set = %q, want %q", mood, "delighted")
		}
	})

	t.Run("signal", func(t *testing.T) {
		detach, err := dbus.AttachSignal(stub, func(greetedSignal) {})
		if err != nil {
			t.Fatalf("AttachSignal failed: %v", err)
		}
		defer detach()

		if err := sk.Emit(context.Background(), &greetedSignal{Name: "world"}); err != nil {
			t.Fatalf("Emit(Greeted) failed: %v", err)
		}
	})
}

// TestObjectManagerIntegration exercises AddManagedObject/
// RemoveManagedObject/GetManagedObjects against a live bus, confirming
// that a remote caller observes the same managed-object set a
// GetManagedObjects call reports directly against the ObjectManager.
func TestObjectManagerIntegration(t *testing.T) {
	mkConn, stop := runTestDBus(t)
	defer stop()

	serverConn := mkConn()
	defer serverConn.Close()
	clientConn := mkConn()
	defer clientConn.Close()

	om := dbus.NewObjectManager(serverConn, "/test")
	child, err := dbus.NewSkeleton(serverConn, "", "/test/child1")
	if err != nil {
		t.Fatalf("NewSkeleton failed: %v", err)
	}
	defer child.Close()
	child.Property(greeterIface, "Mood", "neutral", dbus.PropReadable, nil)

	if err := om.AddManagedObject(context.Background(), child); err != nil {
		t.Fatalf("AddManagedObject failed: %v", err)
	}

	got, err := om.GetManagedObjects()
	if err != nil {
		t.Fatalf("GetManagedObjects (local) failed: %v", err)
	}
	if _, ok := got[child.Path()]; !ok {
		t.Fatalf("GetManagedObjects (local) missing %s, got %v", child.Path(), got)
	}

	clientObj := clientConn.Peer(serverConn.LocalName()).Object(om.Path())
	var remote map[dbus.ObjectPath]map[string]map[string]any
	err = clientObj.Interface("org.freedesktop.DBus.ObjectManager").Call(context.Background(), "GetManagedObjects", nil, &remote)
	if err != nil {
		t.Fatalf("GetManagedObjects (remote) failed: %v", err)
	}
	ifaces, ok := remote[child.Path()]
	if !ok {
		t.Fatalf("remote GetManagedObjects missing %s, got %v", child.Path(), remote)
	}
	props, ok := ifaces[greeterIface]
	if !ok {
		t.Fatalf("remote GetManagedObjects missing interface %s, got %v", greeterIface, ifaces)
	}
	if fmt.Sprint(props["Mood"]) != "neutral" {
		t.Errorf("remote Mood = %v, want neutral", props["Mood"])
	}

	if err := om.RemoveManagedObject(context.Background(), child); err != nil {
		t.Fatalf("RemoveManagedObject failed: %v", err)
	}
	got, err = om.GetManagedObjects()
	if err != nil {
		t.Fatalf("GetManagedObjects after remove failed: %v", err)
	}
	if _, ok := got[child.Path()]; ok {
		t.Fatalf("GetManagedObjects still reports %s after removal", child.Path())
	}
}

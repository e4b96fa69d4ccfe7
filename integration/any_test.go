package dbus_test

import (
	"context"
	"testing"

	"github.com/halfdan/dbusrpc"
)

const complexIface = "org.dbusrpc.test.Complex"

type complexRequest struct {
	Value dbus.Any
}

type complexResponse struct {
	Values []dbus.Any
}

// point is the user struct returned as one of Complex's Any values,
// exercising a compound (non-primitive) reply element.
type point struct {
	X float64
	Y float64
}

func complexDesc() *dbus.InterfaceDesc {
	d := dbus.NewInterfaceDesc(complexIface)
	d.Method("Complex", func(context.Context, dbus.ObjectPath, complexRequest) (complexResponse, error) {
		return complexResponse{}, nil
	}, false)
	return d
}

// TestAnyRoundTrip exercises Any end to end over a live bus: the
// client sends a []string wrapped in an Any, the server unwraps it
// with As, and replies with a slice of Any values of three different
// underlying types, each recovered with the matching As[T] on the
// client side.
func TestAnyRoundTrip(t *testing.T) {
	mkConn, stop := runTestDBus(t)
	defer stop()

	serverConn := mkConn()
	defer serverConn.Close()
	clientConn := mkConn()
	defer clientConn.Close()

	const path = dbus.ObjectPath("/test/complex")
	sk, err := dbus.NewSkeleton(serverConn, "org.dbusrpc.test.Complex", path)
	if err != nil {
		t.Fatalf("NewSkeleton failed: %v", err)
	}
	defer sk.Close()

	sk.Handle(complexIface, "Complex", func(ctx context.Context, obj dbus.ObjectPath, req complexRequest) (complexResponse, error) {
		strs, err := dbus.As[[]string](req.Value)
		if err != nil {
			return complexResponse{}, err
		}
		if len(strs) != 2 {
			t.Errorf("server: Complex request decoded to %d strings, want 2", len(strs))
		}
		return complexResponse{
			Values: []dbus.Any{
				dbus.NewAny(strs[0] + ", " + strs[1]),
				dbus.NewAny(int32(len(strs))),
				dbus.NewAny(point{X: 1.5, Y: 2.5}),
			},
		}, nil
	})

	clientObj := clientConn.Peer(serverConn.LocalName()).Object(path)
	stub := dbus.NewStub[struct{}](clientObj.Interface(complexIface), complexDesc())

	req := complexRequest{Value: dbus.NewAny([]string{"Hello", "World"})}
	resp, err := dbus.Call[complexRequest, complexResponse](context.Background(), stub, "Complex", req)
	if err != nil {
		t.Fatalf("Complex() failed: %v", err)
	}
	if len(resp.Values) != 3 {
		t.Fatalf("Complex() returned %d values, want 3", len(resp.Values))
	}

	greeting, err := dbus.As[string](resp.Values[0])
	if err != nil {
		t.Fatalf("As[string](Values[0]) failed: %v", err)
	}
	if greeting != "Hello, World" {
		t.Errorf("Values[0] = %q, want %q", greeting, "Hello, World")
	}

	count, err := dbus.As[int32](resp.Values[1])
	if err != nil {
		t.Fatalf("As[int32](Values[1]) failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Values[1] = %d, want 2", count)
	}

	pt, err := dbus.As[point](resp.Values[2])
	if err != nil {
		t.Fatalf("As[point](Values[2]) failed: %v", err)
	}
	if pt.X != 1.5 || pt.Y != 2.5 {
		t.Errorf("Values[2] = %+v, want {1.5 2.5}", pt)
	}
}

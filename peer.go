package dbus

import (
	"cmp"
	"context"
)

type Peer struct {
	c    *Conn
	name string
}

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string { return p.name }

// Compare compares two peers, with the same convention as [cmp.Compare].
func (p Peer) Compare(other Peer) int {
	return cmp.Compare(p.name, other.name)
}

func (p Peer) Ping(ctx context.Context) error {
	req := Request{
		Destination: p.name,
		Path:        "/",
		Interface:   "org.freedesktop.DBus.Peer",
		Method:      "Ping",
	}
	if err := p.c.Call(ctx, req, nil); err != nil {
		return err
	}
	return nil
}

func (p Peer) Conn() *Conn { return p.c }

func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}

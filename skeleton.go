package dbus

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/mapset"
	"github.com/google/uuid"
	"github.com/halfdan/dbusrpc/fragments"
)

// PropertyValidator checks a proposed new value for a property before
// it is stored and broadcast. Returning an error rejects the write;
// the error is reported to the caller of Properties.Set, and should
// usually be a [DeclaredError].
type PropertyValidator func(ctx context.Context, newValue any) error

// Skeleton is the server-side implementation of one DBus object. It
// owns the object's method handlers, its property backing store, and
// (if any interface declares a notifying property) the
// PropertiesChanged signal traffic that writes generate.
//
// A Skeleton must be registered with exactly one [Conn], at exactly
// one [ObjectPath], for its lifetime.
type Skeleton struct {
	conn  *Conn
	claim *Claim
	path  ObjectPath

	mu         sync.RWMutex
	interfaces map[string]*InterfaceDesc
	values     map[interfaceMember]any
	validators map[interfaceMember]PropertyValidator
}

// NewSkeleton creates a Skeleton for path on conn, and registers it to
// serve org.freedesktop.DBus.Properties and
// org.freedesktop.DBus.Introspectable for that path.
//
// If busName is non-empty, NewSkeleton claims it with [Conn.Claim]
// (default [ClaimOptions]) before returning, and releases the claim
// when the skeleton is closed. Pass "" for secondary objects that
// share a service's already-claimed name (e.g. an [ObjectManager]'s
// children), which only need to be reachable via conn's
// connection-assigned unique name.
func NewSkeleton(conn *Conn, busName string, path ObjectPath) (*Skeleton, error) {
	var claim *Claim
	if busName != "" {
		var err error
		claim, err = conn.Claim(busName, ClaimOptions{})
		if err != nil {
			return nil, fmt.Errorf("claiming bus name %q: %w", busName, err)
		}
	}

	sk := &Skeleton{
		conn:       conn,
		claim:      claim,
		path:       path,
		interfaces: map[string]*InterfaceDesc{},
		values:     map[interfaceMember]any{},
		validators: map[interfaceMember]PropertyValidator{},
	}
	conn.registerSkeleton(path, sk)
	return sk, nil
}

// Close unregisters the skeleton from its connection and releases any
// bus name claimed at construction. It does not remove any method
// handlers already registered with [Skeleton.Handle] (those are
// connection-wide, not per-object), since handlers read the target
// object out of each incoming call and are expected to reject calls
// to an unregistered object themselves.
func (sk *Skeleton) Close() {
	sk.conn.unregisterSkeleton(sk.path)
	if sk.claim != nil {
		sk.claim.Close()
	}
}

// Conn returns the connection the skeleton is attached to.
func (sk *Skeleton) Conn() *Conn { return sk.conn }

// Object returns the local object the skeleton implements.
func (sk *Skeleton) Object() Object { return sk.conn.Peer(sk.conn.LocalName()).Object(sk.path) }

// Path returns the skeleton's object path.
func (sk *Skeleton) Path() ObjectPath { return sk.path }

func (sk *Skeleton) desc(interfaceName string) *InterfaceDesc {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	d, ok := sk.interfaces[interfaceName]
	if !ok {
		d = NewInterfaceDesc(interfaceName)
		sk.interfaces[interfaceName] = d
	}
	return d
}

// Desc returns the descriptor accumulated so far for interfaceName, or
// nil if the skeleton has no methods, signals or properties registered
// on it.
func (sk *Skeleton) Desc(interfaceName string) *InterfaceDesc {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	return sk.interfaces[interfaceName]
}

// Interfaces returns the names of all interfaces the skeleton has
// registered methods, signals or properties for.
func (sk *Skeleton) Interfaces() []string {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	ret := make([]string, 0, len(sk.interfaces))
	for name := range sk.interfaces {
		ret = append(ret, name)
	}
	return ret
}

// Handle registers fn as the handler for methodName on interfaceName,
// for every object on the connection (fn receives the target
// [ObjectPath] and is responsible for rejecting calls to objects it
// doesn't serve, same as [Conn.Handle]).
//
// fn's signature must be one of the four forms accepted by
// [Conn.Handle].
func (sk *Skeleton) Handle(interfaceName, methodName string, fn any) *Skeleton {
	sk.conn.Handle(interfaceName, methodName, fn)
	sk.desc(interfaceName).Method(methodName, fn, false)
	return sk
}

// HandleDeferred registers fn as the handler for methodName on
// interfaceName, the same as [Skeleton.Handle], except fn's final
// parameter is a *[ServerRequestDescriptor] and fn returns only an
// error. A nil error means the call's reply is deferred: the caller
// must complete it later with [RespondOn] or [RespondErrorOn]. A
// non-nil error is sent back immediately, same as a non-deferred
// handler.
//
// fn must have one of these two shapes:
//
//	func(context.Context, dbus.ObjectPath, *dbus.ServerRequestDescriptor) error
//	func(context.Context, dbus.ObjectPath, ReqType, *dbus.ServerRequestDescriptor) error
func (sk *Skeleton) HandleDeferred(interfaceName, methodName string, fn any, respType reflect.Type) *Skeleton {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		panic(fmt.Errorf("HandleDeferred(%q, %q): fn must be a function, got %T", interfaceName, methodName, fn))
	}
	sk.handleDeferred(interfaceName, methodName, fn, t)

	md := MethodDesc{Name: methodName, Out: respType}
	if t.NumIn() == 4 {
		md.In = t.In(2)
	}
	sk.desc(interfaceName).Methods[methodName] = md
	return sk
}

// HandleOneWay is like [Skeleton.Handle], but marks the method as
// one-way in the interface descriptor (no out arguments are advertised
// in introspection). It does not affect dispatch: whether a reply is
// actually sent is controlled by the caller's NO_REPLY_EXPECTED flag,
// same as any other method.
func (sk *Skeleton) HandleOneWay(interfaceName, methodName string, fn any) *Skeleton {
	sk.conn.Handle(interfaceName, methodName, fn)
	sk.desc(interfaceName).Method(methodName, fn, true)
	return sk
}

// Throws records that method may fail with the declared error errType,
// under wire name errorName. See [InterfaceDesc.Throws].
func (sk *Skeleton) Throws(interfaceName, method, errorName string, errType reflect.Type) *Skeleton {
	sk.desc(interfaceName).Throws(method, errorName, errType)
	return sk
}

// deferredResponse is returned by a deferred handler's adapter in
// place of a real response, telling dispatchCall to send no reply.
type deferredResponse struct{}

// ServerRequestDescriptor identifies one in-flight method call whose
// reply will be sent asynchronously, outside the handler that received
// it.
type ServerRequestDescriptor struct {
	conn        *Conn
	destination string
	serial      uint32
	responded   atomic.Bool

	// Sequence uniquely identifies this deferred call, for logging and
	// correlating the originating request with whatever asynchronous
	// work eventually calls RespondOn/RespondErrorOn.
	Sequence string
}

// RespondOn sends resp as the successful reply to the call described
// by r. It is an error to call RespondOn or RespondErrorOn more than
// once for the same r.
func RespondOn(ctx context.Context, r *ServerRequestDescriptor, resp any) error {
	if !r.responded.CompareAndSwap(false, true) {
		err := fmt.Errorf("response already sent for this request")
		log.Printf("RespondOn(seq %s): %v", r.Sequence, err)
		return err
	}
	hdr := &header{
		Type:        msgTypeReturn,
		Version:     1,
		Destination: r.destination,
		ReplySerial: r.serial,
	}
	return r.conn.replyWithSerial(ctx, hdr, resp)
}

// RespondErrorOn sends err as the reply to the call described by r. If
// err implements [DeclaredError], its ErrorName() is used as the wire
// error name; otherwise the reply is sent as
// simppl.dbus.UnhandledException.
func RespondErrorOn(ctx context.Context, r *ServerRequestDescriptor, err error) error {
	if !r.responded.CompareAndSwap(false, true) {
		dupErr := fmt.Errorf("response already sent for this request")
		log.Printf("RespondErrorOn(seq %s): %v", r.Sequence, dupErr)
		return dupErr
	}
	hdr := &header{
		Type:        msgTypeError,
		Version:     1,
		Destination: r.destination,
		ReplySerial: r.serial,
	}
	if declared, ok := err.(DeclaredError); ok {
		hdr.ErrName = declared.ErrorName()
	} else {
		hdr.ErrName = unhandledExceptionErrorName
	}
	return r.conn.replyWithSerial(ctx, hdr, err.Error())
}

// replyWithSerial allocates a fresh serial for hdr and writes it, for
// use by replies sent outside the normal synchronous dispatchCall
// path.
func (c *Conn) replyWithSerial(ctx context.Context, hdr *header, body any) error {
	hdr.Serial = func() uint32 {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lastSerial++
		return c.lastSerial
	}()
	return c.writeMsg(ctx, hdr, body)
}

// handleDeferred wraps fn, whose last parameter is a
// *ServerRequestDescriptor, in a handlerFunc that builds the
// descriptor from the incoming call's header and installs it into the
// connection's handler table directly (bypassing [Conn.Handle]'s
// handlerForFunc, which doesn't know about ServerRequestDescriptor).
func (sk *Skeleton) handleDeferred(interfaceName, methodName string, fn any, t reflect.Type) {
	v := reflect.ValueOf(fn)
	ni, no := t.NumIn(), t.NumOut()
	// ni is 3 for func(ctx, ObjectPath, *ServerRequestDescriptor) and 4
	// for func(ctx, ObjectPath, Req, *ServerRequestDescriptor).
	if ni < 3 || ni > 4 || no != 1 || !t.Out(0).Implements(reflect.TypeFor[error]()) {
		panic(fmt.Errorf("HandleDeferred(%q, %q): handler must return only error, got %s", interfaceName, methodName, t))
	}
	if t.In(ni-1) != reflect.TypeFor[*ServerRequestDescriptor]() {
		panic(fmt.Errorf("HandleDeferred(%q, %q): last parameter must be *ServerRequestDescriptor, got %s", interfaceName, methodName, t))
	}

	var (
		reqDec fragments.DecoderFunc
		err    error
	)
	if ni == 4 {
		reqDec, err = decoderFor(t.In(2))
		if err != nil {
			panic(fmt.Errorf("HandleDeferred(%q, %q): request type %s is not a valid DBus type: %w", interfaceName, methodName, t.In(2), err))
		}
	}

	handler := func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
		var args []reflect.Value
		args = append(args, reflect.ValueOf(ctx), reflect.ValueOf(obj))
		if ni == 4 {
			body := reflect.New(t.In(2))
			if err := reqDec(ctx, req, body); err != nil {
				return nil, err
			}
			args = append(args, body.Elem())
		}

		sender, _ := ContextSender(ctx)
		srd := &ServerRequestDescriptor{
			conn:        sk.conn,
			destination: sender.Peer().Name(),
			Sequence:    uuid.NewString(),
		}
		if s, ok := ContextReplySerial(ctx); ok {
			srd.serial = s
		}
		args = append(args, reflect.ValueOf(srd))

		rets := v.Call(args)
		if errv, ok := rets[0].Interface().(error); ok && errv != nil {
			return nil, errv
		}
		// fn is responsible for completing the call via RespondOn or
		// RespondErrorOn; signal dispatchCall to send no reply here.
		return deferredResponse{}, nil
	}

	sk.conn.mu.Lock()
	defer sk.conn.mu.Unlock()
	sk.conn.handlers[interfaceMember{interfaceName, methodName}] = handler
}

// Property registers a readable (and, if mode includes PropWritable,
// writable) property on interfaceName, with initial value initial and
// the given access/notification mode. validator may be nil; if
// non-nil, it is consulted before a Properties.Set write is applied.
func (sk *Skeleton) Property(interfaceName, name string, initial any, mode PropertyMode, validator PropertyValidator) *Skeleton {
	sk.desc(interfaceName).Property(name, initial, mode)

	sk.mu.Lock()
	defer sk.mu.Unlock()
	key := interfaceMember{interfaceName, name}
	sk.values[key] = initial
	if validator != nil {
		sk.validators[key] = validator
	}
	return sk
}

func (sk *Skeleton) getProperty(interfaceName, name string) (any, error) {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	desc, ok := sk.interfaces[interfaceName]
	if !ok {
		return nil, CallError{Name: errNameFailed, Detail: fmt.Sprintf("unknown interface %s", interfaceName)}
	}
	pd, ok := desc.Properties[name]
	if !ok || pd.Mode&PropReadable == 0 {
		return nil, CallError{Name: errNameFailed, Detail: fmt.Sprintf("unknown property %s", name)}
	}
	return sk.values[interfaceMember{interfaceName, name}], nil
}

func (sk *Skeleton) getAllProperties(interfaceName string) (map[string]any, error) {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	desc, ok := sk.interfaces[interfaceName]
	if !ok {
		return nil, CallError{Name: errNameFailed, Detail: fmt.Sprintf("unknown interface %s", interfaceName)}
	}
	ret := map[string]any{}
	for name, pd := range desc.Properties {
		if pd.Mode&PropReadable == 0 {
			continue
		}
		ret[name] = sk.values[interfaceMember{interfaceName, name}]
	}
	return ret, nil
}

func (sk *Skeleton) setProperty(ctx context.Context, interfaceName, name string, value any) error {
	key := interfaceMember{interfaceName, name}

	sk.mu.RLock()
	desc, ok := sk.interfaces[interfaceName]
	if !ok {
		sk.mu.RUnlock()
		return CallError{Name: errNameFailed, Detail: fmt.Sprintf("unknown interface %s", interfaceName)}
	}
	pd, ok := desc.Properties[name]
	validator := sk.validators[key]
	sk.mu.RUnlock()

	if !ok || pd.Mode&PropWritable == 0 {
		return CallError{Name: errNameFailed, Detail: fmt.Sprintf("property %s is not writable", name)}
	}
	if validator != nil {
		if err := validator(ctx, value); err != nil {
			return err
		}
	}

	sk.mu.Lock()
	sk.values[key] = value
	sk.mu.Unlock()

	if pd.Mode&(PropNotifying|PropInvalidates) == 0 {
		return nil
	}
	return sk.emitPropertyChanged(ctx, interfaceName, name, value, pd.Mode&PropInvalidates != 0)
}

func (sk *Skeleton) emitPropertyChanged(ctx context.Context, interfaceName, name string, value any, invalidate bool) error {
	changed := &PropertiesChanged{
		Interface:   sk.conn.Peer(sk.conn.LocalName()).Object(sk.path).Interface(interfaceName),
		Changed:     map[string]any{},
		Invalidated: nil,
	}
	if invalidate {
		changed.Invalidated = mapset.New(name)
	} else {
		changed.Changed[name] = value
		changed.Invalidated = mapset.New[string]()
	}
	return sk.conn.EmitSignal(ctx, sk.path, changed)
}

// Emit broadcasts signal from the skeleton's object. The signal's type
// must be registered in advance with [RegisterSignalType].
func (sk *Skeleton) Emit(ctx context.Context, signal any) error {
	return sk.conn.EmitSignal(ctx, sk.path, signal)
}

func (sk *Skeleton) introspectionXML() (string, error) {
	sk.mu.RLock()
	descs := make([]*InterfaceDesc, 0, len(sk.interfaces))
	for _, d := range sk.interfaces {
		descs = append(descs, d)
	}
	sk.mu.RUnlock()

	var body string
	for _, d := range descs {
		xml, err := d.IntrospectionXML()
		if err != nil {
			return "", err
		}
		body += xml
	}
	return "<!DOCTYPE node PUBLIC \"-//freedesktop//DTD D-BUS Object Introspection 1.0//EN\"\n \"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd\">\n<node>\n" + body + "</node>\n", nil
}

package dbus

import (
	"context"
	"errors"
	"os"
)

// senderContextKey is the context key that carries the sender of a
// DBus message.
type senderContextKey struct{}

// withContextSender augments ctx with DBus sender information.
func withContextSender(ctx context.Context, iface Interface) context.Context {
	return context.WithValue(ctx, senderContextKey{}, iface)
}

// ContextSender extracts the current DBus sender information from
// ctx, and reports whether any sender information was present.
//
// Sender information is available in [Marshaler] and [Unmarshaler]
// calls.
func ContextSender(ctx context.Context) (Interface, bool) {
	v := ctx.Value(senderContextKey{})
	if v == nil {
		return Interface{}, false
	}
	if ret, ok := v.(Interface); ok {
		return ret, true
	}
	return Interface{}, false
}

// emitterContextKey is the context key that carries the interface
// that emitted a signal being dispatched to a [Watcher].
type emitterContextKey struct{}

// withContextEmitter augments ctx with the interface that emitted a
// signal.
func withContextEmitter(ctx context.Context, iface Interface) context.Context {
	return context.WithValue(ctx, emitterContextKey{}, iface)
}

// ContextEmitter extracts the interface that emitted the signal being
// delivered through ctx, and reports whether emitter information was
// present.
func ContextEmitter(ctx context.Context) (Interface, bool) {
	v := ctx.Value(emitterContextKey{})
	if v == nil {
		return Interface{}, false
	}
	if ret, ok := v.(Interface); ok {
		return ret, true
	}
	return Interface{}, false
}

// destinationContextKey is the context key that carries the intended
// recipient bus name of an outgoing DBus message.
type destinationContextKey struct{}

// withContextDestination augments ctx with the destination bus name of
// a message being constructed.
func withContextDestination(ctx context.Context, destination string) context.Context {
	return context.WithValue(ctx, destinationContextKey{}, destination)
}

// ContextDestination extracts the destination bus name from ctx, and
// reports whether destination information was present.
func ContextDestination(ctx context.Context) (string, bool) {
	v := ctx.Value(destinationContextKey{})
	if v == nil {
		return "", false
	}
	if ret, ok := v.(string); ok {
		return ret, true
	}
	return "", false
}

// withContextHeader augments ctx with the sender, emitter and
// destination information carried by a message header, so that
// [Marshaler]/[Unmarshaler] implementations and dispatched handlers
// can see who a message is to or from.
func withContextHeader(ctx context.Context, c *Conn, hdr *header) context.Context {
	name := hdr.Sender
	if name == "" {
		name = hdr.Destination
	}
	iface := c.Peer(name).Object(hdr.Path).Interface(hdr.Interface)
	ctx = withContextSender(ctx, iface)
	ctx = withContextEmitter(ctx, iface)
	ctx = withContextDestination(ctx, hdr.Destination)
	return ctx
}

// replySerialContextKey is the context key that carries the serial
// number of the method call currently being dispatched, for handlers
// that defer their reply.
type replySerialContextKey struct{}

// withContextReplySerial augments ctx with the serial number a reply
// to the in-flight call must carry as its ReplySerial.
func withContextReplySerial(ctx context.Context, serial uint32) context.Context {
	return context.WithValue(ctx, replySerialContextKey{}, serial)
}

// ContextReplySerial extracts the serial number of the method call
// being dispatched through ctx, for use by handlers that defer their
// reply with a [ServerRequestDescriptor].
func ContextReplySerial(ctx context.Context) (uint32, bool) {
	v := ctx.Value(replySerialContextKey{})
	if v == nil {
		return 0, false
	}
	serial, ok := v.(uint32)
	return serial, ok
}

// filesContextKey is the context key that carries file descriptors
// received with a DBus message.
type filesContextKey struct{}

// withContextFiles augments ctx with message files.
func withContextFiles(ctx context.Context, files []*os.File) context.Context {
	return context.WithValue(ctx, filesContextKey{}, files)
}

// contextFile returns the idx-th message file in ctx.
//
// [File] is the only consumer of this API, being the only way to
// interact with DBus file descriptors.
func contextFile(ctx context.Context, idx uint32) *os.File {
	v := ctx.Value(filesContextKey{})
	if v == nil {
		return nil
	}
	fs, ok := v.([]*os.File)
	if !ok {
		return nil
	}
	if idx < 0 || int(idx) >= len(fs) {
		return nil
	}

	return fs[int(idx)]
}

// writeFilesContextKey is the context key that carries file
// descriptors to be sent with a DBus message.
type writeFilesContextKey struct{}

// withContextPutFiles augments ctx with an output slice for files to be
// sent with a message.
func withContextPutFiles(ctx context.Context, files *[]*os.File) context.Context {
	return context.WithValue(ctx, writeFilesContextKey{}, files)
}

// contextPutFile adds file to the context's outgoing files buffer.
//
// [File] is the only consumer of this API, being the only way to
// interact with DBus file descriptors.
func contextPutFile(ctx context.Context, file *os.File) (idx uint32, err error) {
	v := ctx.Value(writeFilesContextKey{})
	if v == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}
	fsp, ok := v.(*[]*os.File)
	if !ok || fsp == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}

	*fsp = append(*fsp, file)
	return uint32(len(*fsp) - 1), nil
}

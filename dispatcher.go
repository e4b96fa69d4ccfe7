package dbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCallTimeout is the call deadline a [Dispatcher] applies when
// neither the caller nor a specific [CallOption] supplies one.
const DefaultCallTimeout = 2 * time.Second

// DispatcherOption configures a [Dispatcher] at construction time,
// following the flat options-struct idiom already used by
// [ClaimOptions].
type DispatcherOption struct {
	// Timeout is the default deadline applied to calls issued through
	// the dispatcher that don't specify their own [WithTimeout]. Zero
	// means [DefaultCallTimeout].
	Timeout time.Duration
	// Metrics, if non-nil, is used to register the dispatcher's
	// Prometheus collectors. Registration errors (e.g. a name
	// collision from constructing more than one Dispatcher) are
	// ignored, matching Prometheus's own recommended practice for
	// optional instrumentation.
	Metrics prometheus.Registerer
}

// Dispatcher owns one bus connection and runs the work posted to it
// one function at a time on a single goroutine. Skeleton method
// handlers, signal subscribers and property observers are not routed
// through it and can run concurrently with posted work.
//
// The underlying [Conn] still reads the wire on its own background
// goroutine and answers method calls concurrently (see conn.go's
// dispatchCall); Dispatcher's serialization guarantee covers work
// explicitly posted to it with [Dispatcher.Post], which is how
// higher-level constructs (Stub connection-state callbacks, and
// application code that wants to touch shared state safely) should
// hand off from a concurrent context.
type Dispatcher struct {
	conn    *Conn
	timeout time.Duration

	postCh chan func()
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	metrics *dispatcherMetrics
}

type dispatcherMetrics struct {
	callsIssued    prometheus.Counter
	callsCompleted *prometheus.CounterVec
	callLatency    prometheus.Histogram
}

func newDispatcherMetrics(reg prometheus.Registerer) *dispatcherMetrics {
	m := &dispatcherMetrics{
		callsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbusrpc_calls_issued_total",
			Help: "Number of method calls issued through a Dispatcher.",
		}),
		callsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbusrpc_calls_completed_total",
			Help: "Number of method calls completed through a Dispatcher, by outcome.",
		}, []string{"outcome"}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dbusrpc_call_latency_seconds",
			Help:    "Latency of method calls issued through a Dispatcher.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.callsIssued, m.callsCompleted, m.callLatency} {
			reg.Register(c)
		}
	}
	return m
}

// NewDispatcher connects to the bus named by addr and returns a
// Dispatcher wrapping the resulting connection.
//
// addr is one of "bus:session", "bus:system", or a Unix-socket path
// accepted directly by [transport.DialUnix]; the first two map to
// [SessionBus] and [SystemBus] respectively.
func NewDispatcher(ctx context.Context, addr string, opts ...DispatcherOption) (*Dispatcher, error) {
	var opt DispatcherOption
	for _, o := range opts {
		if o.Timeout != 0 {
			opt.Timeout = o.Timeout
		}
		if o.Metrics != nil {
			opt.Metrics = o.Metrics
		}
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultCallTimeout
	}

	var (
		conn *Conn
		err  error
	)
	switch {
	case addr == "bus:session":
		conn, err = SessionBus(ctx)
	case addr == "bus:system":
		conn, err = SystemBus(ctx)
	case strings.HasPrefix(addr, "bus:"):
		return nil, fmt.Errorf("unknown bus selector %q", addr)
	default:
		conn, err = newConn(ctx, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting dispatcher: %w", err)
	}

	d := &Dispatcher{
		conn:    conn,
		timeout: opt.Timeout,
		postCh:  make(chan func(), 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		metrics: newDispatcherMetrics(opt.Metrics),
	}
	return d, nil
}

// Conn returns the dispatcher's underlying connection, for use with
// APIs (Peer/Object/Interface, Watch, NewSkeleton) that don't yet have
// a Dispatcher-level equivalent.
func (d *Dispatcher) Conn() *Conn { return d.conn }

// Done returns a channel that closes once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Post queues fn to run on the dispatcher's single dispatch goroutine,
// in submission order relative to other posted functions. Post is
// safe to call from any goroutine, including from within a posted
// function.
//
// Post is a no-op once the dispatcher has been stopped; fn is
// silently dropped.
func (d *Dispatcher) Post(fn func()) {
	select {
	case d.postCh <- fn:
	case <-d.stop:
	}
}

// Run drains posted work until ctx is canceled or [Dispatcher.Stop] is
// called. Run is the dispatcher's main loop, and is meant to be called
// once from the goroutine that owns the application's event loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case fn := <-d.postCh:
			fn()
		case <-d.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Step runs at most one posted function, waiting up to timeout for
// one to arrive. It returns (true, nil) if a function ran, (false,
// nil) on timeout, and a non-nil error if the dispatcher was stopped
// or timeout's context was canceled. Step is for tests and embedding
// scenarios that can't dedicate a goroutine to Run.
func (d *Dispatcher) Step(ctx context.Context, timeout time.Duration) (ran bool, err error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case fn := <-d.postCh:
		fn()
		return true, nil
	case <-d.stop:
		return false, net.ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return false, nil
	}
}

// Stop halts the dispatcher's event loop and closes the underlying
// connection. Stop is idempotent.
func (d *Dispatcher) Stop() error {
	d.once.Do(func() {
		close(d.stop)
	})
	return d.conn.Close()
}

// Call issues method against iface, applying the dispatcher's default
// timeout if ctx carries no earlier deadline and no [WithTimeout]
// option is given, and recording call outcome metrics if the
// dispatcher was constructed with a metrics registerer.
func (d *Dispatcher) Call(ctx context.Context, iface Interface, method string, req, resp any, opts ...CallOption) error {
	if _, ok := ctx.Deadline(); !ok && !hasTimeoutOption(opts) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	d.metrics.callsIssued.Inc()
	start := time.Now()
	err := iface.Call(ctx, method, req, resp, opts...)
	d.metrics.callLatency.Observe(time.Since(start).Seconds())
	d.metrics.callsCompleted.WithLabelValues(callOutcome(err)).Inc()
	return err
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, net.ErrClosed):
		return "disconnected"
	default:
		var ce CallError
		if errors.As(err, &ce) {
			return "call-error"
		}
		return "transport-error"
	}
}

func hasTimeoutOption(opts []CallOption) bool {
	ctx, cancel := withCallOptions(context.Background(), opts)
	defer cancel()
	_, hasDeadline := ctx.Deadline()
	return hasDeadline
}

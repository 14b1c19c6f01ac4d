// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package transport

import (
	"sync"
	"time"

	eventloop "github.com/joeycumines/go-uasc/loop"
)

// ConnState is a Connection's lifecycle state (§3: "Connection: ...
// States: OPENING, ESTABLISHED, CLOSING, CLOSED").
type ConnState int

const (
	ConnOpening ConnState = iota
	ConnEstablished
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpening:
		return "Opening"
	case ConnEstablished:
		return "Established"
	case ConnClosing:
		return "Closing"
	case ConnClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Callback is invoked for every connection-lifecycle event and for every
// inbound read, per §6.2: state transitions (Opening is not separately
// reported for actively-dialed connections that establish synchronously;
// it is reported for ones pending a non-blocking connect) plus
// Established-with-payload on data arrival. params carries event-specific
// metadata (e.g. "listen-address", "listen-port", "remote-address",
// byte counters on Closed); payload is nil except for data-arrival calls,
// and its backing array is only valid for the duration of the call.
type Callback func(mgr *Manager, connID uint64, application any, ctx any, state ConnState, params map[string]any, payload []byte)

// OpenParams configures OpenConnection, matching the recognized parameter
// set of §4.4.
type OpenParams struct {
	// Address lists listen interfaces (Listen=true) or the single dial
	// target (Listen=false). Empty means "all interfaces" when listening.
	Address []string
	// Port is required in both directions.
	Port uint16
	// Listen selects passive listen/accept over active connect.
	Listen bool
	// Validate restricts the call to a resolvability/bindability check;
	// no socket is left registered with the Manager.
	Validate bool
	// Reuse enables SO_REUSEADDR/SO_REUSEPORT on listen sockets.
	Reuse bool
}

// managerOptions holds Manager-level configuration (§4.4: "Manager-level
// parameters: recv-bufsize ..., send-bufsize, max-connections").
type managerOptions struct {
	recvBufSize    int
	sendBufSize    int
	maxConnections int
	logger         eventloop.Logger
	metrics        *eventloop.Metrics
}

// Option configures a Manager.
type Option func(*managerOptions)

// DefaultRecvBufSize is §3a's resolved constant (128 KiB).
const DefaultRecvBufSize = 128 * 1024

// ListenBacklog is §3a's resolved constant for listen(2)'s backlog argument.
const ListenBacklog = 100

// WithRecvBufSize overrides the shared per-Manager receive buffer size.
func WithRecvBufSize(n int) Option {
	return func(o *managerOptions) { o.recvBufSize = n }
}

// WithSendBufSize records a send buffer size; the Manager stores it but
// does not read it (sends write the caller's buffer directly).
func WithSendBufSize(n int) Option {
	return func(o *managerOptions) { o.sendBufSize = n }
}

// WithMaxConnections sets the established-connection count at which
// listen sockets are paused (§4.4, §5 "Backpressure"). Zero (the default) means unlimited.
func WithMaxConnections(n int) Option {
	return func(o *managerOptions) { o.maxConnections = n }
}

// WithLogger attaches a structured logger, matching the loop package's
// Logger facade (§2a).
func WithLogger(logger eventloop.Logger) Option {
	return func(o *managerOptions) { o.logger = logger }
}

// WithMetrics attaches the loop's metrics snapshot, so established
// connection count is tracked as the ingress queue depth (§2a: "queue
// depth" is one of the hot paths the teacher's counter/gauge types are
// retargeted at). Pass the value returned by Loop.Metrics(); nil (the
// default) disables recording.
func WithMetrics(m *eventloop.Metrics) Option {
	return func(o *managerOptions) { o.metrics = m }
}

// connection is the Manager's per-connection bookkeeping record. Owned
// exclusively by the loop goroutine.
type connection struct {
	id         uint64
	fd         int
	isListener bool
	state      ConnState

	application any
	context     any
	callback    Callback

	listenAddress string
	listenPort    uint16
	remoteAddress string

	// pendingConnect is true between a non-blocking connect() call and
	// the OUT-readiness event that resolves it (§4.4 "Active path").
	pendingConnect bool

	paused bool // listen sockets only: deregistered while at the watermark

	rxBytes  int64
	txBytes  int64
	openedAt time.Time
	closedAt time.Time
}

// Manager is the TCP ConnectionManager EventSource of §4.4. The zero
// value is not usable; construct with NewManager.
type Manager struct {
	opts managerOptions

	loop *eventloop.Loop

	mu          sync.Mutex
	conns       map[uint64]*connection
	nextID      uint64
	established int // count of non-listener ConnEstablished connections

	recvBuf []byte

	state      eventloop.SourceState
	watermark  bool // set when max-connections is hit; cleared once every paused listener is re-registered
}

// NewManager constructs a Manager. It owns no OS resources until
// registered with an EventLoop via Loop.RegisterEventSource.
func NewManager(opts ...Option) *Manager {
	cfg := managerOptions{
		recvBufSize: DefaultRecvBufSize,
		logger:      eventloop.NewNoOpLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	return &Manager{
		opts:  cfg,
		conns: make(map[uint64]*connection),
		state: eventloop.SourceFresh,
	}
}

// recordIngress reports the current established-connection count as the
// ingress queue depth, if a metrics snapshot was attached via
// WithMetrics. Callers must hold m.mu.
func (m *Manager) recordIngress() {
	if m.opts.metrics != nil {
		m.opts.metrics.Queue.UpdateIngress(m.established)
	}
}

// State reports the Manager's EventSource lifecycle state.
func (m *Manager) State() eventloop.SourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// allocID returns the next connection id. Called with mu held.
func (m *Manager) allocID() uint64 {
	m.nextID++
	return m.nextID
}

// ConnectionStats names a connection's byte counters, in the style of
// _examples/runZeroInc-sockstats's conniver.Conn wrapper. The Closed
// callback does not receive this struct: statsParams passes the same
// values in its params map under the keys "rx-bytes", "tx-bytes",
// "opened-at" and "closed-at".
type ConnectionStats struct {
	RxBytes  int64
	TxBytes  int64
	OpenedAt time.Time
	ClosedAt time.Time
}

func statsParams(c *connection) map[string]any {
	return map[string]any{
		"rx-bytes":  c.rxBytes,
		"tx-bytes":  c.txBytes,
		"opened-at": c.openedAt,
		"closed-at": c.closedAt,
	}
}

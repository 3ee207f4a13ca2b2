// Package connmgr owns the registry and lifecycle of configured network
// endpoints: inbound listeners, outbound connectors, and the TLS profiles
// they draw credentials from. Raw administrative entities are normalized
// into immutable ServerConfig records; the transport layer performs the
// actual binding and dialing through the Binder/Dialer collaborators.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/relaymesh/relayd/internal/entity"
	"github.com/relaymesh/relayd/internal/failover"
)

// State is the registry lifecycle state. Bind-failure fatality is a
// function of this state: a failure while the initial configuration is
// starting is fatal, later failures are left to the transport layer to
// retry.
type State int

const (
	StateUnconfigured State = iota
	StateStartingInitial
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateStartingInitial:
		return "starting-initial"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Binding is a live bound socket owned by the transport layer.
type Binding interface {
	Addr() string
	Close() error
}

// Connection is a live outbound connection. Defer posts a unit of work to
// the connection's own execution context; the work receives discard=true
// when the connection was torn down before it ran.
type Connection interface {
	Defer(run func(discard bool)) bool
	Close() error
	RemoteAddr() string
}

// Binder binds listener sockets.
type Binder interface {
	Bind(ctx context.Context, cfg *ServerConfig) (Binding, error)
}

// Dialer initiates outbound connections.
type Dialer interface {
	Dial(ctx context.Context, cfg *ServerConfig) (Connection, error)
}

// NotFoundError indicates a requested handle does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("connmgr: %s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// FatalBindError reports a listener bind failure during initial start-up.
// The daemon treats it as unrecoverable and exits.
type FatalBindError struct {
	HostPort string
	Err      error
}

func (e *FatalBindError) Error() string {
	return fmt.Sprintf("connmgr: listen on %s failed during initial config: %v", e.HostPort, e.Err)
}

func (e *FatalBindError) Unwrap() error { return e.Err }

// EntityKind identifies which collection an event refers to.
type EntityKind string

const (
	EntityListener   EntityKind = "listener"
	EntityConnector  EntityKind = "connector"
	EntityTLSProfile EntityKind = "sslProfile"
)

// EventKind classifies registry events.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventDeleted       EventKind = "deleted"
	EventBindFailed    EventKind = "bind-failed"
	EventBound         EventKind = "bound"
	EventConnectFailed EventKind = "connect-failed"
	EventConnected     EventKind = "connected"
)

// Event describes a registry mutation or transport outcome for observers.
type Event struct {
	Kind     EventKind  `json:"kind"`
	Entity   EntityKind `json:"entity"`
	ID       string     `json:"id"`
	Name     string     `json:"name,omitempty"`
	HostPort string     `json:"hostPort,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Listener pairs a normalized config with live binding state. The registry
// is the sole owner; external references are IDs resolved via lookup.
type Listener struct {
	id      string
	config  *ServerConfig
	binding Binding
	// retryPending marks a post-initial bind failure for the transport
	// layer to pick up on the next Start.
	retryPending bool
}

// Connector pairs a normalized config with a live outbound connection.
type Connector struct {
	id     string
	config *ServerConfig

	// mu guards conn/dialing/deleted across the management context and
	// the dial goroutine.
	mu      sync.Mutex
	conn    Connection
	dialing bool
	deleted bool
}

// EndpointInfo is the read-only listing view of a handle.
type EndpointInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role"`
	HostPort   string `json:"hostPort"`
	SSLProfile string `json:"sslProfile,omitempty"`
	Active     bool   `json:"active"`
}

// Options configure a Manager.
type Options struct {
	Binder Binder
	Dialer Dialer
	// Strict turns silent misconfiguration (unresolved TLS profile names,
	// undefined env-sourced secrets) into hard create failures.
	Strict bool
	// Notify receives registry events. Called outside the registry lock.
	Notify func(Event)
}

// Manager is the endpoint registry. All structural mutations of the three
// collections are serialized by a single registry-wide mutex.
type Manager struct {
	mu           sync.Mutex
	state        State
	binder       Binder
	dialer       Dialer
	strict       bool
	listeners    []*Listener
	connectors   []*Connector
	profiles     map[string]*TLSProfile
	profileOrder []*TLSProfile
	notify       func(Event)
	pending      []Event
	wg           sync.WaitGroup
}

// New creates an empty Manager.
func New(opts Options) *Manager {
	return &Manager{
		state:    StateUnconfigured,
		binder:   opts.Binder,
		dialer:   opts.Dialer,
		strict:   opts.Strict,
		profiles: make(map[string]*TLSProfile),
		notify:   opts.Notify,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// notifyLocked queues an event while m.mu is held; flushEvents delivers.
func (m *Manager) notifyLocked(ev Event) {
	if m.notify == nil {
		return
	}
	m.pending = append(m.pending, ev)
}

// flushEvents delivers queued events. Must be called without m.mu held.
func (m *Manager) flushEvents() {
	m.mu.Lock()
	queued := m.pending
	m.pending = nil
	notify := m.notify
	m.mu.Unlock()

	if notify == nil {
		return
	}
	for _, ev := range queued {
		notify(ev)
	}
}

func logConfigured(what string, cfg *ServerConfig) {
	proto := cfg.ProtocolFamily
	if proto == "" {
		proto = "any"
	}
	suffix := ""
	if cfg.HTTP {
		suffix += ", http"
	}
	if cfg.SSLProfileName != "" {
		suffix += ", sslProfile=" + cfg.SSLProfileName
	}
	log.Printf("[ConnMgr] Configured %s: %s proto=%s, role=%s%s", what, cfg.HostPort, proto, cfg.Role, suffix)
}

// CreateListener normalizes an entity into a listener handle and appends
// it to the registry. Insertion order is the start-up ordering. A
// malformed failoverList aborts creation and leaves the registry
// unchanged.
func (m *Manager) CreateListener(e entity.Entity) (string, error) {
	m.mu.Lock()

	cfg, err := m.loadServerConfig(e)
	if err != nil {
		m.mu.Unlock()
		log.Printf("[ConnMgr] Unable to create listener: %v", err)
		return "", err
	}

	if spec := e.OptString("failoverList", ""); spec != "" {
		cfg.FailoverList, err = failover.Parse(spec)
		if err != nil {
			m.mu.Unlock()
			log.Printf("[ConnMgr] Unable to create listener, bad failover list: %v", err)
			return "", err
		}
	}

	l := &Listener{id: uuid.NewString(), config: cfg}
	m.listeners = append(m.listeners, l)
	logConfigured("listener", cfg)
	m.notifyLocked(Event{Kind: EventCreated, Entity: EntityListener, ID: l.id, Name: cfg.Name, HostPort: cfg.HostPort})
	m.mu.Unlock()

	m.flushEvents()
	return l.id, nil
}

// CreateConnector normalizes an entity into a connector handle and
// appends it to the registry.
func (m *Manager) CreateConnector(e entity.Entity) (string, error) {
	m.mu.Lock()

	cfg, err := m.loadServerConfig(e)
	if err != nil {
		m.mu.Unlock()
		log.Printf("[ConnMgr] Unable to create connector: %v", err)
		return "", err
	}

	c := &Connector{id: uuid.NewString(), config: cfg}
	m.connectors = append(m.connectors, c)
	logConfigured("connector", cfg)
	m.notifyLocked(Event{Kind: EventCreated, Entity: EntityConnector, ID: c.id, Name: cfg.Name, HostPort: cfg.HostPort})
	m.mu.Unlock()

	m.flushEvents()
	return c.id, nil
}

// Start drives the transport layer: binds every unbound listener and
// initiates outbound connections for idle connectors. Idempotent over
// already-bound listeners. During the initial start (first call since
// construction) a bind failure is returned as a *FatalBindError; on later
// calls bind failures are non-fatal and marked for retry. Connector dial
// failures are always non-fatal.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()

	if m.state == StateUnconfigured {
		m.state = StateStartingInitial
	}
	initial := m.state == StateStartingInitial

	for _, l := range m.listeners {
		if l.binding != nil {
			continue
		}
		binding, err := m.binder.Bind(ctx, l.config)
		if err != nil {
			if initial {
				m.mu.Unlock()
				m.flushEvents()
				return &FatalBindError{HostPort: l.config.HostPort, Err: err}
			}
			l.retryPending = true
			log.Printf("[ConnMgr] Listen on %s failed: %v", l.config.HostPort, err)
			m.notifyLocked(Event{Kind: EventBindFailed, Entity: EntityListener, ID: l.id, HostPort: l.config.HostPort, Error: err.Error()})
			continue
		}
		l.binding = binding
		l.retryPending = false
		log.Printf("[ConnMgr] Listening on %s", binding.Addr())
		m.notifyLocked(Event{Kind: EventBound, Entity: EntityListener, ID: l.id, HostPort: l.config.HostPort})
	}

	for _, c := range m.connectors {
		c.mu.Lock()
		idle := c.conn == nil && !c.dialing && !c.deleted
		if idle {
			c.dialing = true
		}
		c.mu.Unlock()
		if idle {
			m.wg.Add(1)
			go m.dial(ctx, c)
		}
	}

	m.state = StateRunning
	m.mu.Unlock()

	m.flushEvents()
	return nil
}

// dial runs off the management context; retry and backoff beyond this
// single attempt belong to the transport layer.
func (m *Manager) dial(ctx context.Context, c *Connector) {
	defer m.wg.Done()

	conn, err := m.dialer.Dial(ctx, c.config)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		log.Printf("[ConnMgr] Connect to %s failed: %v", c.config.HostPort, err)
		m.mu.Lock()
		m.notifyLocked(Event{Kind: EventConnectFailed, Entity: EntityConnector, ID: c.id, HostPort: c.config.HostPort, Error: err.Error()})
		m.mu.Unlock()
		m.flushEvents()
		return
	}
	if c.deleted {
		// Deleted while the dial was in flight; the fresh connection has
		// no consumers yet so a synchronous close is safe.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	log.Printf("[ConnMgr] Connected to %s", conn.RemoteAddr())
	m.mu.Lock()
	m.notifyLocked(Event{Kind: EventConnected, Entity: EntityConnector, ID: c.id, HostPort: c.config.HostPort})
	m.mu.Unlock()
	m.flushEvents()
}

// DeleteListener removes a listener; a live binding is closed
// synchronously on the management context.
func (m *Manager) DeleteListener(id string) error {
	m.mu.Lock()

	idx := -1
	for i, l := range m.listeners {
		if l.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return NotFoundError{Entity: string(EntityListener), Key: id}
	}

	l := m.listeners[idx]
	m.listeners = append(m.listeners[:idx], m.listeners[idx+1:]...)
	if l.binding != nil {
		l.binding.Close()
		l.binding = nil
	}
	log.Printf("[ConnMgr] Deleted listener %s", l.config.HostPort)
	m.notifyLocked(Event{Kind: EventDeleted, Entity: EntityListener, ID: id, HostPort: l.config.HostPort})
	m.mu.Unlock()

	m.flushEvents()
	return nil
}

// DeleteConnector removes a connector. A live connection is never closed
// synchronously: the close is deferred to the connection's own execution
// context, and becomes a no-op if the connection is torn down first.
func (m *Manager) DeleteConnector(id string) error {
	m.mu.Lock()

	idx := -1
	for i, c := range m.connectors {
		if c.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return NotFoundError{Entity: string(EntityConnector), Key: id}
	}

	c := m.connectors[idx]
	m.connectors = append(m.connectors[:idx], m.connectors[idx+1:]...)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.deleted = true
	if conn != nil {
		conn.Defer(func(discard bool) {
			if !discard {
				conn.Close()
			}
		})
	}
	c.mu.Unlock()

	log.Printf("[ConnMgr] Deleted connector %s", c.config.HostPort)
	m.notifyLocked(Event{Kind: EventDeleted, Entity: EntityConnector, ID: id, HostPort: c.config.HostPort})
	m.mu.Unlock()

	m.flushEvents()
	return nil
}

// ListenerConfig returns a copy of a listener's normalized config.
func (m *Manager) ListenerConfig(id string) (ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.listeners {
		if l.id == id {
			return *l.config, nil
		}
	}
	return ServerConfig{}, NotFoundError{Entity: string(EntityListener), Key: id}
}

// ConnectorConfig returns a copy of a connector's normalized config.
func (m *Manager) ConnectorConfig(id string) (ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.connectors {
		if c.id == id {
			return *c.config, nil
		}
	}
	return ServerConfig{}, NotFoundError{Entity: string(EntityConnector), Key: id}
}

// Listeners lists listener handles in insertion order.
func (m *Manager) Listeners() []EndpointInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EndpointInfo, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, EndpointInfo{
			ID:         l.id,
			Name:       l.config.Name,
			Role:       l.config.Role,
			HostPort:   l.config.HostPort,
			SSLProfile: l.config.SSLProfileName,
			Active:     l.binding != nil,
		})
	}
	return out
}

// Connectors lists connector handles in insertion order.
func (m *Manager) Connectors() []EndpointInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EndpointInfo, 0, len(m.connectors))
	for _, c := range m.connectors {
		c.mu.Lock()
		active := c.conn != nil
		c.mu.Unlock()
		out = append(out, EndpointInfo{
			ID:         c.id,
			Name:       c.config.Name,
			Role:       c.config.Role,
			HostPort:   c.config.HostPort,
			SSLProfile: c.config.SSLProfileName,
			Active:     active,
		})
	}
	return out
}

// Shutdown closes all live bindings and connections and waits for
// in-flight dial attempts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, l := range m.listeners {
		if l.binding != nil {
			l.binding.Close()
			l.binding = nil
		}
	}
	connectors := append([]*Connector(nil), m.connectors...)
	m.mu.Unlock()

	for _, c := range connectors {
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.deleted = true
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

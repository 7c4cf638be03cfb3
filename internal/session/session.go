// Package session implements the ephemeral registry of in-flight proxy
// requests, observable through the admin endpoints and SSE event feed
// (spec §4.10).
package session

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/atomic"
)

// State is a Session's lifecycle stage.
type State int

const (
	Waiting State = iota
	Connecting
	Established
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	default:
		return "unknown"
	}
}

// Session is a transient record of one in-flight proxy request. Callers
// must Close it when the handler unwinds; Go has no destructors, so the
// release path is an explicit deferred call instead of drop-on-scope-exit.
type Session struct {
	id      uint64
	proto   string
	from    string
	host    string
	started time.Time
	state   atomic.Int32

	mgr *Manager
}

// ID returns the session's monotonically increasing identifier.
func (s *Session) ID() uint64 { return s.id }

// Host returns the proxy target host string the session was created with.
func (s *Session) Host() string { return s.host }

// Proto returns the session's protocol tag ("http", "https", or "socks5").
func (s *Session) Proto() string { return s.proto }

// SetConnecting transitions the session to Connecting and notifies watchers.
func (s *Session) SetConnecting() {
	s.state.Store(int32(Connecting))
	s.mgr.notifyChanged()
}

// SetEstablished transitions the session to Established and notifies watchers.
func (s *Session) SetEstablished() {
	s.state.Store(int32(Established))
	s.mgr.notifyChanged()
}

// Close removes the session from its manager's registry. Safe to call
// more than once.
func (s *Session) Close() {
	s.mgr.remove(s.id)
}

func (s *Session) snapshot() sessionView {
	return sessionView{
		ID:        s.id,
		Proto:     s.proto,
		Timestamp: s.started.UnixMilli(),
		From:      s.from,
		Host:      s.host,
		State:     State(s.state.Load()).String(),
	}
}

// sessionView is the JSON shape returned by the admin sessions endpoint.
type sessionView struct {
	ID        uint64 `json:"id"`
	Proto     string `json:"proto"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	Host      string `json:"host"`
	State     string `json:"state"`
}

const insertQueueCapacity = 128

type action struct {
	insert *Session
	remove uint64
}

// Manager owns the session registry: an atomic id counter, a bounded
// channel-fed mutator goroutine, and a broadcast notification fired on
// every insert/remove/state change.
type Manager struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	byID    map[uint64]*Session
	actions chan action

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// NewManager creates a Manager and starts its registry-mutator goroutine.
func NewManager() *Manager {
	m := &Manager{
		byID:     make(map[uint64]*Session),
		actions:  make(chan action, insertQueueCapacity),
		notifyCh: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	for a := range m.actions {
		m.mu.Lock()
		if a.insert != nil {
			m.byID[a.insert.id] = a.insert
		} else {
			delete(m.byID, a.remove)
		}
		m.mu.Unlock()
		m.notifyChanged()
	}
}

// Create allocates a new Session with a fresh id and registers it.
func (m *Manager) Create(proto, from, host string) *Session {
	s := &Session{
		id:      m.nextID.Inc(),
		proto:   proto,
		from:    from,
		host:    host,
		started: time.Now(),
		mgr:     m,
	}
	select {
	case m.actions <- action{insert: s}:
	default:
		// Registry queue saturated: the session still works, it's just
		// invisible to the admin listing until the queue drains.
	}
	return s
}

func (m *Manager) remove(id uint64) {
	select {
	case m.actions <- action{remove: id}:
	default:
		go func() { m.actions <- action{remove: id} }()
	}
}

// notifyChanged wakes every pending Watch call by closing and replacing
// the broadcast channel.
func (m *Manager) notifyChanged() {
	m.notifyMu.Lock()
	close(m.notifyCh)
	m.notifyCh = make(chan struct{})
	m.notifyMu.Unlock()
}

// Watch returns a channel that closes on the next registry change.
func (m *Manager) Watch() <-chan struct{} {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	return m.notifyCh
}

// List returns a snapshot of all live sessions, ordered by id, as their
// JSON listing representation.
func (m *Manager) List() []byte {
	m.mu.Lock()
	sessions := lo.Values(m.byID)
	m.mu.Unlock()

	views := lo.Map(sessions, func(s *Session, _ int) sessionView {
		return s.snapshot()
	})
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	out, _ := json.Marshal(views)
	return out
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// ListFiltered is like List but only includes sessions whose host matches
// the given predicate (the admin dashboard's `?host=<glob>` filter, spec §C).
func (m *Manager) ListFiltered(keep func(host string) bool) []byte {
	m.mu.Lock()
	sessions := lo.Filter(lo.Values(m.byID), func(s *Session, _ int) bool {
		return keep(s.host)
	})
	m.mu.Unlock()

	views := lo.Map(sessions, func(s *Session, _ int) sessionView {
		return s.snapshot()
	})
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	out, _ := json.Marshal(views)
	return out
}

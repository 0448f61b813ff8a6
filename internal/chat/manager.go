package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"moplaychat/internal/feed"
	"moplaychat/internal/models"
)

// Manager runs one user's chat room. All room state is owned by a single
// event loop goroutine; UI-facing calls are marshaled into it through a
// request channel, so timers, change events, and commands interleave
// cooperatively without locks on the room itself.
type Manager struct {
	log      zerolog.Logger
	sessions SessionProvider
	messages MessageStore
	presence PresenceStore
	feed     feed.Subscriber
	origin   string
	opts     Options

	reqCh  chan request
	stopCh chan struct{}
	doneCh chan struct{}

	mu           sync.RWMutex
	snap         Snapshot
	listeners    map[uint64]chan Snapshot
	nextListener uint64

	// Everything below is loop-owned.
	room       roomState
	active     bool
	msgHandle  feed.Handle
	presHandle feed.Handle
	heartbeat  *time.Ticker
	listTick   *time.Ticker
	reloadTick *time.Ticker
	debounce   *time.Timer
}

type reqKind int

const (
	reqSend reqKind = iota
	reqVisibility
	reqHeartbeat
	reqRefreshUsers
)

type request struct {
	kind    reqKind
	text    string
	visible bool
	reply   chan error
}

// NewManager wires a room for one user. All collaborators are injected; the
// manager holds no globals.
func NewManager(sessions SessionProvider, messages MessageStore, presence PresenceStore, sub feed.Subscriber, opts Options, log zerolog.Logger) *Manager {
	m := &Manager{
		log:       log,
		sessions:  sessions,
		messages:  messages,
		presence:  presence,
		feed:      sub,
		origin:    uuid.NewString(),
		opts:      opts.withDefaults(),
		reqCh:     make(chan request, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		listeners: make(map[uint64]chan Snapshot),
		room:      newRoomState(),
	}
	m.snap = m.room.snapshot()
	return m
}

// Run drives the room until the context is canceled or the manager is
// stopped. It waits once for the session provider to become ready, then
// polls the session on a fixed cadence.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.doneCh)
	defer m.deactivate()

	select {
	case <-m.sessions.Ready():
	case <-ctx.Done():
		return
	case <-m.stopCh:
		return
	}

	m.checkSession(ctx)

	gate := time.NewTicker(m.opts.GatePoll)
	defer gate.Stop()

	for {
		var (
			heartbeatC <-chan time.Time
			listC      <-chan time.Time
			reloadC    <-chan time.Time
			debounceC  <-chan time.Time
			msgC       <-chan *feed.Event
			presC      <-chan *feed.Event
		)
		if m.active {
			heartbeatC = m.heartbeat.C
			listC = m.listTick.C
			reloadC = m.reloadTick.C
			if m.msgHandle != nil {
				msgC = m.msgHandle.Events()
			}
			if m.presHandle != nil {
				presC = m.presHandle.Events()
			}
			if m.debounce != nil {
				debounceC = m.debounce.C
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-gate.C:
			m.checkSession(ctx)
		case <-heartbeatC:
			m.announceOnlineForced(ctx)
		case <-listC:
			m.refreshOnlineUsers(ctx)
		case <-reloadC:
			m.reloadRecent(ctx)
		case <-debounceC:
			m.debounce = nil
			m.refreshOnlineUsers(ctx)
		case event, ok := <-msgC:
			if !ok {
				m.log.Warn().Msg("message feed closed, relying on periodic reload")
				m.msgHandle = nil
				continue
			}
			m.handleMessageEvent(event)
		case _, ok := <-presC:
			if !ok {
				m.log.Warn().Msg("presence feed closed, relying on periodic refresh")
				m.presHandle = nil
				continue
			}
			m.scheduleListRefresh()
		case req := <-m.reqCh:
			m.handleRequest(ctx, req)
		}
	}
}

// Stop shuts the room down. Safe to call more than once.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

// Done reports when the run loop has exited and cleanup has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// checkSession compares the external session against the local room and
// activates or deactivates accordingly.
func (m *Manager) checkSession(ctx context.Context) {
	session, err := m.sessions.Current(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("session check failed")
		return
	}
	switch {
	case session != nil && !m.active:
		m.activate(ctx, session)
	case session == nil && m.active:
		m.deactivate()
	}
}

// activate switches the room to the active phase for the given session.
// Any handles left over from a previous activation are released first so
// rapid login/logout cycles cannot leak subscriptions.
func (m *Manager) activate(ctx context.Context, session *models.Session) {
	m.releaseHandles()

	m.room.reset()
	m.room.phase = PhaseActive
	m.room.session = session

	m.reloadRecent(ctx)
	m.announceOnline(ctx)
	m.announceOnlineForced(ctx)
	m.refreshOnlineUsers(ctx)

	m.subscribeMessages()
	m.subscribePresence()

	m.heartbeat = time.NewTicker(m.opts.Heartbeat)
	m.listTick = time.NewTicker(m.opts.ListRefresh)
	m.reloadTick = time.NewTicker(m.opts.MessageReload)

	m.active = true
	m.publish()
	m.log.Info().Int64("user_id", session.UserID).Str("username", session.Username).Msg("chat room activated")
}

// deactivate tears the room down: best-effort offline announcement, handle
// release, timer shutdown, local session cleared. Idempotent, as it runs
// from the gate, from Stop, and from the loop's exit path.
func (m *Manager) deactivate() {
	if m.room.session != nil {
		m.announceOffline()
	}

	m.releaseHandles()
	m.stopTimers()

	wasActive := m.active
	m.active = false
	m.room.reset()
	m.publish()
	if wasActive {
		m.log.Info().Msg("chat room deactivated")
	}
}

func (m *Manager) stopTimers() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.listTick != nil {
		m.listTick.Stop()
		m.listTick = nil
	}
	if m.reloadTick != nil {
		m.reloadTick.Stop()
		m.reloadTick = nil
	}
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
}

func (m *Manager) handleRequest(ctx context.Context, req request) {
	var err error
	switch req.kind {
	case reqSend:
		err = m.send(ctx, req.text)
	case reqVisibility:
		err = m.announceVisibility(ctx, req.visible)
	case reqHeartbeat:
		m.announceOnlineForced(ctx)
	case reqRefreshUsers:
		m.refreshOnlineUsers(ctx)
	}
	if req.reply != nil {
		req.reply <- err
	}
}

// Send validates and persists a message. The message is not rendered
// locally; it appears once the change feed or a reload delivers the
// persisted row back.
func (m *Manager) Send(ctx context.Context, text string) error {
	return m.roundTrip(ctx, request{kind: reqSend, text: text})
}

// SetVisible mirrors tab visibility into the shared presence record.
func (m *Manager) SetVisible(ctx context.Context, visible bool) error {
	return m.roundTrip(ctx, request{kind: reqVisibility, visible: visible})
}

// ForceHeartbeat triggers an immediate forced presence re-announce.
func (m *Manager) ForceHeartbeat(ctx context.Context) error {
	return m.roundTrip(ctx, request{kind: reqHeartbeat})
}

// RefreshOnlineUsers triggers an immediate online-list refresh.
func (m *Manager) RefreshOnlineUsers(ctx context.Context) error {
	return m.roundTrip(ctx, request{kind: reqRefreshUsers})
}

func (m *Manager) roundTrip(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case m.reqCh <- req:
	case <-m.doneCh:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-m.doneCh:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published room view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Listen registers a snapshot listener. The returned cancel func must be
// called to release it. Lagging listeners miss intermediate snapshots
// rather than blocking the room.
func (m *Manager) Listen() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = ch
	snap := m.snap
	m.mu.Unlock()

	// Seed with the current view so new listeners render immediately.
	ch <- snap

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.listeners[id]; ok {
			delete(m.listeners, id)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// publish replaces the shared snapshot and fans it out.
func (m *Manager) publish() {
	snap := m.room.snapshot()
	m.mu.Lock()
	m.snap = snap
	for _, ch := range m.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	m.mu.Unlock()
}

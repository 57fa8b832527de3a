package peer

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/4citeB4U/familyreunion/internal/signaling"
)

// Manager owns one Session per remote peer and fans their events out to
// subscribers.
type Manager struct {
	engine   Engine
	signaler Signaler
	cfg      SessionConfig

	mu       sync.Mutex
	sessions map[signaling.ClientID]*Session
	closed   bool

	subMu     sync.RWMutex
	onStatus  []func(signaling.ClientID, Status)
	onOpen    []func(signaling.ClientID)
	onMessage []func(signaling.ClientID, Message)
	onTrack   []func(signaling.ClientID, *webrtc.TrackRemote)
}

// NewManager creates a manager that builds connections with engine and sends
// signals through signaler.
func NewManager(engine Engine, signaler Signaler, cfg SessionConfig) *Manager {
	return &Manager{
		engine:   engine,
		signaler: signaler,
		cfg:      cfg,
		sessions: make(map[signaling.ClientID]*Session),
	}
}

// OnStatus registers a handler for session status changes.
func (m *Manager) OnStatus(fn func(remote signaling.ClientID, st Status)) {
	m.subMu.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.subMu.Unlock()
}

// OnChannelOpen registers a handler called once a session's side channel is
// ready to send.
func (m *Manager) OnChannelOpen(fn func(remote signaling.ClientID)) {
	m.subMu.Lock()
	m.onOpen = append(m.onOpen, fn)
	m.subMu.Unlock()
}

// OnMessage registers a handler for side-channel messages.
func (m *Manager) OnMessage(fn func(remote signaling.ClientID, msg Message)) {
	m.subMu.Lock()
	m.onMessage = append(m.onMessage, fn)
	m.subMu.Unlock()
}

// OnTrack registers a handler for inbound remote media.
func (m *Manager) OnTrack(fn func(remote signaling.ClientID, track *webrtc.TrackRemote)) {
	m.subMu.Lock()
	m.onTrack = append(m.onTrack, fn)
	m.subMu.Unlock()
}

func (m *Manager) events() sessionEvents {
	return sessionEvents{
		status: func(remote signaling.ClientID, st Status) {
			m.subMu.RLock()
			subs := m.onStatus
			m.subMu.RUnlock()
			for _, fn := range subs {
				fn(remote, st)
			}
		},
		channelOpen: func(remote signaling.ClientID) {
			m.subMu.RLock()
			subs := m.onOpen
			m.subMu.RUnlock()
			for _, fn := range subs {
				fn(remote)
			}
		},
		message: func(remote signaling.ClientID, msg Message) {
			m.subMu.RLock()
			subs := m.onMessage
			m.subMu.RUnlock()
			for _, fn := range subs {
				fn(remote, msg)
			}
		},
		track: func(remote signaling.ClientID, track *webrtc.TrackRemote) {
			m.subMu.RLock()
			subs := m.onTrack
			m.subMu.RUnlock()
			for _, fn := range subs {
				fn(remote, track)
			}
		},
	}
}

// newSessionLocked creates and registers a session. m.mu must be held.
func (m *Manager) newSessionLocked(remote signaling.ClientID, role Role) (*Session, error) {
	pc, err := m.engine.NewPeerConnection()
	if err != nil {
		return nil, err
	}
	s := newSession(remote, role, pc, m.signaler, m.cfg, m.events())
	if len(m.cfg.LocalTracks) > 0 {
		if err := s.AddLocalTracks(m.cfg.LocalTracks...); err != nil {
			s.Close()
			return nil, err
		}
	}
	m.sessions[remote] = s
	return s, nil
}

// Call starts a session with remote as the initiator. Calling a peer that
// already has a session is a no-op.
func (m *Manager) Call(remote signaling.ClientID) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return NewPeerError("call", remote, ErrSessionClosed)
	}
	if _, ok := m.sessions[remote]; ok {
		m.mu.Unlock()
		return nil
	}
	s, err := m.newSessionLocked(remote, RoleInitiator)
	m.mu.Unlock()
	if err != nil {
		return NewPeerError("call", remote, err)
	}

	log.Info().Str("remote_id", string(remote)).Msg("calling peer")
	return s.Start()
}

// HandleSignal routes a signal envelope payload from remote to its session.
// An offer or candidate from an unknown peer creates a responder session in
// the idle state first.
func (m *Manager) HandleSignal(remote signaling.ClientID, payload json.RawMessage) error {
	sig, err := DecodeSignal(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return NewPeerError("handle signal", remote, ErrSessionClosed)
	}
	s, ok := m.sessions[remote]
	if !ok {
		if sig.Kind == KindAnswer {
			m.mu.Unlock()
			log.Debug().Str("remote_id", string(remote)).Msg("answer for unknown session ignored")
			return NewPeerError("handle signal", remote, ErrNoSession)
		}
		s, err = m.newSessionLocked(remote, RoleResponder)
		if err != nil {
			m.mu.Unlock()
			return NewPeerError("handle signal", remote, err)
		}
		log.Info().Str("remote_id", string(remote)).Msg("incoming call")
	}
	m.mu.Unlock()

	return s.HandleSignal(sig)
}

// Session returns the session with remote.
func (m *Manager) Session(remote signaling.ClientID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	return s, ok
}

// Peers returns the remote ids with a session, sorted.
func (m *Manager) Peers() []signaling.ClientID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]signaling.ClientID, 0, len(m.sessions))
	for id := range m.sessions {
		peers = append(peers, id)
	}
	slices.Sort(peers)
	return peers
}

// Remove closes and forgets the session with remote.
func (m *Manager) Remove(remote signaling.ClientID) {
	m.mu.Lock()
	s, ok := m.sessions[remote]
	delete(m.sessions, remote)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Reconcile closes every session whose remote is not in members.
func (m *Manager) Reconcile(members []signaling.ClientID) {
	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if !slices.Contains(members, id) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		log.Debug().Str("remote_id", string(s.Remote())).Msg("closing session for departed peer")
		s.Close()
	}
}

// Send writes msg on the side channel to remote.
func (m *Manager) Send(remote signaling.ClientID, msg Message) error {
	s, ok := m.Session(remote)
	if !ok {
		return NewPeerError("send", remote, ErrNoSession)
	}
	return s.Send(msg)
}

// Broadcast writes msg to every peer with an open side channel and returns
// how many received it.
func (m *Manager) Broadcast(msg Message) int {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	sent := 0
	for _, s := range sessions {
		if err := s.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// CloseAll closes every session. The manager stays usable.
func (m *Manager) CloseAll() {
	m.Reconcile(nil)
}

// Close closes every session and refuses new ones.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CloseAll()
	return nil
}

package peer

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/4citeB4U/familyreunion/internal/signaling"
)

// Session defaults.
const (
	DefaultDisconnectGrace = 5 * time.Second
	DefaultMaxICERestarts  = 5
)

// Role decides who offers first and how offer collisions resolve.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the combined negotiation and connectivity state of a session.
type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is an observable connectivity event.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"
)

// Signal kinds carried in a signal envelope payload.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "candidate"
)

// Signal is the negotiation payload relayed between two sessions.
type Signal struct {
	Kind       string                   `json:"kind"`
	SDP        string                   `json:"sdp,omitempty"`
	Candidate  *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	ICERestart bool                     `json:"ice_restart,omitempty"`
}

// DecodeSignal parses a signal envelope payload.
func DecodeSignal(payload json.RawMessage) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return Signal{}, WrapError("decode signal", ErrMalformedSignal, err.Error())
	}
	switch sig.Kind {
	case KindOffer, KindAnswer:
		if sig.SDP == "" {
			return Signal{}, WrapError("decode signal", ErrMalformedSignal, "missing sdp")
		}
	case KindCandidate:
		if sig.Candidate == nil {
			return Signal{}, WrapError("decode signal", ErrMalformedSignal, "missing candidate")
		}
	default:
		return Signal{}, WrapError("decode signal", ErrUnexpectedSignal, sig.Kind)
	}
	return sig, nil
}

// Signaler delivers a signal to a remote client through the relay.
type Signaler interface {
	SendSignal(to signaling.ClientID, sig Signal) error
}

// SessionConfig tunes session recovery.
type SessionConfig struct {
	MaxPendingCandidates int
	CandidateTTL         time.Duration
	DisconnectGrace      time.Duration
	MaxICERestarts       int
	LocalTracks          []webrtc.TrackLocal

	// now is replaced in tests.
	now func() time.Time
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.MaxICERestarts <= 0 {
		c.MaxICERestarts = DefaultMaxICERestarts
	}
	return c
}

type negotiation int

const (
	negIdle negotiation = iota
	negLocalOffer
	negRemoteOffer
	negStable
)

type connectivity int

const (
	iceNew connectivity = iota
	iceConnected
	iceDisconnected
	iceFailed
)

// sessionEvents fan session events out to the manager's subscribers.
type sessionEvents struct {
	status      func(signaling.ClientID, Status)
	channelOpen func(signaling.ClientID)
	message     func(signaling.ClientID, Message)
	track       func(signaling.ClientID, *webrtc.TrackRemote)
}

// Session is the negotiation lifecycle with one remote peer. All operations
// and engine callbacks are serialised by mu; events are published after it
// is released.
type Session struct {
	remote   signaling.ClientID
	role     Role
	pc       PeerConnection
	signaler Signaler
	cfg      SessionConfig
	events   sessionEvents
	log      zerolog.Logger

	mu          sync.Mutex
	neg         negotiation
	ice         connectivity
	hasRemote   bool
	pending     *candidateQueue
	channel     DataChannel
	channelOpen bool
	restarts    int
	exhausted   bool
	// renegotiate is set when an offer was requested outside stable.
	renegotiate bool
	gen         uint64
	grace       *time.Timer
	closed      bool
	outbox      []func()

	// isClosed mirrors closed for the candidate callback, which runs without mu.
	isClosed atomic.Bool
}

func newSession(remote signaling.ClientID, role Role, pc PeerConnection, signaler Signaler, cfg SessionConfig, events sessionEvents) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		remote:   remote,
		role:     role,
		pc:       pc,
		signaler: signaler,
		cfg:      cfg,
		events:   events,
		log:      log.With().Str("remote_id", string(remote)).Str("role", role.String()).Logger(),
		pending:  newCandidateQueue(cfg.MaxPendingCandidates, cfg.CandidateTTL, cfg.now),
	}

	// The engine may report candidates from inside SetLocalDescription, so this
	// handler must not take mu.
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil || s.isClosed.Load() {
			return
		}
		if err := s.signaler.SendSignal(s.remote, Signal{Kind: KindCandidate, Candidate: c}); err != nil {
			s.log.Debug().Err(err).Msg("candidate not sent")
		}
	})
	pc.OnICEConnectionStateChange(s.handleICEState)
	pc.OnDataChannel(func(dc DataChannel) {
		if dc.Label() != ChannelLabel {
			return
		}
		s.mu.Lock()
		defer s.unlock()
		if s.closed {
			dc.Close()
			return
		}
		s.attachChannelLocked(dc)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote) {
		if s.isClosed.Load() || s.events.track == nil {
			return
		}
		s.events.track(s.remote, track)
	})
	return s
}

// Remote returns the remote client id.
func (s *Session) Remote() signaling.ClientID { return s.remote }

// Role returns the session role.
func (s *Session) Role() Role { return s.role }

// State returns the combined session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.closed:
		return StateClosed
	case s.exhausted:
		return StateFailed
	case s.neg == negStable && s.ice == iceFailed:
		return StateFailed
	case s.neg == negStable && s.ice == iceDisconnected:
		return StateDisconnected
	}
	switch s.neg {
	case negLocalOffer:
		return StateHaveLocalOffer
	case negRemoteOffer:
		return StateHaveRemoteOffer
	case negStable:
		return StateStable
	default:
		return StateIdle
	}
}

// PendingCandidates returns the number of buffered remote candidates.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.len()
}

// Start opens the side channel and sends the first offer. Only the initiator
// calls Start.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return NewPeerError("start", s.remote, ErrSessionClosed)
	}

	ordered := true
	dc, err := s.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return NewPeerError("start", s.remote, err)
	}
	s.attachChannelLocked(dc)
	return s.offerLocked(false)
}

// HandleSignal applies one signal from the remote peer.
func (s *Session) HandleSignal(sig Signal) error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return NewPeerError("handle signal", s.remote, ErrSessionClosed)
	}

	switch sig.Kind {
	case KindOffer:
		return s.handleOfferLocked(sig)
	case KindAnswer:
		return s.handleAnswerLocked(sig)
	case KindCandidate:
		return s.handleCandidateLocked(sig)
	default:
		return WrapError("handle signal", ErrUnexpectedSignal, sig.Kind)
	}
}

func (s *Session) handleOfferLocked(sig Signal) error {
	if s.neg == negLocalOffer {
		if s.role == RoleInitiator {
			s.log.Debug().Msg("offer collision, keeping local offer")
			return nil
		}
		s.log.Debug().Msg("offer collision, rolling back local offer")
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return s.negotiationFailedLocked("rollback", err)
		}
		s.neg = negStable
	}

	prev := s.neg
	s.neg = negRemoteOffer
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		s.neg = prev
		return s.negotiationFailedLocked("set remote offer", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err == nil {
		err = s.pc.SetLocalDescription(answer)
	}
	if err != nil {
		// The rollback restores whatever remote description preceded the offer,
		// so hasRemote keeps its earlier value and queued candidates stay queued.
		s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
		s.neg = prev
		return s.negotiationFailedLocked("answer offer", err)
	}
	s.hasRemote = true
	s.flushCandidatesLocked()
	if err := s.signaler.SendSignal(s.remote, Signal{Kind: KindAnswer, SDP: answer.SDP}); err != nil {
		s.log.Warn().Err(err).Msg("answer not sent")
	}
	return s.enterStableLocked()
}

func (s *Session) handleAnswerLocked(sig Signal) error {
	if s.neg != negLocalOffer {
		s.log.Debug().Msg("ignoring answer without a pending offer")
		return nil
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
		return s.negotiationFailedLocked("set remote answer", err)
	}
	s.hasRemote = true
	s.flushCandidatesLocked()
	return s.enterStableLocked()
}

func (s *Session) handleCandidateLocked(sig Signal) error {
	if !s.hasRemote {
		if s.pending.push(*sig.Candidate) {
			s.log.Warn().Int("max", s.pending.max).Msg("candidate queue full, dropped oldest")
		}
		return nil
	}
	if err := s.pc.AddICECandidate(*sig.Candidate); err != nil {
		return s.negotiationFailedLocked("add candidate", err)
	}
	return nil
}

// flushCandidatesLocked applies buffered candidates in arrival order.
func (s *Session) flushCandidatesLocked() {
	fresh, expired := s.pending.drain()
	if expired > 0 {
		s.log.Debug().Int("expired", expired).Msg("discarded stale candidates")
	}
	for _, c := range fresh {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
}

func (s *Session) enterStableLocked() error {
	s.neg = negStable
	if s.renegotiate {
		s.renegotiate = false
		s.log.Debug().Msg("replaying deferred renegotiation")
		return s.offerLocked(false)
	}
	return nil
}

// offerLocked creates, applies and sends a local offer.
func (s *Session) offerLocked(iceRestart bool) error {
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return s.wrapNegotiation("create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return s.wrapNegotiation("set local offer", err)
	}
	s.neg = negLocalOffer
	if err := s.signaler.SendSignal(s.remote, Signal{Kind: KindOffer, SDP: offer.SDP, ICERestart: iceRestart}); err != nil {
		s.log.Warn().Err(err).Msg("offer not sent")
	}
	return nil
}

// Renegotiate sends a fresh offer, or defers it until the session is stable.
func (s *Session) Renegotiate() error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return NewPeerError("renegotiate", s.remote, ErrSessionClosed)
	}
	if s.neg != negStable {
		s.renegotiate = true
		return nil
	}
	return s.offerLocked(false)
}

// AddLocalTracks attaches local media and renegotiates once negotiation has begun.
func (s *Session) AddLocalTracks(tracks ...webrtc.TrackLocal) error {
	s.mu.Lock()
	if s.closed {
		s.unlock()
		return NewPeerError("add tracks", s.remote, ErrSessionClosed)
	}
	for _, t := range tracks {
		if err := s.pc.AddTrack(t); err != nil {
			s.unlock()
			return NewPeerError("add tracks", s.remote, err)
		}
	}
	idle := s.neg == negIdle
	s.unlock()

	if idle {
		return nil
	}
	return s.Renegotiate()
}

// RestartICE forces an ICE restart.
func (s *Session) RestartICE() error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return NewPeerError("restart ice", s.remote, ErrSessionClosed)
	}
	return s.restartLocked("requested")
}

// restartLocked runs one ICE restart, preferring the engine's own primitive.
func (s *Session) restartLocked(reason string) error {
	if s.neg == negIdle {
		return nil
	}
	if s.restarts >= s.cfg.MaxICERestarts {
		if !s.exhausted {
			s.exhausted = true
			s.log.Error().Int("restarts", s.restarts).Msg("ice restarts exhausted")
			// ICE-driven failures have already reported failed.
			if s.ice != iceFailed {
				s.emitStatusLocked(StatusFailed)
			}
		}
		return NewPeerError("restart ice", s.remote, ErrRestartsExhausted)
	}
	s.restarts++
	s.log.Info().Str("reason", reason).Int("restart", s.restarts).Msg("restarting ice")

	if s.neg == negLocalOffer {
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return s.wrapNegotiation("rollback", err)
		}
		s.neg = negStable
	}

	if r, ok := s.pc.(ICERestarter); ok {
		if err := r.RestartICE(); err != nil {
			return s.wrapNegotiation("restart ice", err)
		}
		return s.offerLocked(false)
	}
	return s.offerLocked(true)
}

// negotiationFailedLocked records an engine rejection and recovers with an
// ICE restart.
func (s *Session) negotiationFailedLocked(op string, err error) error {
	nerr := s.wrapNegotiation(op, err)
	s.log.Warn().Err(err).Str("op", op).Msg("negotiation failed")
	if rerr := s.restartLocked("negotiation failure"); rerr != nil {
		s.log.Debug().Err(rerr).Msg("restart after negotiation failure did not run")
	}
	return nerr
}

func (s *Session) wrapNegotiation(op string, err error) error {
	return &Error{Op: op, Remote: s.remote, Err: &negotiationError{op: op, err: err}}
}

func (s *Session) handleICEState(state webrtc.ICEConnectionState) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}

	s.gen++
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		wasConnected := s.ice == iceConnected
		s.ice = iceConnected
		s.restarts = 0
		s.exhausted = false
		if !wasConnected {
			s.log.Info().Msg("peer connected")
			s.emitStatusLocked(StatusConnected)
		}

	case webrtc.ICEConnectionStateDisconnected:
		s.ice = iceDisconnected
		s.log.Warn().Dur("grace", s.cfg.DisconnectGrace).Msg("peer disconnected")
		s.emitStatusLocked(StatusDisconnected)
		gen := s.gen
		s.grace = time.AfterFunc(s.cfg.DisconnectGrace, func() { s.graceExpired(gen) })

	case webrtc.ICEConnectionStateFailed:
		s.ice = iceFailed
		s.log.Warn().Msg("peer connection failed")
		if !s.exhausted {
			s.emitStatusLocked(StatusFailed)
		}
		s.restartLocked("ice failed")
	}
}

// graceExpired treats a disconnect that outlived the grace window as a failure.
func (s *Session) graceExpired(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.gen != gen || s.ice != iceDisconnected {
		return
	}
	s.grace = nil
	s.ice = iceFailed
	s.log.Warn().Msg("still disconnected after grace window")
	if !s.exhausted {
		s.emitStatusLocked(StatusFailed)
	}
	s.restartLocked("disconnect grace expired")
}

func (s *Session) attachChannelLocked(dc DataChannel) {
	s.channel = dc
	s.channelOpen = false
	dc.OnOpen(func() {
		s.mu.Lock()
		defer s.unlock()
		if s.channel != dc || s.closed || s.channelOpen {
			return
		}
		s.channelOpen = true
		s.log.Debug().Msg("side channel open")
		if s.events.channelOpen != nil {
			remote := s.remote
			s.outbox = append(s.outbox, func() { s.events.channelOpen(remote) })
		}
	})
	dc.OnMessage(func(data []byte) {
		if s.isClosed.Load() {
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping undecodable side-channel message")
			return
		}
		if s.events.message != nil {
			s.events.message(s.remote, msg)
		}
	})
}

// Send writes a message on the side channel.
func (s *Session) Send(msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return NewPeerError("encode message", s.remote, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewPeerError("send", s.remote, ErrSessionClosed)
	}
	if s.channel == nil || !s.channelOpen {
		return NewPeerError("send", s.remote, ErrChannelNotOpen)
	}
	return s.channel.Send(data)
}

// Close tears the session down and releases the side channel and any buffered
// candidates. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.isClosed.Store(true)
	s.gen++
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.pending.clear()
	channel := s.channel
	s.channel = nil
	s.channelOpen = false
	s.emitStatusLocked(StatusClosed)
	s.unlock()

	s.log.Debug().Msg("session closed")
	if channel != nil {
		channel.Close()
	}
	return s.pc.Close()
}

func (s *Session) emitStatusLocked(st Status) {
	if s.events.status == nil {
		return
	}
	remote := s.remote
	s.outbox = append(s.outbox, func() { s.events.status(remote, st) })
}

// unlock releases mu and then publishes queued events.
func (s *Session) unlock() {
	out := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, fn := range out {
		fn()
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/4citeB4U/familyreunion/internal/config"
	"github.com/4citeB4U/familyreunion/internal/netutil"
	"github.com/4citeB4U/familyreunion/internal/peer"
	"github.com/4citeB4U/familyreunion/internal/signaling"
	"github.com/4citeB4U/familyreunion/internal/transport"
	"github.com/4citeB4U/familyreunion/internal/version"
)

var (
	// ErrNotConnected is returned when the relay has not acknowledged us yet.
	ErrNotConnected = errors.New("not connected to relay")
	// ErrNoRoom is returned by room operations outside a room.
	ErrNoRoom = errors.New("not in a room")
)

const eventBuffer = 32

// RoomUpdate reports a change in room membership.
type RoomUpdate struct {
	Room    signaling.RoomID
	Kind    string
	Joined  signaling.ClientID
	Left    signaling.ClientID
	Members []signaling.ClientID
}

// Text is a chat line, relayed to the room or sent directly over a peer side
// channel.
type Text struct {
	From    signaling.ClientID
	Room    signaling.RoomID
	Message string
	Direct  bool
}

// PeerStatus reports a change in one peer session.
type PeerStatus struct {
	Remote signaling.ClientID
	Status peer.Status
}

// Options configure a Client. Zero values use the pion engine and the
// websocket dialer.
type Options struct {
	Config      *config.Client
	Engine      peer.Engine
	Dial        transport.DialFunc
	LocalTracks []webrtc.TrackLocal
}

// Client is a room participant. It keeps the relay connection alive, tracks
// room membership and drives one peer session per remote member.
//
// Events are delivered on the exported channels. They are buffered; an event
// is dropped with a warning when the consumer falls behind.
type Client struct {
	cfg   *config.Client
	sup   *transport.Supervisor
	peers *peer.Manager

	Connected chan signaling.ClientID
	Rooms     chan RoomUpdate
	Texts     chan Text
	Errors    chan error
	Status    chan transport.Status
	Peers     chan PeerStatus
	Tracks    chan *webrtc.TrackRemote

	reqMu sync.Mutex

	mu      sync.Mutex
	id      signaling.ClientID
	room    signaling.RoomID
	kind    string
	members []signaling.ClientID
	// rejoin is the room to re-enter after a reconnect.
	rejoin signaling.RoomID
	waiter chan *signaling.Envelope
}

// New creates a client. Call Start to connect.
func New(opts Options) *Client {
	cfg := opts.Config
	engine := opts.Engine
	if engine == nil {
		engine = peer.NewPionEngine(cfg, netutil.ShouldForceRelay)
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context) (transport.Link, error) {
			return transport.Dial(ctx, cfg.Server)
		}
	}

	c := &Client{
		cfg:       cfg,
		Connected: make(chan signaling.ClientID, eventBuffer),
		Rooms:     make(chan RoomUpdate, eventBuffer),
		Texts:     make(chan Text, eventBuffer),
		Errors:    make(chan error, eventBuffer),
		Status:    make(chan transport.Status, eventBuffer),
		Peers:     make(chan PeerStatus, eventBuffer),
		Tracks:    make(chan *webrtc.TrackRemote, eventBuffer),
	}

	c.sup = transport.NewSupervisor(transport.SupervisorOptions{
		Dial: dial,
		Policy: transport.Policy{
			Base:        cfg.Reconnect.Base,
			Cap:         cfg.Reconnect.Cap,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Heartbeat: cfg.HeartbeatInterval,
	})
	c.sup.OnStatus(c.handleStatus)
	c.sup.OnEnvelope(c.dispatch)

	c.peers = peer.NewManager(engine, c, peer.SessionConfig{
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		CandidateTTL:         cfg.CandidateTTL,
		DisconnectGrace:      cfg.DisconnectGrace,
		MaxICERestarts:       cfg.MaxICERestarts,
		LocalTracks:          opts.LocalTracks,
	})
	c.peers.OnStatus(c.handlePeerStatus)
	c.peers.OnChannelOpen(c.sendHello)
	c.peers.OnMessage(c.handlePeerMessage)
	c.peers.OnTrack(func(remote signaling.ClientID, track *webrtc.TrackRemote) {
		log.Info().Str("remote_id", string(remote)).Str("kind", track.Kind().String()).Msg("receiving remote media")
		emit(c.Tracks, track, "track")
	})
	return c
}

// Start connects to the relay in the background.
func (c *Client) Start(ctx context.Context) {
	log.Info().Str("server", c.cfg.Server).Str("name", c.cfg.DisplayName).Msg("connecting to relay")
	c.sup.Start(ctx)
}

// Done is closed when the relay connection is given up or closed.
func (c *Client) Done() <-chan struct{} { return c.sup.Done() }

// Err reports why supervision ended.
func (c *Client) Err() error { return c.sup.Err() }

// Close ends every peer session and the relay connection.
func (c *Client) Close() error {
	c.peers.Close()
	return c.sup.Close()
}

// ID returns the id assigned by the relay for the current connection.
func (c *Client) ID() signaling.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Room returns the current room, if any.
func (c *Client) Room() signaling.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Members returns the last known member list of the current room.
func (c *Client) Members() []signaling.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.members)
}

// PeerManager exposes the peer sessions.
func (c *Client) PeerManager() *peer.Manager { return c.peers }

// CreateRoom asks the relay for a new room and waits until we are in it.
func (c *Client) CreateRoom(ctx context.Context, kind string) (signaling.RoomID, error) {
	reply, err := c.request(ctx, &signaling.Envelope{Type: signaling.TypeCreateRoom, RoomKind: kind})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return reply.RoomID, nil
}

// JoinRoom enters an existing room and returns its members.
func (c *Client) JoinRoom(ctx context.Context, room signaling.RoomID) ([]signaling.ClientID, error) {
	reply, err := c.request(ctx, &signaling.Envelope{Type: signaling.TypeJoinRoom, RoomID: room})
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", room, err)
	}
	return reply.Members, nil
}

// LeaveRoom leaves the current room and closes every peer session.
func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	room := c.room
	c.room, c.kind, c.members, c.rejoin = "", "", nil, ""
	c.mu.Unlock()

	c.peers.CloseAll()
	if room == "" {
		return ErrNoRoom
	}
	log.Info().Str("room_id", string(room)).Msg("leaving room")
	return c.sup.Send(&signaling.Envelope{Type: signaling.TypeLeaveRoom, RoomID: room})
}

// SendText relays a chat line to the rest of the room.
func (c *Client) SendText(message string) error {
	room := c.Room()
	if room == "" {
		return ErrNoRoom
	}
	return c.sup.Send(&signaling.Envelope{Type: signaling.TypeTextMessage, RoomID: room, Message: message})
}

// SendDirect writes a chat line on the side channel to one peer.
func (c *Client) SendDirect(remote signaling.ClientID, text string) error {
	msg, err := peer.NewMessage(peer.MessageTypeText, peer.TextPayload{Text: text, SentAt: signaling.Now()})
	if err != nil {
		return err
	}
	return c.peers.Send(remote, msg)
}

// Call starts a peer session with a room member.
func (c *Client) Call(remote signaling.ClientID) error {
	if remote == c.ID() {
		return fmt.Errorf("call %s: cannot call yourself", remote)
	}
	if !slices.Contains(c.Members(), remote) {
		return fmt.Errorf("call %s: %w", remote, signaling.ErrNotFound)
	}
	return c.peers.Call(remote)
}

// SendSignal forwards a negotiation payload to remote through the relay.
func (c *Client) SendSignal(to signaling.ClientID, sig peer.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return c.sup.Send(&signaling.Envelope{Type: signaling.TypeSignal, Target: to, Payload: payload})
}

// request sends env and waits for the relay's reply. Requests are serialised
// because the relay answers in order.
func (c *Client) request(ctx context.Context, env *signaling.Envelope) (*signaling.Envelope, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.ID() == "" {
		return nil, ErrNotConnected
	}

	wait := make(chan *signaling.Envelope, 1)
	c.mu.Lock()
	c.waiter = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiter == wait {
			c.waiter = nil
		}
		c.mu.Unlock()
	}()

	if err := c.sup.Send(env); err != nil {
		return nil, err
	}

	select {
	case reply := <-wait:
		if reply.Type == signaling.TypeError {
			return nil, relayError(reply)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.sup.Done():
		return nil, transport.ErrTransportClosed
	}
}

// reply hands env to a pending request, if any.
func (c *Client) reply(env *signaling.Envelope) {
	c.mu.Lock()
	wait := c.waiter
	c.waiter = nil
	c.mu.Unlock()
	if wait != nil {
		wait <- env
	}
}

func (c *Client) handleStatus(st transport.Status) {
	if st.State != transport.StateConnected {
		c.mu.Lock()
		c.id = ""
		c.mu.Unlock()
	}
	if st.State == transport.StateGaveUp {
		log.Error().Err(st.Err).Msg("relay unreachable, giving up")
	}
	emit(c.Status, st, "status")
}

// dispatch handles one relay envelope. It runs on the supervisor goroutine.
func (c *Client) dispatch(env *signaling.Envelope) {
	switch env.Type {
	case signaling.TypeConnection:
		c.handleConnection(env)

	case signaling.TypeRoomCreated:
		c.mu.Lock()
		c.room, c.kind, c.rejoin = env.RoomID, env.RoomKind, env.RoomID
		c.mu.Unlock()
		log.Info().Str("room_id", string(env.RoomID)).Str("kind", env.RoomKind).Msg("room created")
		c.reply(env)

	case signaling.TypeRoomInfo:
		c.mu.Lock()
		c.room, c.rejoin, c.members = env.RoomID, env.RoomID, env.Members
		if env.RoomKind != "" {
			c.kind = env.RoomKind
		}
		kind := c.kind
		c.mu.Unlock()
		c.peers.Reconcile(env.Members)
		emit(c.Rooms, RoomUpdate{Room: env.RoomID, Kind: kind, Members: env.Members}, "room")
		c.reply(env)

	case signaling.TypeUserJoined:
		c.handleUserJoined(env)

	case signaling.TypeUserLeft:
		c.mu.Lock()
		if env.Members != nil {
			c.members = env.Members
		} else {
			c.members = slices.DeleteFunc(c.members, func(id signaling.ClientID) bool { return id == env.ClientID })
		}
		members := slices.Clone(c.members)
		c.mu.Unlock()
		log.Info().Str("client_id", string(env.ClientID)).Msg("member left")
		c.peers.Remove(env.ClientID)
		emit(c.Rooms, RoomUpdate{Room: env.RoomID, Left: env.ClientID, Members: members}, "room")

	case signaling.TypeSignal:
		if !c.isMember(env.From) {
			log.Debug().Str("remote_id", string(env.From)).Msg("ignoring signal from non-member")
			return
		}
		if err := c.peers.HandleSignal(env.From, env.Payload); err != nil {
			log.Warn().Err(err).Str("remote_id", string(env.From)).Msg("signal not applied")
		}

	case signaling.TypeTextMessage:
		emit(c.Texts, Text{From: env.From, Room: env.RoomID, Message: env.Message}, "text")

	case signaling.TypeError:
		c.handleError(env)

	case signaling.TypePong:

	default:
		log.Debug().Str("type", env.Type).Msg("ignoring unknown envelope")
	}
}

func (c *Client) handleConnection(env *signaling.Envelope) {
	c.mu.Lock()
	c.id = env.ClientID
	rejoin := c.rejoin
	c.mu.Unlock()

	log.Info().Str("client_id", string(env.ClientID)).Msg("connected to relay")
	emit(c.Connected, env.ClientID, "connection")

	if rejoin != "" {
		log.Info().Str("room_id", string(rejoin)).Msg("rejoining room after reconnect")
		if err := c.sup.Send(&signaling.Envelope{Type: signaling.TypeJoinRoom, RoomID: rejoin}); err != nil {
			log.Warn().Err(err).Msg("rejoin not sent")
		}
	}
}

func (c *Client) handleUserJoined(env *signaling.Envelope) {
	c.mu.Lock()
	c.members = env.Members
	self := c.id
	c.mu.Unlock()

	log.Info().Str("client_id", string(env.ClientID)).Msg("member joined")
	emit(c.Rooms, RoomUpdate{Room: env.RoomID, Kind: env.RoomKind, Joined: env.ClientID, Members: env.Members}, "room")

	if c.cfg.AutoCall && env.ClientID != self {
		if err := c.peers.Call(env.ClientID); err != nil {
			log.Warn().Err(err).Str("remote_id", string(env.ClientID)).Msg("auto call failed")
		}
	}
}

func (c *Client) handleError(env *signaling.Envelope) {
	err := relayError(env)

	switch {
	case errors.Is(err, signaling.ErrUnreachable):
		// The target vanished between our last room_info and the signal.
		if env.Target != "" {
			c.peers.Remove(env.Target)
		}
	case errors.Is(err, signaling.ErrNotFound) && c.pendingRejoin():
		log.Warn().Msg("room closed while reconnecting")
		c.mu.Lock()
		c.room, c.rejoin, c.members = "", "", nil
		c.mu.Unlock()
		c.peers.CloseAll()
	default:
		c.reply(env)
	}

	log.Warn().Err(err).Msg("relay reported an error")
	emit(c.Errors, err, "error")
}

// isMember reports whether id is a member of the room we are currently in.
// Signals may still arrive after either side has left.
func (c *Client) isMember(id signaling.ClientID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room != "" && slices.Contains(c.members, id)
}

// pendingRejoin reports whether a rejoin is in flight with no request waiting.
func (c *Client) pendingRejoin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiter == nil && c.rejoin != ""
}

func (c *Client) handlePeerStatus(remote signaling.ClientID, st peer.Status) {
	emit(c.Peers, PeerStatus{Remote: remote, Status: st}, "peer status")
}

// sendHello introduces us on a freshly opened side channel.
func (c *Client) sendHello(remote signaling.ClientID) {
	hello, err := peer.NewMessage(peer.MessageTypeHello, peer.HelloPayload{DisplayName: c.cfg.DisplayName, Version: version.Version})
	if err != nil {
		return
	}
	if err := c.peers.Send(remote, hello); err != nil {
		log.Warn().Err(err).Str("remote_id", string(remote)).Msg("hello not sent")
	}
}

func (c *Client) handlePeerMessage(remote signaling.ClientID, msg peer.Message) {
	switch msg.Type {
	case peer.MessageTypeText:
		var p peer.TextPayload
		if err := msg.DecodePayload(&p); err != nil {
			log.Debug().Err(err).Msg("bad text payload")
			return
		}
		emit(c.Texts, Text{From: remote, Room: c.Room(), Message: p.Text, Direct: true}, "text")

	case peer.MessageTypeReaction:
		var p peer.ReactionPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		emit(c.Texts, Text{From: remote, Room: c.Room(), Message: p.Emoji, Direct: true}, "text")

	case peer.MessageTypeHello:
		var p peer.HelloPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		log.Info().Str("remote_id", string(remote)).Str("name", p.DisplayName).Str("version", p.Version).Msg("peer introduced itself")
	}
}

// relayError rebuilds a relay error envelope as an error matching the
// signaling sentinels.
func relayError(env *signaling.Envelope) error {
	if env.Error == nil {
		return signaling.WrapError("relay", signaling.ErrMalformedEnvelope, "error without body")
	}
	sentinel := env.Error.Code.Sentinel()
	if sentinel == nil {
		sentinel = errors.New(string(env.Error.Code))
	}
	return signaling.WrapError("relay", sentinel, env.Error.Detail)
}

func emit[T any](ch chan T, v T, what string) {
	select {
	case ch <- v:
	default:
		log.Warn().Str("event", what).Msg("event dropped, consumer too slow")
	}
}

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/4citeB4U/familyreunion/internal/metrics"
	"github.com/4citeB4U/familyreunion/internal/signaling"
)

// DefaultSweepInterval is how often the hub probes every transport.
const DefaultSweepInterval = 30 * time.Second

// Options configure a Hub.
type Options struct {
	Logger        zerolog.Logger
	Metrics       *metrics.Relay
	RoomIDs       IDGenerator
	SweepInterval time.Duration
	// NewClientID defaults to random UUIDs.
	NewClientID func() signaling.ClientID
}

// Hub is the central brain of the signaling relay.
// It owns the connection registry and the room table behind a single lock, so
// a client's room back-reference and the room's member list never disagree.
type Hub struct {
	mu       sync.Mutex
	registry *Registry
	rooms    *RoomManager

	log           zerolog.Logger
	metrics       *metrics.Relay
	sweepInterval time.Duration
	newClientID   func() signaling.ClientID
}

// delivery is an envelope bound for one transport. Deliveries are collected
// under the hub lock and sent after it is released.
type delivery struct {
	to  Transport
	env *signaling.Envelope

	// fallback goes to sender if to refuses the envelope.
	fallback *signaling.Envelope
	sender   Transport
}

// NewHub creates a new Hub instance.
func NewHub(opts Options) *Hub {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.NewClientID == nil {
		opts.NewClientID = func() signaling.ClientID { return signaling.ClientID(uuid.NewString()) }
	}
	if opts.Metrics == nil {
		// Unexported registry keeps tests and embedded hubs independent.
		m, err := metrics.NewRelay(prometheus.NewRegistry())
		if err != nil {
			panic(err)
		}
		opts.Metrics = m
	}
	return &Hub{
		registry:      NewRegistry(),
		rooms:         NewRoomManager(opts.RoomIDs),
		log:           opts.Logger,
		metrics:       opts.Metrics,
		sweepInterval: opts.SweepInterval,
		newClientID:   opts.NewClientID,
	}
}

// Connect registers a freshly accepted transport and acknowledges it with its
// client id.
func (h *Hub) Connect(t Transport) signaling.ClientID {
	h.mu.Lock()
	id := h.newClientID()
	for {
		if _, taken := h.registry.Lookup(id); !taken {
			break
		}
		id = h.newClientID()
	}
	h.registry.Register(id, t)
	h.metrics.Connections.Set(float64(h.registry.Len()))
	h.mu.Unlock()

	h.log.Info().Str("client", string(id)).Msg("client connected")
	h.deliver([]delivery{{to: t, env: &signaling.Envelope{
		Type:      signaling.TypeConnection,
		ClientID:  id,
		Timestamp: signaling.Now(),
	}}})
	return id
}

// Disconnect unregisters a client, removes it from its room and tells the
// remaining members. Calling it more than once is harmless.
func (h *Hub) Disconnect(id signaling.ClientID) {
	h.mu.Lock()
	t, _ := h.registry.Lookup(id)
	out, ok := h.unregisterLocked(id)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.log.Info().Str("client", string(id)).Msg("client disconnected")
	if t != nil {
		t.Close()
	}
	h.deliver(out)
}

// unregisterLocked drops id from the registry and its room.
func (h *Hub) unregisterLocked(id signaling.ClientID) ([]delivery, bool) {
	room, ok := h.registry.Unregister(id)
	if !ok {
		return nil, false
	}
	h.metrics.Connections.Set(float64(h.registry.Len()))
	if room == "" {
		return nil, true
	}
	return h.leaveLocked(id, room), true
}

// MarkAlive records a liveness reply from id.
func (h *Hub) MarkAlive(id signaling.ClientID) {
	h.mu.Lock()
	h.registry.markAlive(id)
	h.mu.Unlock()
}

// HandleFrame decodes one inbound frame from id and dispatches it. Frames that
// fail to decode are answered with an error envelope; the connection stays up.
func (h *Hub) HandleFrame(id signaling.ClientID, data []byte) {
	env, err := signaling.Decode(data)
	if err != nil {
		h.log.Debug().Err(err).Str("client", string(id)).Msg("dropping malformed frame")
		h.replyError(id, err)
		return
	}
	h.Handle(id, env)
}

// Handle dispatches one decoded envelope from id.
func (h *Hub) Handle(id signaling.ClientID, env *signaling.Envelope) {
	h.metrics.Envelopes.WithLabelValues(metricType(env.Type)).Inc()
	if err := env.Validate(); err != nil {
		h.replyError(id, err)
		return
	}

	h.log.Debug().Str("client", string(id)).Str("type", env.Type).Msg("envelope received")

	h.mu.Lock()
	out := h.routeLocked(id, env)
	h.metrics.Rooms.Set(float64(h.rooms.Count()))
	h.mu.Unlock()

	h.deliver(out)
}

// Run sweeps the registry every sweep interval until ctx is done, then closes
// every transport.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep terminates every transport that has not answered since the previous
// sweep and probes the rest.
func (h *Hub) Sweep() {
	h.mu.Lock()
	dead, probe := h.registry.sweep()
	var closing []Transport
	var out []delivery
	for _, id := range dead {
		t, _ := h.registry.Lookup(id)
		leave, _ := h.unregisterLocked(id)
		out = append(out, leave...)
		if t != nil {
			closing = append(closing, t)
		}
	}
	h.metrics.Rooms.Set(float64(h.rooms.Count()))
	h.mu.Unlock()

	for _, t := range closing {
		t.Close()
		h.metrics.SweepTerminated.Inc()
	}
	if len(dead) > 0 {
		h.log.Info().Int("terminated", len(dead)).Msg("liveness sweep closed unresponsive clients")
	}
	h.deliver(out)

	for _, t := range probe {
		if err := t.Ping(); err != nil {
			h.log.Debug().Err(err).Msg("liveness probe failed")
		}
	}
}

// ListMembers returns the members of a room in join order.
func (h *Hub) ListMembers(roomID signaling.RoomID) []signaling.ClientID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.ListMembers(roomID)
}

// RoomExists reports whether the room is live.
func (h *Hub) RoomExists(roomID signaling.RoomID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.Exists(roomID)
}

// RoomOf returns the room id is currently in, if any.
func (h *Hub) RoomOf(id signaling.ClientID) signaling.RoomID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.RoomOf(id)
}

// Clients returns the number of registered transports.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Len()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []Transport
	for _, e := range h.registry.entries {
		all = append(all, e.transport)
	}
	h.mu.Unlock()

	for _, t := range all {
		t.Close()
	}
}

func (h *Hub) replyError(id signaling.ClientID, err error) {
	h.mu.Lock()
	t, ok := h.registry.Lookup(id)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.deliver([]delivery{{to: t, env: h.errorEnvelope(err, "")}})
}

func (h *Hub) errorEnvelope(err error, target signaling.ClientID) *signaling.Envelope {
	env := signaling.NewError(err, target)
	h.metrics.Errors.WithLabelValues(string(env.Error.Code)).Inc()
	return env
}

// deliver sends envelopes outside the hub lock. A closed target drops its
// envelope; a signal's sender is told when that happens.
func (h *Hub) deliver(out []delivery) {
	for _, d := range out {
		if !h.registry.IsOpen(d.to) {
			h.failDelivery(d, signaling.ErrUnreachable)
			continue
		}
		if err := d.to.Send(d.env); err != nil {
			h.failDelivery(d, err)
		}
	}
}

func (h *Hub) failDelivery(d delivery, err error) {
	h.metrics.DeliveryFailures.Inc()
	h.log.Debug().Err(err).Str("type", d.env.Type).Msg("delivery failed")
	if d.fallback != nil && h.registry.IsOpen(d.sender) {
		h.metrics.Errors.WithLabelValues(string(d.fallback.Error.Code)).Inc()
		d.sender.Send(d.fallback)
	}
}

// metricType bounds label cardinality to the known inbound types.
func metricType(t string) string {
	switch t {
	case signaling.TypeCreateRoom, signaling.TypeJoinRoom, signaling.TypeLeaveRoom,
		signaling.TypeSignal, signaling.TypeTextMessage, signaling.TypePing:
		return t
	default:
		return "unknown"
	}
}

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/4citeB4U/familyreunion/internal/signaling"
)

var (
	// ErrTransportClosed is returned when sending without a live connection.
	ErrTransportClosed = errors.New("transport closed")
	// ErrRetriesExhausted is reported once the supervisor gives up.
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
)

// DefaultHeartbeat is the interval between ping envelopes while connected.
const DefaultHeartbeat = 20 * time.Second

// State of the connection to the relay.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGaveUp:
		return "gave-up"
	default:
		return "unknown"
	}
}

// Status is published on every state change.
type Status struct {
	State State
	// Attempt is the number of retries since the last successful connect.
	Attempt int
	// Delay is the wait before the next retry, set while disconnected.
	Delay time.Duration
	Err   error
}

// DialFunc opens one connection to the relay.
type DialFunc func(ctx context.Context) (Link, error)

// SupervisorOptions configure a Supervisor.
type SupervisorOptions struct {
	Dial      DialFunc
	Policy    Policy
	Heartbeat time.Duration
}

// Supervisor keeps a connection to the relay alive. An abnormal close is
// retried on the backoff schedule; a clean close ends supervision.
type Supervisor struct {
	dial      DialFunc
	policy    Policy
	heartbeat time.Duration

	mu        sync.Mutex
	link      Link
	state     State
	onStatus  []func(Status)
	onMessage []func(*signaling.Envelope)

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewSupervisor creates a supervisor. Call Start to begin connecting.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	return &Supervisor{
		dial:      opts.Dial,
		policy:    opts.Policy,
		heartbeat: opts.Heartbeat,
	}
}

// OnStatus subscribes to state changes. Subscribers run on the supervisor
// goroutine and must not block.
func (s *Supervisor) OnStatus(fn func(Status)) {
	s.mu.Lock()
	s.onStatus = append(s.onStatus, fn)
	s.mu.Unlock()
}

// OnEnvelope subscribes to envelopes received from the relay, delivered in
// arrival order on the supervisor goroutine.
func (s *Supervisor) OnEnvelope(fn func(*signaling.Envelope)) {
	s.mu.Lock()
	s.onMessage = append(s.onMessage, fn)
	s.mu.Unlock()
}

// Start launches the supervisor goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.run(ctx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
}

// Done is closed when supervision ends.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns ErrRetriesExhausted after giving up, nil otherwise.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send forwards an envelope on the live connection.
func (s *Supervisor) Send(env *signaling.Envelope) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return ErrTransportClosed
	}
	return link.Send(env)
}

// Close stops supervision. When it returns no retry timer or heartbeat is
// pending and the connection, if any, is closed.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *Supervisor) run(ctx context.Context) error {
	b := s.policy.NewBackOff()
	attempt := 0

	for {
		s.publish(Status{State: StateConnecting, Attempt: attempt})
		link, err := s.dial(ctx)
		if ctx.Err() != nil {
			if link != nil {
				link.Close()
			}
			s.publish(Status{State: StateDisconnected, Attempt: attempt})
			return nil
		}

		if err == nil {
			b.Reset()
			attempt = 0
			err = s.serve(ctx, link)
			if ctx.Err() != nil {
				s.publish(Status{State: StateDisconnected})
				return nil
			}
			if IsCleanClose(err) {
				log.Info().Msg("relay closed the connection")
				s.publish(Status{State: StateDisconnected, Err: err})
				return nil
			}
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			log.Error().Err(err).Int("attempts", attempt).Msg("giving up on relay connection")
			s.publish(Status{State: StateGaveUp, Attempt: attempt, Err: ErrRetriesExhausted})
			return ErrRetriesExhausted
		}
		attempt++
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("relay connection lost, retrying")
		s.publish(Status{State: StateDisconnected, Attempt: attempt, Delay: delay, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// serve pumps envelopes from link to subscribers and sends heartbeats until the
// link ends or ctx is cancelled.
func (s *Supervisor) serve(ctx context.Context, link Link) error {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
	s.publish(Status{State: StateConnected})

	defer func() {
		s.mu.Lock()
		s.link = nil
		s.mu.Unlock()
		link.Close()
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-link.Incoming():
			if !ok {
				return link.Err()
			}
			s.dispatch(env)

		case <-ticker.C:
			// A missing pong is not treated as a disconnect.
			if err := link.Send(&signaling.Envelope{Type: signaling.TypePing, Timestamp: signaling.Now()}); err != nil {
				log.Debug().Err(err).Msg("heartbeat not sent")
			}
		}
	}
}

func (s *Supervisor) publish(st Status) {
	s.mu.Lock()
	s.state = st.State
	subs := append([]func(Status){}, s.onStatus...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (s *Supervisor) dispatch(env *signaling.Envelope) {
	s.mu.Lock()
	subs := append([]func(*signaling.Envelope){}, s.onMessage...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(env)
	}
}

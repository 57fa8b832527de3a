package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4citeB4U/familyreunion/internal/signaling"
)

type statusLog struct {
	mu  sync.Mutex
	got []Status
}

func (l *statusLog) record(_ signaling.ClientID, st Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, st)
}

func (l *statusLog) all() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.got...)
}

func newTestManager(t *testing.T, cfg SessionConfig) (*Manager, *fakeEngine, *fakeSignaler, *statusLog) {
	t.Helper()
	engine := &fakeEngine{}
	sig := &fakeSignaler{}
	m := NewManager(engine, sig, cfg)
	statuses := &statusLog{}
	m.OnStatus(statuses.record)
	t.Cleanup(func() { m.Close() })
	return m, engine, sig, statuses
}

func payload(t *testing.T, sig Signal) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(sig)
	require.NoError(t, err)
	return b
}

func offer(t *testing.T, sdp string) json.RawMessage {
	return payload(t, Signal{Kind: KindOffer, SDP: sdp})
}

func answer(t *testing.T) json.RawMessage {
	return payload(t, Signal{Kind: KindAnswer, SDP: "remote-answer"})
}

func candidate(t *testing.T, c string) json.RawMessage {
	return payload(t, Signal{Kind: KindCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: c}})
}

// establish calls remote and completes the offer/answer round trip.
func establish(t *testing.T, m *Manager, remote signaling.ClientID) *Session {
	t.Helper()
	require.NoError(t, m.Call(remote))
	require.NoError(t, m.HandleSignal(remote, answer(t)))
	s, ok := m.Session(remote)
	require.True(t, ok)
	require.Equal(t, StateStable, s.State())
	return s
}

func TestOfferFromUnknownPeerCreatesResponder(t *testing.T) {
	m, engine, sig, _ := newTestManager(t, SessionConfig{})

	require.NoError(t, m.HandleSignal("b", offer(t, "remote-offer")))

	s, ok := m.Session("b")
	require.True(t, ok)
	assert.Equal(t, RoleResponder, s.Role())
	assert.Equal(t, StateStable, s.State())

	pc := engine.last().snapshot()
	require.Len(t, pc.remote, 1)
	assert.Equal(t, "remote-offer", pc.remote[0].SDP)
	require.Len(t, pc.local, 1)
	assert.Equal(t, webrtc.SDPTypeAnswer, pc.local[0].Type)

	ans, ok := sig.last(KindAnswer)
	require.True(t, ok)
	assert.Equal(t, "answer", ans.SDP)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	m, engine, _, _ := newTestManager(t, SessionConfig{})

	require.NoError(t, m.HandleSignal("b", candidate(t, "c1")))
	require.NoError(t, m.HandleSignal("b", candidate(t, "c2")))

	s, ok := m.Session("b")
	require.True(t, ok)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 2, s.PendingCandidates())
	assert.Empty(t, engine.last().snapshot().candidates)

	require.NoError(t, m.HandleSignal("b", offer(t, "remote-offer")))
	assert.Equal(t, []string{"c1", "c2"}, engine.last().snapshot().candidates)
	assert.Equal(t, 0, s.PendingCandidates())

	require.NoError(t, m.HandleSignal("b", candidate(t, "c3")))
	assert.Equal(t, []string{"c1", "c2", "c3"}, engine.last().snapshot().candidates)
}

func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	m, engine, _, _ := newTestManager(t, SessionConfig{})
	require.NoError(t, m.Call("b"))

	require.NoError(t, m.HandleSignal("b", candidate(t, "early")))
	assert.Empty(t, engine.last().snapshot().candidates)

	require.NoError(t, m.HandleSignal("b", answer(t)))
	assert.Equal(t, []string{"early"}, engine.last().snapshot().candidates)
}

func TestCallSendsOfferAndOpensChannel(t *testing.T) {
	m, engine, sig, _ := newTestManager(t, SessionConfig{})

	require.NoError(t, m.Call("b"))
	require.NoError(t, m.Call("b"))

	s, _ := m.Session("b")
	assert.Equal(t, RoleInitiator, s.Role())
	assert.Equal(t, StateHaveLocalOffer, s.State())

	pc := engine.last().snapshot()
	require.Len(t, pc.channels, 1)
	assert.Equal(t, ChannelLabel, pc.channels[0].label)
	assert.Len(t, sig.offers(), 1)
	// Local candidates surfaced during SetLocalDescription are forwarded.
	assert.Contains(t, sig.kinds(), KindCandidate)

	require.NoError(t, m.HandleSignal("b", answer(t)))
	assert.Equal(t, StateStable, s.State())
}

func TestAnswerWithoutSession(t *testing.T) {
	m, _, _, _ := newTestManager(t, SessionConfig{})
	err := m.HandleSignal("ghost", answer(t))
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Empty(t, m.Peers())
}

func TestICEFailureRestarts(t *testing.T) {
	m, engine, sig, statuses := newTestManager(t, SessionConfig{})
	s := establish(t, m, "b")
	pc := engine.last()

	pc.setICE(webrtc.ICEConnectionStateConnected)
	pc.setICE(webrtc.ICEConnectionStateFailed)

	offers := sig.offers()
	require.Len(t, offers, 2)
	assert.True(t, offers[1].ICERestart)
	assert.Equal(t, []bool{false, true}, pc.snapshot().restartOpts)
	assert.Equal(t, StateHaveLocalOffer, s.State())
	assert.Equal(t, []Status{StatusConnected, StatusFailed}, statuses.all())

	require.NoError(t, m.HandleSignal("b", answer(t)))
	pc.setICE(webrtc.ICEConnectionStateConnected)
	assert.Equal(t, StateStable, s.State())
}

func TestNativeICERestartPreferred(t *testing.T) {
	engine := &fakeEngine{native: true}
	sig := &fakeSignaler{}
	m := NewManager(engine, sig, SessionConfig{})
	defer m.Close()

	establish(t, m, "b")
	engine.last().setICE(webrtc.ICEConnectionStateFailed)

	assert.Equal(t, 1, engine.natives[0].restarts)
	assert.Len(t, sig.offers(), 2)
	assert.Equal(t, []bool{false, false}, engine.last().snapshot().restartOpts)
}

func TestDisconnectGraceExpiresIntoRestart(t *testing.T) {
	m, engine, sig, statuses := newTestManager(t, SessionConfig{DisconnectGrace: 20 * time.Millisecond})
	s := establish(t, m, "b")
	pc := engine.last()

	pc.setICE(webrtc.ICEConnectionStateConnected)
	pc.setICE(webrtc.ICEConnectionStateDisconnected)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Len(t, sig.offers(), 1)

	require.Eventually(t, func() bool { return len(sig.offers()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, sig.offers()[1].ICERestart)
	assert.Equal(t, []Status{StatusConnected, StatusDisconnected, StatusFailed}, statuses.all())
}

func TestRecoveryWithinGraceCancelsRestart(t *testing.T) {
	m, engine, sig, _ := newTestManager(t, SessionConfig{DisconnectGrace: 20 * time.Millisecond})
	s := establish(t, m, "b")
	pc := engine.last()

	pc.setICE(webrtc.ICEConnectionStateConnected)
	pc.setICE(webrtc.ICEConnectionStateDisconnected)
	pc.setICE(webrtc.ICEConnectionStateConnected)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, sig.offers(), 1)
	assert.Equal(t, StateStable, s.State())
}

func TestCloseCancelsGraceTimer(t *testing.T) {
	m, engine, sig, _ := newTestManager(t, SessionConfig{DisconnectGrace: 20 * time.Millisecond})
	establish(t, m, "b")
	pc := engine.last()

	pc.setICE(webrtc.ICEConnectionStateDisconnected)
	m.Remove("b")

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, sig.offers(), 1)
}

func TestICERestartsAreCapped(t *testing.T) {
	m, engine, sig, statuses := newTestManager(t, SessionConfig{MaxICERestarts: 2})
	s := establish(t, m, "b")
	pc := engine.last()

	for i := 0; i < 3; i++ {
		pc.setICE(webrtc.ICEConnectionStateFailed)
	}

	assert.Len(t, sig.offers(), 3)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.RestartICE(), ErrRestartsExhausted)
	assert.Len(t, sig.offers(), 3)

	failed := 0
	for _, st := range statuses.all() {
		if st == StatusFailed {
			failed++
		}
	}
	// One per ICE failure; exhaustion does not repeat it.
	assert.Equal(t, 3, failed)
}

func TestRestartExhaustionReportsFailedOnce(t *testing.T) {
	m, engine, _, statuses := newTestManager(t, SessionConfig{MaxICERestarts: 1})
	s := establish(t, m, "b")
	pc := engine.last()
	pc.setICE(webrtc.ICEConnectionStateConnected)

	pc.mu.Lock()
	pc.rejectRemote = errors.New("bad sdp")
	pc.mu.Unlock()

	// The rejected offer spends the only restart, the rejected answer to that
	// restart exhausts it.
	assert.ErrorIs(t, m.HandleSignal("b", offer(t, "renegotiation")), ErrNegotiation)
	assert.Equal(t, StateHaveLocalOffer, s.State())
	assert.ErrorIs(t, m.HandleSignal("b", answer(t)), ErrNegotiation)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, []Status{StatusConnected, StatusFailed}, statuses.all())

	pc.setICE(webrtc.ICEConnectionStateFailed)
	assert.Equal(t, []Status{StatusConnected, StatusFailed}, statuses.all())
}

func TestNegotiationFailureTriggersRestart(t *testing.T) {
	m, engine, sig, _ := newTestManager(t, SessionConfig{})
	require.NoError(t, m.Call("b"))
	pc := engine.last()
	pc.mu.Lock()
	pc.rejectRemote = errors.New("bad sdp")
	pc.mu.Unlock()

	err := m.HandleSignal("b", answer(t))
	assert.ErrorIs(t, err, ErrNegotiation)

	offers := sig.offers()
	require.Len(t, offers, 2)
	assert.True(t, offers[1].ICERestart)
}

func TestGlareInitiatorKeepsOffer(t *testing.T) {
	m, engine, sig, _ := newTestManager(t, SessionConfig{})
	require.NoError(t, m.Call("b"))

	require.NoError(t, m.HandleSignal("b", offer(t, "their-offer")))

	s, _ := m.Session("b")
	assert.Equal(t, StateHaveLocalOffer, s.State())
	assert.Empty(t, engine.last().snapshot().remote)
	_, answered := sig.last(KindAnswer)
	assert.False(t, answered)
}

func TestGlareResponderRollsBack(t *testing.T) {
	m, engine, sig, _ := newTestManager(t, SessionConfig{})
	require.NoError(t, m.HandleSignal("a", offer(t, "first")))
	s, _ := m.Session("a")
	require.NoError(t, s.Renegotiate())
	require.Equal(t, StateHaveLocalOffer, s.State())

	require.NoError(t, m.HandleSignal("a", offer(t, "second")))

	assert.Equal(t, StateStable, s.State())
	var rolledBack bool
	for _, d := range engine.last().snapshot().local {
		if d.Type == webrtc.SDPTypeRollback {
			rolledBack = true
		}
	}
	assert.True(t, rolledBack)
	kinds := sig.kinds()
	assert.Equal(t, KindAnswer, lastNonCandidate(kinds))
}

func lastNonCandidate(kinds []string) string {
	for i := len(kinds) - 1; i >= 0; i-- {
		if kinds[i] != KindCandidate {
			return kinds[i]
		}
	}
	return ""
}

func TestRenegotiateDeferredUntilStable(t *testing.T) {
	m, _, sig, _ := newTestManager(t, SessionConfig{})
	require.NoError(t, m.Call("b"))
	s, _ := m.Session("b")

	require.NoError(t, s.Renegotiate())
	assert.Len(t, sig.offers(), 1)

	require.NoError(t, m.HandleSignal("b", answer(t)))
	assert.Len(t, sig.offers(), 2)
	assert.Equal(t, StateHaveLocalOffer, s.State())
}

func TestAddLocalTracksRenegotiates(t *testing.T) {
	m, engine, sig, _ := newTestManager(t, SessionConfig{})
	s := establish(t, m, "b")

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "familyreunion")
	require.NoError(t, err)
	require.NoError(t, s.AddLocalTracks(track))

	assert.Equal(t, 1, engine.last().snapshot().tracks)
	assert.Len(t, sig.offers(), 2)
}

func TestLocalTracksAddedToNewSessions(t *testing.T) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "familyreunion")
	require.NoError(t, err)
	m, engine, sig, _ := newTestManager(t, SessionConfig{LocalTracks: []webrtc.TrackLocal{track}})

	require.NoError(t, m.Call("b"))

	assert.Equal(t, 1, engine.last().snapshot().tracks)
	assert.Len(t, sig.offers(), 1)
}

func TestCloseReleasesResources(t *testing.T) {
	m, engine, _, statuses := newTestManager(t, SessionConfig{})
	require.NoError(t, m.Call("b"))
	require.NoError(t, m.HandleSignal("b", candidate(t, "queued")))
	s, _ := m.Session("b")
	require.Equal(t, 1, s.PendingCandidates())
	pc := engine.last()

	m.Remove("b")

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, s.PendingCandidates())
	snap := pc.snapshot()
	assert.True(t, snap.closed)
	assert.True(t, snap.channels[0].isClosed())
	assert.Equal(t, []Status{StatusClosed}, statuses.all())
	assert.ErrorIs(t, s.HandleSignal(Signal{Kind: KindAnswer, SDP: "late"}), ErrSessionClosed)
	assert.NoError(t, s.Close())
	_, ok := m.Session("b")
	assert.False(t, ok)
}

func TestReconcileDropsDepartedPeers(t *testing.T) {
	m, _, _, _ := newTestManager(t, SessionConfig{})
	for _, id := range []signaling.ClientID{"a", "b", "c"} {
		require.NoError(t, m.Call(id))
	}
	b, _ := m.Session("b")

	m.Reconcile([]signaling.ClientID{"a", "c", "self"})

	assert.Equal(t, []signaling.ClientID{"a", "c"}, m.Peers())
	assert.Equal(t, StateClosed, b.State())
}

func TestSideChannelMessages(t *testing.T) {
	m, engine, _, _ := newTestManager(t, SessionConfig{})
	require.NoError(t, m.Call("b"))
	ch := engine.last().snapshot().channels[0]

	msg, err := NewMessage(MessageTypeText, TextPayload{Text: "hello grandma", SentAt: 42})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Send("b", msg), ErrChannelNotOpen)
	ch.open()
	require.NoError(t, m.Send("b", msg))
	require.Len(t, ch.sent, 1)

	received := make(chan Message, 1)
	m.OnMessage(func(remote signaling.ClientID, got Message) {
		assert.Equal(t, signaling.ClientID("b"), remote)
		received <- got
	})
	ch.onMsg(ch.sent[0])

	got := <-received
	assert.Equal(t, MessageTypeText, got.Type)
	var text TextPayload
	require.NoError(t, got.DecodePayload(&text))
	assert.Equal(t, "hello grandma", text.Text)
}

func TestResponderAdoptsChannel(t *testing.T) {
	m, engine, _, _ := newTestManager(t, SessionConfig{})
	require.NoError(t, m.HandleSignal("a", offer(t, "remote-offer")))
	pc := engine.last()

	other := &fakeChannel{label: "other"}
	pc.onChannel(other)
	ch := &fakeChannel{label: ChannelLabel}
	pc.onChannel(ch)
	ch.open()

	msg, err := NewMessage(MessageTypeReaction, ReactionPayload{Emoji: "wave"})
	require.NoError(t, err)
	require.NoError(t, m.Send("a", msg))
	assert.Len(t, ch.sent, 1)
	assert.Empty(t, other.sent)

	assert.Equal(t, 1, m.Broadcast(msg))
}

func TestDecodeSignal(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"offer", `{"kind":"offer","sdp":"v=0"}`, nil},
		{"candidate", `{"kind":"candidate","candidate":{"candidate":"x"}}`, nil},
		{"offer without sdp", `{"kind":"offer"}`, ErrMalformedSignal},
		{"candidate without body", `{"kind":"candidate"}`, ErrMalformedSignal},
		{"unknown kind", `{"kind":"bye"}`, ErrUnexpectedSignal},
		{"not json", `nope`, ErrMalformedSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSignal(json.RawMessage(tt.payload))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestChannelOpenEventFollowsICEConnected(t *testing.T) {
	m, engine, _, statuses := newTestManager(t, SessionConfig{})
	hello, err := NewMessage(MessageTypeHello, HelloPayload{DisplayName: "grandpa", Version: "dev"})
	require.NoError(t, err)

	var sendErrs []error
	opened := 0
	m.OnChannelOpen(func(remote signaling.ClientID) {
		opened++
		sendErrs = append(sendErrs, m.Send(remote, hello))
	})

	establish(t, m, "b")
	pc := engine.last()
	pc.setICE(webrtc.ICEConnectionStateConnected)
	assert.Equal(t, []Status{StatusConnected}, statuses.all())
	assert.ErrorIs(t, m.Send("b", hello), ErrChannelNotOpen)
	assert.Zero(t, opened)

	ch := pc.snapshot().channels[0]
	ch.open()
	ch.open()
	assert.Equal(t, 1, opened)
	assert.Equal(t, []error{nil}, sendErrs)

	require.Len(t, ch.sent, 1)
	got, err := DecodeMessage(ch.sent[0])
	require.NoError(t, err)
	var p HelloPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "grandpa", p.DisplayName)
}

func TestChannelOpenAfterCloseIsSilent(t *testing.T) {
	m, engine, _, _ := newTestManager(t, SessionConfig{})
	opened := 0
	m.OnChannelOpen(func(signaling.ClientID) { opened++ })

	require.NoError(t, m.Call("b"))
	ch := engine.last().snapshot().channels[0]
	m.Remove("b")
	ch.open()
	assert.Zero(t, opened)
}

func TestFailedAnswerKeepsCandidatesQueued(t *testing.T) {
	m, engine, sig, _ := newTestManager(t, SessionConfig{})
	engine.rejectAnswer = errors.New("no common codecs")

	err := m.HandleSignal("b", offer(t, "remote-offer"))
	assert.ErrorIs(t, err, ErrNegotiation)
	s, ok := m.Session("b")
	require.True(t, ok)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, m.HandleSignal("b", candidate(t, "c1")))
	assert.Equal(t, 1, s.PendingCandidates())

	pc := engine.last()
	pc.mu.Lock()
	pc.rejectAnswer = nil
	pc.mu.Unlock()

	require.NoError(t, m.HandleSignal("b", offer(t, "remote-offer-2")))
	assert.Equal(t, StateStable, s.State())
	assert.Equal(t, []string{"c1"}, pc.snapshot().candidates)
	assert.Zero(t, s.PendingCandidates())
	_, answered := sig.last(KindAnswer)
	assert.True(t, answered)
}

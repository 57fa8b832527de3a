package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/4citeB4U/familyreunion/internal/signaling"
)

var errNoRemoteDescription = errors.New("no remote description")

// fakePC records what a session asks of the engine.
type fakePC struct {
	mu sync.Mutex

	offers      int
	restartOpts []bool
	local       []webrtc.SessionDescription
	remote      []webrtc.SessionDescription
	hasRemote   bool
	candidates  []string
	channels    []*fakeChannel
	tracks      int
	closed      bool

	rejectRemote error
	rejectAnswer error

	onCandidate func(*webrtc.ICECandidateInit)
	onICE       func(webrtc.ICEConnectionState)
	onChannel   func(DataChannel)
	onTrack     func(*webrtc.TrackRemote)
}

func (f *fakePC) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	f.restartOpts = append(f.restartOpts, opts != nil && opts.ICERestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", f.offers)}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAnswer != nil {
		return webrtc.SessionDescription{}, f.rejectAnswer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	f.local = append(f.local, desc)
	cb := f.onCandidate
	f.mu.Unlock()
	// Engines may surface candidates synchronously once gathering starts.
	if cb != nil && desc.Type != webrtc.SDPTypeRollback {
		cb(&webrtc.ICECandidateInit{Candidate: "local-" + desc.SDP})
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectRemote != nil {
		return f.rejectRemote
	}
	f.remote = append(f.remote, desc)
	f.hasRemote = desc.Type != webrtc.SDPTypeRollback
	return nil
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasRemote {
		return errNoRemoteDescription
	}
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakePC) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (DataChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dc := &fakeChannel{label: label}
	f.channels = append(f.channels, dc)
	return dc, nil
}

func (f *fakePC) AddTrack(webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks++
	return nil
}

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakePC) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.onICE = fn
}

func (f *fakePC) OnDataChannel(fn func(DataChannel)) { f.onChannel = fn }

func (f *fakePC) OnTrack(fn func(*webrtc.TrackRemote)) { f.onTrack = fn }

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) setICE(state webrtc.ICEConnectionState) { f.onICE(state) }

type pcState struct {
	offers      int
	restartOpts []bool
	local       []webrtc.SessionDescription
	remote      []webrtc.SessionDescription
	candidates  []string
	channels    []*fakeChannel
	tracks      int
	closed      bool
}

func (f *fakePC) snapshot() pcState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pcState{
		offers:      f.offers,
		restartOpts: append([]bool(nil), f.restartOpts...),
		local:       append([]webrtc.SessionDescription(nil), f.local...),
		remote:      append([]webrtc.SessionDescription(nil), f.remote...),
		candidates:  append([]string(nil), f.candidates...),
		channels:    append([]*fakeChannel(nil), f.channels...),
		tracks:      f.tracks,
		closed:      f.closed,
	}
}

// nativePC additionally offers a native restart primitive.
type nativePC struct {
	*fakePC
	restarts int
}

func (n *nativePC) RestartICE() error {
	n.restarts++
	return nil
}

type fakeChannel struct {
	mu     sync.Mutex
	label  string
	sent   [][]byte
	closed bool
	open   func()
	onMsg  func([]byte)
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) OnOpen(fn func()) { c.open = fn }

func (c *fakeChannel) OnMessage(fn func(data []byte)) { c.onMsg = fn }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeEngine struct {
	mu      sync.Mutex
	pcs     []*fakePC
	natives []*nativePC
	native  bool
	// rejectAnswer is copied into every new connection.
	rejectAnswer error
}

func (e *fakeEngine) NewPeerConnection() (PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc := &fakePC{rejectAnswer: e.rejectAnswer}
	e.pcs = append(e.pcs, pc)
	if e.native {
		n := &nativePC{fakePC: pc}
		e.natives = append(e.natives, n)
		return n, nil
	}
	return pc, nil
}

func (e *fakeEngine) last() *fakePC {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pcs[len(e.pcs)-1]
}

type sentSignal struct {
	to  signaling.ClientID
	sig Signal
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (f *fakeSignaler) SendSignal(to signaling.ClientID, sig Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSignal{to: to, sig: sig})
	return nil
}

func (f *fakeSignaler) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.sig.Kind)
	}
	return out
}

// offers returns the offers sent, ignoring candidates.
func (f *fakeSignaler) offers() []Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Signal
	for _, s := range f.sent {
		if s.sig.Kind == KindOffer {
			out = append(out, s.sig)
		}
	}
	return out
}

func (f *fakeSignaler) last(kind string) (Signal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].sig.Kind == kind {
			return f.sent[i].sig, true
		}
	}
	return Signal{}, false
}

package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/4citeB4U/familyreunion/internal/config"
)

// PeerConnection is the part of the media engine a Session drives. Engine
// callbacks other than OnICECandidate must not fire synchronously from inside
// an engine method.
type PeerConnection interface {
	CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(opts *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	AddTrack(track webrtc.TrackLocal) error

	// OnICECandidate reports local candidates; nil marks the end of gathering.
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnDataChannel(fn func(DataChannel))
	OnTrack(fn func(*webrtc.TrackRemote))

	Close() error
}

// ICERestarter is implemented by engines with a native ICE restart primitive.
type ICERestarter interface {
	RestartICE() error
}

// DataChannel is the side channel carried by a session.
type DataChannel interface {
	Label() string
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	Send(data []byte) error
	Close() error
}

// Engine creates peer connections.
type Engine interface {
	NewPeerConnection() (PeerConnection, error)
}

// PionEngine builds pion peer connections with the configured ICE servers.
type PionEngine struct {
	config webrtc.Configuration
}

// NewPionEngine creates an engine from client configuration. forceRelay is
// consulted when a TURN server is configured; pass nil to skip detection.
func NewPionEngine(cfg *config.Client, forceRelay func() bool) *PionEngine {
	return &PionEngine{config: ICEConfiguration(cfg, forceRelay)}
}

// ICEConfiguration translates client configuration into a pion configuration.
func ICEConfiguration(cfg *config.Client, forceRelay func() bool) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if stun := cfg.GetSTUNServers(); len(stun) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if turnServers != nil && (cfg.ForceRelay || (forceRelay != nil && forceRelay())) {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}

// Configuration returns the pion configuration in use.
func (e *PionEngine) Configuration() webrtc.Configuration {
	return e.config
}

// NewPeerConnection creates a pion peer connection.
func (e *PionEngine) NewPeerConnection() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, NewError("create peer connection", err)
	}
	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(opts)
}

func (p *pionPeerConnection) CreateAnswer(opts *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(opts)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeerConnection) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, NewError("create data channel", err)
	}
	return &pionDataChannel{dc: dc}, nil
}

func (p *pionPeerConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return NewError("add track", err)
	}
	// RTCP must be drained for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionPeerConnection) OnDataChannel(fn func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionDataChannel{dc: dc})
	})
}

func (p *pionPeerConnection) OnTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string { return d.dc.Label() }

func (d *pionDataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *pionDataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *pionDataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *pionDataChannel) Close() error { return d.dc.Close() }

package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceClient/internal/logging"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrDataChannelClosed = errors.New("data channel not open")

type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	default:
		return "closed"
	}
}

// PeerHandlers are invoked from pion's goroutines. A nil candidate means
// gathering is complete.
type PeerHandlers struct {
	OnCandidate         func(c *Candidate)
	OnState             func(s PeerState)
	OnDataOpen          func()
	OnData              func(data []byte)
	OnNegotiationNeeded func()
}

// Peer is one peer connection with an audio track and a data channel.
type Peer interface {
	CreateOffer() (string, error)
	SetAnswer(sdp string) error
	Send(data []byte) error
	SetMicEnabled(enabled bool)
	Close() error
}

type PeerConfig struct {
	ICEServers       []string
	DataChannelLabel string
	Region           string
}

type PeerFactory func(cfg PeerConfig, h PeerHandlers) (Peer, error)

// NewAPI builds the pion API with default codecs and interceptors and pion
// logs routed through zerolog.
func NewAPI(lf *logging.PionFactory) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if lf != nil {
		se.LoggerFactory = lf
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// PionPeers returns a PeerFactory backed by api. Each peer pumps its own
// source from newSource into the mic track; nil sends no audio.
func PionPeers(api *webrtc.API, newSource SourceFactory) PeerFactory {
	return func(cfg PeerConfig, h PeerHandlers) (Peer, error) {
		p, err := newPionPeer(api, cfg, h)
		if err != nil {
			return nil, err
		}
		if newSource != nil {
			p.startMic(newSource())
		}
		return p, nil
	}
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	mic    *micTrack
	logger zerolog.Logger

	stopMic   context.CancelFunc
	closeOnce sync.Once
}

func newPionPeer(api *webrtc.API, cfg PeerConfig, h PeerHandlers) (*pionPeer, error) {
	var conf webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &pionPeer{
		pc:     pc,
		logger: log.With().Str("module", "rtc.peer").Str("region", cfg.Region).Logger(),
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "voice")
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("mic track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add mic track: %w", err)
	}
	p.mic = &micTrack{track: track}

	ordered := true
	dc, err := pc.CreateDataChannel(cfg.DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("data channel: %w", err)
	}
	p.dc = dc

	dc.OnOpen(func() {
		p.logger.Info().Str("label", dc.Label()).Msg("data channel open")
		if h.OnDataOpen != nil {
			h.OnDataOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h.OnData != nil {
			h.OnData(msg.Data)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if h.OnCandidate == nil {
			return
		}
		if c == nil {
			h.OnCandidate(nil)
			return
		}
		init := c.ToJSON()
		cand := &Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		h.OnCandidate(cand)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		if h.OnState == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			h.OnState(PeerConnected)
		case webrtc.PeerConnectionStateDisconnected:
			h.OnState(PeerDisconnected)
		case webrtc.PeerConnectionStateFailed:
			h.OnState(PeerFailed)
		case webrtc.PeerConnectionStateClosed:
			h.OnState(PeerClosed)
		}
	})

	pc.OnNegotiationNeeded(func() {
		if h.OnNegotiationNeeded != nil {
			h.OnNegotiationNeeded()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		go drainTrack(track, p.logger)
	})

	return p, nil
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) SetAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *pionPeer) Send(data []byte) error {
	if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataChannelClosed
	}
	return p.dc.Send(data)
}

func (p *pionPeer) SetMicEnabled(enabled bool) { p.mic.setMuted(!enabled) }

func (p *pionPeer) startMic(src AudioSource) {
	ctx, cancel := context.WithCancel(context.Background())
	p.stopMic = cancel
	go pumpMic(ctx, src, p.mic, p.logger)
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.stopMic != nil {
			p.stopMic()
		}
		err = p.pc.Close()
		if err != nil {
			p.logger.Error().Err(err).Msg("close error")
		} else {
			p.logger.Info().Msg("closed")
		}
	})
	return err
}

// micTrack gates captured audio; muted packets are dropped before the wire.
type micTrack struct {
	track rtpWriter
	muted atomic.Bool
}

func (m *micTrack) setMuted(v bool) { m.muted.Store(v) }

func (m *micTrack) WriteRTP(pkt *rtp.Packet) error {
	if m.muted.Load() {
		return nil
	}
	return m.track.WriteRTP(pkt)
}

// drainTrack consumes remote audio until the track ends. Playout is the
// audio device layer's job; here the packets only keep the receiver flowing.
func drainTrack(track *webrtc.TrackRemote, logger zerolog.Logger) {
	var packets uint64
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			logger.Debug().Err(err).Uint64("packets", packets).Str("track_id", track.ID()).Msg("remote track ended")
			return
		}
		packets++
	}
}

package rtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrPeerLost = errors.New("peer connection lost")

type connState uint32

const (
	stateStartSession connState = 1 << iota
	stateWaitForSessionStart
	stateRequestConnection
	stateConnectionWait
	stateSessionEstablished
	stateWaitForDataChannel
	stateSessionUp
	stateSessionRetry
	stateDisconnect
	stateWaitForExit
	stateSessionExit
	stateWaitForClose
	stateClosed
)

// sessionStopping covers the retry and teardown branch. Once a connection is
// in it, only an explicit restart leads back to the up branch.
const sessionStopping = stateSessionRetry | stateDisconnect | stateWaitForExit |
	stateSessionExit | stateWaitForClose | stateClosed

func (s connState) String() string {
	switch s {
	case stateStartSession:
		return "start_session"
	case stateWaitForSessionStart:
		return "wait_for_session_start"
	case stateRequestConnection:
		return "request_connection"
	case stateConnectionWait:
		return "connection_wait"
	case stateSessionEstablished:
		return "session_established"
	case stateWaitForDataChannel:
		return "wait_for_data_channel"
	case stateSessionUp:
		return "session_up"
	case stateSessionRetry:
		return "session_retry"
	case stateDisconnect:
		return "disconnect"
	case stateWaitForExit:
		return "wait_for_exit"
	case stateSessionExit:
		return "session_exit"
	case stateWaitForClose:
		return "wait_for_close"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connOwner is what a connection reports to.
type connOwner interface {
	connEstablished(c *connection)
	connUp(c *connection)
	connData(c *connection, data []byte)
	connRetry(c *connection, err error)
	connFatal(c *connection, err error)
}

type connDeps struct {
	loop      *core.Loop
	newPeer   PeerFactory
	signaler  Signaler
	peerCfg   PeerConfig
	timeout   time.Duration
	retryBase time.Duration
	retryCap  time.Duration
	jitter    func() float64
	owner     connOwner
}

// connection is one peer connection to one region's voice server.
type connection struct {
	deps    *connDeps
	region  domain.RegionID
	channel domain.Channel
	primary bool
	url     string
	trickle string
	logger  zerolog.Logger

	state connState
	gen   uint64
	now   time.Time

	peer          Peer
	offerSDP      string
	viewerSession string
	answered      bool
	peerConnected bool
	dataOpen      bool
	candidates    []Candidate
	gatherDone    bool
	completedSent bool
	trickling     bool

	retries   int
	retryWait time.Duration
	retryAt   time.Time
	exitBy    time.Time
}

func newConnection(deps *connDeps, region domain.RegionID, ch domain.Channel, primary bool, url, trickle string) *connection {
	return &connection{
		deps:    deps,
		region:  region,
		channel: ch,
		primary: primary,
		url:     url,
		trickle: trickle,
		state:   stateStartSession,
		logger: log.With().
			Str("module", "rtc.conn").
			Str("region", string(region)).
			Str("channel", ch.URI).
			Logger(),
	}
}

func (c *connection) setState(to connState) {
	if c.state != to {
		c.logger.Info().Str("from", c.state.String()).Str("to", to.String()).Msg("connection state")
	}
	c.state = to
}

// advance is the guarded forward transition.
func (c *connection) advance(to connState) bool {
	if c.state&sessionStopping != 0 && to&sessionStopping == 0 {
		c.logger.Debug().Str("state", c.state.String()).Str("to", to.String()).Msg("ignoring transition while stopping")
		return false
	}
	c.setState(to)
	return true
}

func (c *connection) stopping() bool { return c.state&sessionStopping != 0 }

func (c *connection) isUp() bool { return c.state == stateSessionUp }

// post runs fn on the owner goroutine unless the connection moved on.
func (c *connection) post(gen uint64, fn func()) {
	c.deps.loop.Post(func() {
		if gen != c.gen {
			return
		}
		fn()
	})
}

func (c *connection) Tick(now time.Time) {
	c.now = now
	switch c.state {
	case stateStartSession:
		c.startSession()
	case stateRequestConnection:
		c.requestConnection()
	case stateConnectionWait:
		c.flushCandidates()
		if c.answered && c.peerConnected && c.advance(stateSessionEstablished) {
			c.deps.owner.connEstablished(c)
		}
	case stateSessionEstablished:
		c.flushCandidates()
		c.advance(stateWaitForDataChannel)
	case stateWaitForDataChannel:
		c.flushCandidates()
		if c.dataOpen {
			c.send(joinMessage(c.primary))
			if c.advance(stateSessionUp) {
				c.retries = 0
				c.retryWait = 0
				c.deps.owner.connUp(c)
			}
		}
	case stateSessionUp:
		c.flushCandidates()
	case stateSessionRetry:
		if c.retryAt.IsZero() {
			c.closePeer()
			c.scheduleRetry(now)
		} else if !now.Before(c.retryAt) {
			c.restart()
		}
	case stateDisconnect:
		c.disconnect()
	case stateWaitForExit:
		if !now.Before(c.exitBy) {
			c.logger.Warn().Msg("logout not acknowledged")
			c.setState(stateSessionExit)
		}
	case stateSessionExit:
		c.closePeer()
		c.setState(stateWaitForClose)
	case stateWaitForClose:
		c.setState(stateClosed)
	}
}

func (c *connection) handlers(gen uint64) PeerHandlers {
	return PeerHandlers{
		OnCandidate: func(cand *Candidate) {
			c.post(gen, func() {
				if cand == nil {
					c.gatherDone = true
					return
				}
				c.candidates = append(c.candidates, *cand)
			})
		},
		OnState: func(s PeerState) {
			c.post(gen, func() { c.onPeerState(s) })
		},
		OnDataOpen: func() {
			c.post(gen, func() { c.dataOpen = true })
		},
		OnData: func(data []byte) {
			c.post(gen, func() {
				if !c.stopping() {
					c.deps.owner.connData(c, data)
				}
			})
		},
		OnNegotiationNeeded: func() {
			c.post(gen, func() {
				if c.isUp() {
					c.fail(fmt.Errorf("%w: renegotiation needed", ErrPeerLost))
				}
			})
		},
	}
}

func (c *connection) startSession() {
	cfg := c.deps.peerCfg
	cfg.Region = string(c.region)
	peer, err := c.deps.newPeer(cfg, c.handlers(c.gen))
	if err != nil {
		c.fail(err)
		return
	}
	c.peer = peer
	c.advance(stateWaitForSessionStart)
	gen := c.gen
	go func() {
		offer, err := peer.CreateOffer()
		c.post(gen, func() { c.onOffer(offer, err) })
	}()
}

func (c *connection) onOffer(offer string, err error) {
	if c.state != stateWaitForSessionStart {
		return
	}
	if err != nil {
		c.fail(err)
		return
	}
	c.offerSDP = offer
	c.advance(stateRequestConnection)
}

func (c *connection) provisionRequest() ProvisionRequest {
	req := ProvisionRequest{
		JSEP:        JSEP{Type: "offer", SDP: c.offerSDP},
		ChannelType: "local",
		Credentials: c.channel.Credentials,
	}
	if !c.channel.IsSpatial() {
		req.ChannelType = "multiagent"
		req.ChannelID = c.channel.URI
	}
	return req
}

func (c *connection) requestConnection() {
	if !c.advance(stateConnectionWait) {
		return
	}
	gen := c.gen
	req := c.provisionRequest()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.deps.timeout)
		defer cancel()
		resp, err := c.deps.signaler.Provision(ctx, c.url, req)
		c.post(gen, func() { c.onProvisioned(resp, err) })
	}()
}

func (c *connection) onProvisioned(resp ProvisionResponse, err error) {
	if c.state != stateConnectionWait {
		return
	}
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.peer.SetAnswer(resp.JSEP.SDP); err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrBadAnswer, err))
		return
	}
	c.viewerSession = resp.ViewerSession
	c.answered = true
	c.flushCandidates()
}

func (c *connection) onPeerState(s PeerState) {
	switch s {
	case PeerConnected:
		c.peerConnected = true
	case PeerDisconnected, PeerFailed, PeerClosed:
		c.peerConnected = false
		if !c.stopping() {
			c.fail(fmt.Errorf("%w: %s", ErrPeerLost, s))
		}
	}
}

// flushCandidates trickles gathered candidates once the viewer session is
// known, one request in flight at a time.
func (c *connection) flushCandidates() {
	if c.viewerSession == "" || c.trickling {
		return
	}
	var (
		batch     []Candidate
		completed bool
	)
	switch {
	case len(c.candidates) > 0:
		batch = c.candidates
		c.candidates = nil
	case c.gatherDone && !c.completedSent:
		completed = true
		c.completedSent = true
	default:
		return
	}
	c.trickling = true
	gen, url, vs := c.gen, c.trickle, c.viewerSession
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.deps.timeout)
		defer cancel()
		err := c.deps.signaler.Trickle(ctx, url, vs, batch, completed)
		c.post(gen, func() {
			c.trickling = false
			if err != nil {
				c.fail(fmt.Errorf("ice trickle: %w", err))
			}
		})
	}()
}

func (c *connection) send(data []byte) bool {
	if c.peer == nil {
		return false
	}
	if err := c.peer.Send(data); err != nil {
		c.logger.Warn().Err(err).Msg("data channel send")
		return false
	}
	return true
}

// fail classifies err: final provisioning answers go to the owner, the rest
// schedule a retry.
func (c *connection) fail(err error) {
	if c.state&(stateDisconnect|stateWaitForExit|stateSessionExit|stateWaitForClose|stateClosed) != 0 {
		return
	}
	var ve *core.VoiceError
	if errors.As(err, &ve) && !ve.Retryable {
		c.logger.Error().Err(err).Msg("connection failed")
		c.deps.owner.connFatal(c, err)
		return
	}
	c.retries++
	c.logger.Warn().Err(err).Int("retries", c.retries).Msg("connection retry")
	c.setState(stateSessionRetry)
	c.retryAt = time.Time{}
	c.deps.owner.connRetry(c, err)
}

// scheduleRetry waits base*[0.5,1.5), growing by another such step up to the cap.
func (c *connection) scheduleRetry(now time.Time) {
	step := time.Duration(float64(c.deps.retryBase) * (0.5 + c.deps.jitter()))
	c.retryWait = min(c.retryWait+step, c.deps.retryCap)
	c.retryAt = now.Add(c.retryWait)
	c.logger.Info().Dur("wait", c.retryWait).Msg("retry scheduled")
}

// restart leaves the retry branch; the only way back to StartSession.
func (c *connection) restart() {
	c.gen++
	c.peer = nil
	c.viewerSession = ""
	c.offerSDP = ""
	c.answered, c.peerConnected, c.dataOpen = false, false, false
	c.candidates = nil
	c.gatherDone, c.completedSent, c.trickling = false, false, false
	c.retryAt = time.Time{}
	c.setState(stateStartSession)
}

func (c *connection) closePeer() {
	c.gen++
	p := c.peer
	c.peer = nil
	c.dataOpen, c.peerConnected = false, false
	if p != nil {
		go func() { _ = p.Close() }()
	}
}

// shutdown starts an orderly exit: logout, then close.
func (c *connection) shutdown() {
	if c.state&(stateDisconnect|stateWaitForExit|stateSessionExit|stateWaitForClose|stateClosed) != 0 {
		return
	}
	c.setState(stateDisconnect)
}

func (c *connection) disconnect() {
	if c.viewerSession == "" {
		c.setState(stateSessionExit)
		return
	}
	c.gen++
	gen, url, vs := c.gen, c.url, c.viewerSession
	c.viewerSession = ""
	c.exitBy = c.now.Add(c.deps.timeout)
	c.setState(stateWaitForExit)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.deps.timeout)
		defer cancel()
		err := c.deps.signaler.Logout(ctx, url, vs)
		c.post(gen, func() {
			if err != nil {
				c.logger.Warn().Err(err).Msg("logout")
			}
			if c.state == stateWaitForExit {
				c.setState(stateSessionExit)
			}
		})
	}()
}

// closeNow drops the connection without waiting; logout is fire and forget.
func (c *connection) closeNow() {
	if c.viewerSession != "" {
		url, vs := c.url, c.viewerSession
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.deps.timeout)
			defer cancel()
			_ = c.deps.signaler.Logout(ctx, url, vs)
		}()
		c.viewerSession = ""
	}
	c.closePeer()
	c.setState(stateClosed)
}

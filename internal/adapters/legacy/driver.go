package legacy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	daemonStartDelay       = 500 * time.Millisecond
	joinTimeout            = 30 * time.Second
	responseTimeout        = 10 * time.Second
	maxSpatialJoinFailures = 3
	transportName          = "legacy"
)

type Config struct {
	DaemonAddr      string
	DaemonPath      string
	AccountServer   string
	AccountName     string
	AccountPassword string
	LoginRetryMax   uint64
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	LeaveTimeout    time.Duration
	DialTimeout     time.Duration
}

func ConfigFrom(c config.LegacyConfig) Config {
	return Config{
		DaemonAddr:      c.DaemonAddr,
		DaemonPath:      c.DaemonPath,
		AccountServer:   c.AccountServer,
		AccountName:     c.AccountName,
		AccountPassword: c.AccountPassword,
		LoginRetryMax:   c.LoginRetryMax,
		BackoffBase:     c.BackoffBase,
		BackoffCap:      c.BackoffCap,
		LeaveTimeout:    c.LeaveTimeout,
		DialTimeout:     c.DialTimeout,
	}
}

type driverState int

const (
	stateDisabled driverState = iota
	stateStart
	stateDaemonLaunched
	stateConnecting
	stateConnected
	stateConnectorStarting
	stateConnectorStarted
	stateNeedsLogin
	stateLoggingIn
	stateLoggedIn
	stateLoginRetryWait
	stateNoChannel
	stateJoiningSession
	stateSessionJoined
	stateRunning
	stateLeavingSession
	stateJail
)

var stateNames = [...]string{
	"disabled", "start", "daemon_launched", "connecting", "connected",
	"connector_starting", "connector_started", "needs_login", "logging_in",
	"logged_in", "login_retry_wait", "no_channel", "joining_session",
	"session_joined", "running", "leaving_session", "jail",
}

func (s driverState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type pendingRequest struct {
	action  string
	session *voiceSession
}

// voiceSession is one daemon session.
type voiceSession struct {
	*core.Session
	hadPeers bool
}

// Driver speaks the local daemon's XML control protocol. Everything runs on
// the owner goroutine; socket and dial results come back through env.Loop.
type Driver struct {
	cfg      Config
	env      core.Env
	dialer   Dialer
	launcher Launcher

	ctx    context.Context
	cancel context.CancelFunc

	state        driverState
	stateEntered time.Time
	now          time.Time
	backoff      *core.Backoff
	retryAt      time.Time
	shutdown     bool
	launched     bool

	conn            *controlConn
	connGen         uint64
	nextID          uint64
	pending         map[string]pendingRequest
	connectorHandle string
	accountHandle   string

	enabled        bool
	session        *voiceSession
	next           *voiceSession
	leaveRequested bool
	spatial        domain.Channel
	spatialFails   int

	micMuted      bool
	micGain       float32
	speaker       float32
	captureDevice string
	renderDevice  string
	position      domain.PositionSnapshot
	positionDirty bool
}

func NewDriver(cfg Config, env core.Env, dialer Dialer) *Driver {
	if env.Loop == nil {
		env.Loop = core.NewLoop()
	}
	if env.Notifier == nil {
		env.Notifier = core.NopNotifier{}
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	return &Driver{
		cfg:      cfg,
		env:      env,
		dialer:   dialer,
		launcher: ExecLauncher{},
		backoff: core.NewBackoff(core.BackoffConfig{
			Base:          cfg.BackoffBase,
			Cap:           cfg.BackoffCap,
			MaxRetries:    cfg.LoginRetryMax,
			JitterPercent: 10,
		}),
		pending: make(map[string]pendingRequest),
		micGain: 0.5,
		speaker: 0.5,
	}
}

// Factory adapts NewDriver to the facade's transport factory signature.
func Factory(cfg Config, dialer Dialer) func(env core.Env) core.Transport {
	return func(env core.Env) core.Transport { return NewDriver(cfg, env, dialer) }
}

// WithLauncher replaces how the daemon process is started.
func (d *Driver) WithLauncher(l Launcher) *Driver {
	d.launcher = l
	return d
}

func (d *Driver) ServerType() domain.ServerType { return domain.ServerLegacy }

func (d *Driver) Init(ctx context.Context) error {
	if d.cfg.DaemonAddr == "" {
		return fmt.Errorf("legacy: daemon address is empty")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.now = time.Now()
	d.shutdown = false
	d.setState(stateDisabled)
	return nil
}

func (d *Driver) Terminate() {
	if d.shutdown {
		return
	}
	d.shutdown = true
	if s := d.session; s != nil && s.Handle != "" {
		d.request(actionSessionTerminate, sessionHandle(s.Handle), nil)
	}
	d.sendLogout()
	d.closeConn()
	if s := d.session; s != nil {
		s.Terminate()
		d.session = nil
	}
	d.next = nil
	d.env.Notifier.NotifyParticipantsChanged()
	d.setState(stateDisabled)
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Driver) IsWorking() bool { return d.state == stateRunning }

func (d *Driver) Failed() bool { return d.state == stateJail }

func (d *Driver) setState(s driverState) {
	if d.state != s {
		log.Info().
			Str("module", "legacy.driver").
			Str("from", d.state.String()).
			Str("to", s.String()).
			Msg("state change")
	}
	d.state = s
	d.stateEntered = d.now
}

// Tick advances the connection and session state machine by one step.
func (d *Driver) Tick(now time.Time) {
	d.now = now
	if d.shutdown {
		return
	}
	switch d.state {
	case stateDisabled:
		if d.enabled {
			d.setState(stateStart)
		}
	case stateStart:
		if d.cfg.DaemonPath != "" && !d.launched {
			d.launched = true
			if err := d.launcher.Launch(d.ctx, d.cfg.DaemonPath, "-i", d.cfg.DaemonAddr); err != nil {
				d.loginFailed(core.Retryable("launch", domain.ErrorNotAvailable, err))
				return
			}
			d.setState(stateDaemonLaunched)
			return
		}
		d.connect()
	case stateDaemonLaunched:
		if now.Sub(d.stateEntered) >= daemonStartDelay {
			d.connect()
		}
	case stateConnected:
		if d.request(actionConnectorCreate, connectorCreate(d.cfg.AccountServer), nil) == "" {
			d.loginFailed(core.Retryable("connector", domain.ErrorNotAvailable, errNotSent(actionConnectorCreate)))
			return
		}
		d.setState(stateConnectorStarting)
	case stateConnectorStarted:
		d.RefreshDeviceLists()
		d.applyLocalAudio()
		d.setState(stateNeedsLogin)
	case stateNeedsLogin:
		if d.request(actionAccountLogin, accountLogin(d.connectorHandle, d.accountName(), d.cfg.AccountPassword), nil) == "" {
			d.loginFailed(core.Retryable("login", domain.ErrorNotAvailable, errNotSent(actionAccountLogin)))
			return
		}
		d.setState(stateLoggingIn)
	case stateConnectorStarting, stateLoggingIn:
		if now.Sub(d.stateEntered) > responseTimeout {
			d.loginFailed(core.Retryable("login", domain.ErrorNotAvailable,
				fmt.Errorf("%w: no answer in %s after %s", core.ErrConnectionLost, d.state, responseTimeout)))
		}
	case stateLoggedIn:
		d.backoff.Reset()
		d.env.Metrics.Login("success")
		d.notifyStatus(domain.StatusLoggedIn, domain.Channel{})
		d.setState(stateNoChannel)
	case stateLoginRetryWait:
		if !now.Before(d.retryAt) {
			d.setState(stateStart)
		}
	case stateNoChannel:
		d.leaveRequested = false
		if !d.enabled {
			d.logout()
			return
		}
		if d.next != nil {
			d.joinNext()
		}
	case stateJoiningSession, stateSessionJoined:
		if d.wantsLeave() {
			d.beginLeave()
			return
		}
		if now.Sub(d.stateEntered) > joinTimeout {
			d.joinFailed(d.session, domain.ErrorUnknown, fmt.Errorf("join timed out after %s", joinTimeout))
		}
	case stateRunning:
		if d.wantsLeave() {
			d.beginLeave()
			return
		}
		d.runSession()
	case stateLeavingSession:
		if d.session == nil || d.session.LeaveExpired(now) {
			if d.session != nil {
				log.Warn().Err(core.ErrLeaveTimeout).Str("module", "legacy.driver").Uint64("session", d.session.ID).Msg("forcing session end")
			}
			d.finishLeave()
		}
	}
}

func (d *Driver) accountName() string {
	if d.cfg.AccountName != "" {
		return d.cfg.AccountName
	}
	return AccountName(d.env.Self)
}

func (d *Driver) wantsLeave() bool {
	return d.leaveRequested || d.next != nil || !d.enabled
}

func (d *Driver) connect() {
	d.setState(stateConnecting)
	d.connGen++
	gen := d.connGen
	ctx := d.ctx
	go func() {
		dctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
		conn, err := d.dialer.DialContext(dctx, "tcp", d.cfg.DaemonAddr)
		d.env.Loop.Post(func() { d.onDialed(gen, conn, err) })
	}()
}

func (d *Driver) onDialed(gen uint64, conn net.Conn, err error) {
	if gen != d.connGen || d.shutdown || d.state != stateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "legacy.driver").Str("addr", d.cfg.DaemonAddr).Msg("dial failed")
		d.loginFailed(core.Retryable("connect", domain.ErrorNotAvailable, fmt.Errorf("%w: %v", core.ErrConnectionLost, err)))
		return
	}
	cc := newControlConn(conn)
	d.conn = cc
	cc.start(d.ctx,
		func(msgs []Message) {
			d.env.Loop.Post(func() {
				if gen != d.connGen {
					return
				}
				for _, m := range msgs {
					d.handleMessage(m)
				}
			})
		},
		func(err error) {
			d.env.Loop.Post(func() {
				if gen == d.connGen {
					d.onConnError(err)
				}
			})
		})
	d.setState(stateConnected)
}

func (d *Driver) onConnError(err error) {
	if errors.Is(err, core.ErrMalformedFrame) || errors.Is(err, ErrFrameTooLarge) {
		d.env.Metrics.ProtocolError(transportName)
	}
	d.dropConnection(core.Retryable("socket", domain.ErrorUnknown, fmt.Errorf("%w: %v", core.ErrConnectionLost, err)))
}

func (d *Driver) closeConn() {
	d.connGen++
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.pending = make(map[string]pendingRequest)
	d.connectorHandle, d.accountHandle = "", ""
}

// dropConnection handles loss of the control socket: sessions fail, a
// spatial channel is queued for rejoin and the login cycle restarts.
func (d *Driver) dropConnection(err error) {
	d.closeConn()
	if s := d.session; s != nil {
		s.Fail(err)
		d.session = nil
		d.env.Notifier.NotifyParticipantsChanged()
		if s.Channel.IsSpatial() && d.next == nil {
			d.next = d.newSession(s.Channel, true)
		}
	}
	d.loginFailed(err)
}

// loginFailed records one failure against the bounded retry schedule.
func (d *Driver) loginFailed(err error) {
	d.env.Metrics.Login("failure")
	d.closeConn()
	wait, ok := d.backoff.Next()
	if !ok {
		d.enterJail(err)
		return
	}
	log.Warn().
		Err(err).
		Str("module", "legacy.driver").
		Uint64("attempt", d.backoff.Attempts()).
		Dur("wait", wait).
		Msg("login retry scheduled")
	d.retryAt = d.now.Add(wait)
	d.notifyStatus(domain.StatusLoginRetry, domain.Channel{})
	d.setState(stateLoginRetryWait)
}

func (d *Driver) enterJail(err error) {
	log.Error().Err(err).Str("module", "legacy.driver").Uint64("attempts", d.backoff.Attempts()).Msg("giving up on voice daemon")
	d.env.Metrics.Login("exhausted")
	if s := d.session; s != nil {
		s.Terminate()
		d.session = nil
	}
	d.next = nil
	d.setState(stateJail)
	d.env.Notifier.NotifyTransportFailed(domain.ServerLegacy, fmt.Errorf("%w: %v", core.ErrRetriesExhausted, err))
}

func (d *Driver) request(action string, fields []Field, s *voiceSession) string {
	if d.conn == nil {
		return ""
	}
	d.nextID++
	id := strconv.FormatUint(d.nextID, 10)
	req := Request{ID: id, Action: action, Fields: fields}
	if err := d.conn.TrySend(req.Encode()); err != nil {
		log.Warn().Err(err).Str("module", "legacy.driver").Str("action", action).Msg("request not sent")
		return ""
	}
	d.pending[id] = pendingRequest{action: action, session: s}
	log.Debug().Str("module", "legacy.driver").Str("action", action).Str("request", id).Msg("request sent")
	return id
}

func errNotSent(action string) error {
	return fmt.Errorf("%w: %s not sent", core.ErrConnectionLost, action)
}

func (d *Driver) sendLogout() {
	if d.accountHandle != "" {
		d.request(actionAccountLogout, []Field{el("AccountHandle", d.accountHandle)}, nil)
	}
	if d.connectorHandle != "" {
		d.request(actionConnectorShutdown, []Field{el("ConnectorHandle", d.connectorHandle)}, nil)
	}
}

// logout disconnects cleanly after voice was disabled.
func (d *Driver) logout() {
	d.sendLogout()
	d.closeConn()
	d.backoff.Reset()
	d.setState(stateDisabled)
}

func (d *Driver) newSession(ch domain.Channel, reconnect bool) *voiceSession {
	vs := &voiceSession{Session: core.NewSession(ch)}
	vs.Reconnect = reconnect
	s := vs.Session
	s.OnAdded = func(e *core.Entry) {
		d.env.Seed(e)
		if !e.IsSelf {
			vs.hadPeers = true
		}
		if !e.NameResolved {
			d.env.ResolveName(d.ctx, s, e.ID, d.alive)
		}
	}
	s.OnTransition = func(from, to core.SessionState) {
		d.env.Metrics.Transition(transportName, from.String(), to.String())
	}
	return vs
}

func (d *Driver) alive(s *core.Session) bool {
	return d.session != nil && d.session.Session == s && !s.IsTerminal()
}

func (d *Driver) joinNext() {
	vs := d.next
	d.next = nil
	if err := vs.Join(); err != nil {
		log.Error().Err(err).Str("module", "legacy.driver").Msg("join")
		return
	}
	d.session = vs
	d.request(actionSessionCreate, sessionCreate(d.accountHandle, vs.Channel), vs)
	d.notifyStatus(domain.StatusJoining, vs.Channel)
	d.setState(stateJoiningSession)
}

func (d *Driver) beginLeave() {
	vs := d.session
	if vs == nil {
		d.setState(stateNoChannel)
		return
	}
	d.leaveRequested = false
	if vs.Handle == "" {
		// no handle yet; a late Session.Create success is torn down on arrival
		d.finishLeave()
		return
	}
	d.request(actionSessionTerminate, sessionHandle(vs.Handle), vs)
	_ = vs.RequestLeave(d.now, d.cfg.LeaveTimeout)
	d.setState(stateLeavingSession)
}

func (d *Driver) finishLeave() {
	if vs := d.session; vs != nil {
		d.session = nil
		vs.Terminate()
		d.env.Notifier.NotifyParticipantsChanged()
		d.notifyStatus(domain.StatusLeftChannel, vs.Channel)
	}
	d.setState(stateNoChannel)
}

func (d *Driver) joinFailed(vs *voiceSession, status domain.Status, cause error) {
	if vs == nil {
		d.setState(stateNoChannel)
		return
	}
	err := core.Fatal("join", status, cause)
	log.Warn().Err(err).Str("module", "legacy.driver").Str("channel", vs.Channel.URI).Msg("join failed")
	vs.Fail(err)
	d.session = nil
	d.notifyStatus(status, vs.Channel)
	if vs.Channel.IsSpatial() {
		d.spatialFails++
		if d.spatialFails > maxSpatialJoinFailures {
			d.spatialFails = 0
			if d.next == nil {
				d.next = d.newSession(vs.Channel, true)
			}
			d.dropConnection(core.Retryable("join", status, core.ErrRetriesExhausted))
			return
		}
	}
	d.setState(stateNoChannel)
}

// sessionLost handles the daemon ending a session we did not leave.
func (d *Driver) sessionLost(vs *voiceSession) {
	d.session = nil
	vs.Terminate()
	d.env.Notifier.NotifyParticipantsChanged()
	if vs.Channel.IsSpatial() && d.next == nil && d.enabled {
		log.Info().Str("module", "legacy.driver").Str("channel", vs.Channel.URI).Msg("spatial session lost, rejoining")
		d.next = d.newSession(vs.Channel, true)
	} else {
		d.notifyStatus(domain.StatusLeftChannel, vs.Channel)
	}
	d.setState(stateNoChannel)
}

func (d *Driver) runSession() {
	vs := d.session
	if vs == nil {
		d.setState(stateNoChannel)
		return
	}
	for _, p := range vs.Roster.Dirty() {
		if p.IsSelf {
			continue
		}
		d.request(actionParticipantMute, participantMute(vs.Handle, p.Handle, p.OnMuteList), vs)
		if !p.OnMuteList {
			d.request(actionParticipantVolume, participantVolume(vs.Handle, p.Handle, p.Volume), vs)
		}
	}
	if d.positionDirty && vs.Channel.IsSpatial() {
		d.request(actionSet3DPosition, set3DPosition(vs.Handle, d.position), vs)
		d.positionDirty = false
	}
	if !vs.Channel.IsSpatial() && vs.hadPeers && remoteCount(vs) == 0 {
		log.Info().Str("module", "legacy.driver").Str("channel", vs.Channel.URI).Msg("call is empty, leaving")
		d.LeaveNonSpatialChannel()
	}
}

func remoteCount(vs *voiceSession) int {
	n := 0
	for _, p := range vs.Roster.Snapshot() {
		if !p.IsSelf {
			n++
		}
	}
	return n
}

func (d *Driver) applyLocalAudio() {
	if d.connectorHandle == "" {
		return
	}
	d.request(actionMuteLocalMic, connectorValue(d.connectorHandle, boolText(d.micMuted)), nil)
	d.request(actionLocalMicVolume, connectorValue(d.connectorHandle, daemonLevel(d.micGain)), nil)
	d.request(actionLocalSpeakerVolume, connectorValue(d.connectorHandle, daemonLevel(d.speaker)), nil)
	if d.captureDevice != "" {
		d.SetCaptureDevice(d.captureDevice)
	}
	if d.renderDevice != "" {
		d.SetRenderDevice(d.renderDevice)
	}
}

func (d *Driver) notifyStatus(st domain.Status, ch domain.Channel) {
	d.env.Notifier.NotifyStatus(domain.StatusChange{Status: st, Channel: ch.URI, Proximal: ch.IsSpatial()})
}

// joinStatus classifies a Session.Create failure code.
func joinStatus(code int) domain.Status {
	switch code {
	case 401, 403:
		return domain.ErrorChannelLocked
	case 486, 503:
		return domain.ErrorChannelFull
	case 404:
		return domain.ErrorNotAvailable
	default:
		return domain.ErrorUnknown
	}
}

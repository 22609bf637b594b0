package rtc

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

const (
	transportName = "webrtc"

	capProvision = "ProvisionVoiceAccountRequest"
	capSignaling = "VoiceSignalingRequest"
)

type Config struct {
	ICEServers       []string
	ProvisionURL     string
	SignalingURL     string
	RequestTimeout   time.Duration
	RetryBase        time.Duration
	RetryCap         time.Duration
	MaxRetries       int
	PositionRate     float64
	DataChannelLabel string
	LeaveTimeout     time.Duration
}

func ConfigFrom(c config.WebRTCConfig, leaveTimeout time.Duration) Config {
	return Config{
		ICEServers:       c.ICEServers,
		ProvisionURL:     c.ProvisionURL,
		SignalingURL:     c.SignalingURL,
		RequestTimeout:   c.RequestTimeout,
		RetryBase:        c.RetryBase,
		RetryCap:         c.RetryCap,
		PositionRate:     c.PositionRate,
		DataChannelLabel: c.DataChannelLabel,
		LeaveTimeout:     leaveTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.PositionRate <= 0 {
		c.PositionRate = 5
	}
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = "SLData"
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = 5 * time.Second
	}
}

// rtcSession is one channel, served by one connection per region.
type rtcSession struct {
	*core.Session
	conns   map[domain.RegionID]*connection
	leaving bool
	// skipped neighbours ran out of retries; they stay out until they
	// leave the neighbour set or become the current region
	skipped map[domain.RegionID]bool
}

func (s *rtcSession) primary() *connection {
	for _, c := range s.conns {
		if c.primary {
			return c
		}
	}
	return nil
}

// regions returns the connection keys in a stable order.
func (s *rtcSession) regions() []domain.RegionID {
	keys := lo.Keys(s.conns)
	slices.Sort(keys)
	return keys
}

// Driver is the WebRTC transport.
type Driver struct {
	cfg     Config
	env     core.Env
	deps    *connDeps
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	now    time.Time

	enabled        bool
	shutdown       bool
	failed         bool
	session        *rtcSession
	next           *rtcSession
	leaveRequested bool
	spatial        domain.Channel

	micMuted      bool
	micGain       float32
	speaker       float32
	captureDevice string
	renderDevice  string
	position      domain.PositionSnapshot
	positionDirty bool
}

func NewDriver(cfg Config, env core.Env, peers PeerFactory, sig Signaler) *Driver {
	cfg.applyDefaults()
	if env.Loop == nil {
		env.Loop = core.NewLoop()
	}
	if env.Notifier == nil {
		env.Notifier = core.NopNotifier{}
	}
	d := &Driver{
		cfg:     cfg,
		env:     env,
		limiter: rate.NewLimiter(rate.Limit(cfg.PositionRate), 1),
		micGain: 0.5,
		speaker: 0.5,
	}
	d.deps = &connDeps{
		loop:     env.Loop,
		newPeer:  peers,
		signaler: sig,
		peerCfg: PeerConfig{
			ICEServers:       cfg.ICEServers,
			DataChannelLabel: cfg.DataChannelLabel,
		},
		timeout:   cfg.RequestTimeout,
		retryBase: cfg.RetryBase,
		retryCap:  cfg.RetryCap,
		jitter:    rand.Float64,
		owner:     d,
	}
	return d
}

// Factory adapts NewDriver to the facade's transport factory signature.
func Factory(cfg Config, peers PeerFactory, sig Signaler) func(env core.Env) core.Transport {
	return func(env core.Env) core.Transport { return NewDriver(cfg, env, peers, sig) }
}

func (d *Driver) ServerType() domain.ServerType { return domain.ServerWebRTC }

func (d *Driver) Init(ctx context.Context) error {
	if d.deps.newPeer == nil || d.deps.signaler == nil {
		return fmt.Errorf("webrtc: peer factory and signaler are required")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.now = time.Now()
	d.shutdown, d.failed = false, false
	return nil
}

func (d *Driver) Terminate() {
	if d.shutdown {
		return
	}
	d.shutdown = true
	if s := d.session; s != nil {
		for _, c := range s.conns {
			c.closeNow()
		}
		s.Terminate()
		d.session = nil
	}
	d.next = nil
	d.env.Notifier.NotifyParticipantsChanged()
	if d.cancel != nil {
		d.cancel()
	}
	log.Info().Str("module", "rtc.driver").Msg("terminated")
}

func (d *Driver) IsWorking() bool {
	s := d.session
	return s != nil && s.IsActive()
}

func (d *Driver) Failed() bool { return d.failed }

func (d *Driver) wantsLeave() bool {
	return d.leaveRequested || d.next != nil || !d.enabled
}

func (d *Driver) Tick(now time.Time) {
	d.now = now
	if d.shutdown || d.failed {
		return
	}
	if d.session == nil && d.next != nil && d.enabled {
		d.start(d.next)
		d.next = nil
	}
	d.leaveRequested = d.leaveRequested && d.session != nil

	s := d.session
	if s == nil {
		return
	}
	if !s.leaving && d.wantsLeave() {
		d.beginLeave(s)
	}
	if !s.leaving && s.IsActive() && s.Channel.IsSpatial() {
		d.syncRegions(s)
	}
	for _, r := range s.regions() {
		c := s.conns[r]
		c.Tick(now)
		if c.state == stateClosed {
			delete(s.conns, r)
			d.dropRegion(s, r)
		}
		if d.session != s {
			return
		}
	}
	if s.leaving {
		if len(s.conns) == 0 || s.LeaveExpired(now) {
			d.finishLeave(s)
		}
		return
	}
	if s.IsActive() {
		d.flushRoster(s)
		d.sendPosition(s, now)
	}
}

func (d *Driver) newSession(ch domain.Channel, reconnect bool) *rtcSession {
	rs := &rtcSession{
		Session: core.NewSession(ch),
		conns:   make(map[domain.RegionID]*connection),
		skipped: make(map[domain.RegionID]bool),
	}
	rs.Reconnect = reconnect
	s := rs.Session
	s.OnAdded = func(e *core.Entry) {
		d.env.Seed(e)
		if !e.NameResolved {
			d.env.ResolveName(d.ctx, s, e.ID, d.alive)
		}
	}
	s.OnTransition = func(from, to core.SessionState) {
		d.env.Metrics.Transition(transportName, from.String(), to.String())
	}
	return rs
}

func (d *Driver) alive(s *core.Session) bool {
	return d.session != nil && d.session.Session == s && !s.IsTerminal()
}

func (d *Driver) currentRegion() domain.RegionID {
	if d.env.Region == nil {
		return ""
	}
	return d.env.Region.CurrentRegion()
}

func (d *Driver) urls(region domain.RegionID) (provision, trickle string) {
	provision, trickle = d.cfg.ProvisionURL, d.cfg.SignalingURL
	if d.env.Region != nil {
		if u, ok := d.env.Region.Capability(region, capProvision); ok {
			provision = u
		}
		if u, ok := d.env.Region.Capability(region, capSignaling); ok {
			trickle = u
		}
	}
	if trickle == "" {
		trickle = provision
	}
	return provision, trickle
}

func (d *Driver) addConnection(s *rtcSession, region domain.RegionID, primary bool) {
	provision, trickle := d.urls(region)
	s.conns[region] = newConnection(d.deps, region, s.Channel, primary, provision, trickle)
}

func (d *Driver) start(s *rtcSession) {
	if err := s.Join(); err != nil {
		log.Error().Err(err).Str("module", "rtc.driver").Msg("join")
		return
	}
	d.session = s
	var region domain.RegionID
	if s.Channel.IsSpatial() {
		region = d.currentRegion()
	}
	d.addConnection(s, region, true)
	d.notifyStatus(domain.StatusJoining, s.Channel)
}

// syncRegions keeps one connection per current and neighbouring region.
func (d *Driver) syncRegions(s *rtcSession) {
	if d.env.Region == nil {
		return
	}
	cur := d.env.Region.CurrentRegion()
	neighbours := d.env.Region.NeighborRegions()
	for r := range s.skipped {
		if r == cur || !slices.Contains(neighbours, r) {
			delete(s.skipped, r)
		}
	}
	want := []domain.RegionID{cur}
	for _, r := range neighbours {
		if !s.skipped[r] {
			want = append(want, r)
		}
	}
	add, drop := lo.Difference(lo.Uniq(want), s.regions())
	for _, r := range add {
		d.addConnection(s, r, r == cur)
	}
	for _, r := range drop {
		s.conns[r].shutdown()
	}
	for r, c := range s.conns {
		primary := r == cur
		if c.primary != primary {
			c.primary = primary
			if c.isUp() {
				c.send(joinMessage(primary))
			}
		}
	}
}

// dropRegion forgets participants that were only reachable through a
// connection that has closed.
func (d *Driver) dropRegion(s *rtcSession, region domain.RegionID) {
	if region == "" || s.IsTerminal() {
		return
	}
	if s.Roster.DropRegion(region) > 0 && s.IsActive() {
		d.env.Notifier.NotifyParticipantsChanged()
	}
}

func (d *Driver) beginLeave(s *rtcSession) {
	s.leaving = true
	d.leaveRequested = false
	_ = s.RequestLeave(d.now, d.cfg.LeaveTimeout)
	for _, c := range s.conns {
		c.shutdown()
	}
}

func (d *Driver) finishLeave(s *rtcSession) {
	if d.session == s {
		d.session = nil
	}
	for _, c := range s.conns {
		c.closeNow()
	}
	failed := s.State() == core.SessionError
	s.Terminate()
	d.env.Notifier.NotifyParticipantsChanged()
	if !failed {
		d.notifyStatus(domain.StatusLeftChannel, s.Channel)
	}
}

func (d *Driver) connEstablished(c *connection) {
	s := d.session
	if s == nil || !c.primary || s.State() != core.SessionNegotiating {
		return
	}
	_ = s.Establish(c.viewerSession)
}

func (d *Driver) connUp(c *connection) {
	s := d.session
	if s == nil {
		return
	}
	if c.peer != nil {
		c.peer.SetMicEnabled(!d.micMuted)
	}
	if !c.primary || s.State() != core.SessionEstablished {
		return
	}
	_ = s.Activate()
	d.positionDirty = true
	d.notifyStatus(domain.StatusJoined, s.Channel)
	d.env.Notifier.NotifyParticipantsChanged()
}

func (d *Driver) connData(c *connection, data []byte) {
	s := d.session
	if s == nil || s.leaving {
		return
	}
	updates, err := decodeUpdates(data)
	if err != nil {
		d.env.Metrics.ProtocolError(transportName)
		log.Warn().Err(err).Str("module", "rtc.driver").Str("region", string(c.region)).Msg("bad data channel message")
		return
	}
	changed := false
	for _, u := range updates {
		for _, ev := range d.rosterEvents(s, c, u) {
			changed = s.Deliver(ev) || changed
		}
	}
	if changed && s.IsActive() {
		d.env.Notifier.NotifyParticipantsChanged()
	}
}

// rosterEvents maps one wire update onto roster events; fields the update
// leaves out keep their current values.
func (d *Driver) rosterEvents(s *rtcSession, c *connection, u agentUpdate) []core.RosterEvent {
	var out []core.RosterEvent
	region := c.region
	if u.Update.Join != nil {
		out = append(out, core.RosterEvent{
			Kind:    core.ParticipantAdded,
			ID:      u.ID,
			Region:  region,
			Primary: u.Update.Join.Primary,
		})
	}
	if u.Update.Power != nil || u.Update.Speaking != nil {
		ev := core.RosterEvent{Kind: core.ParticipantUpdated, ID: u.ID, Region: region}
		if e := s.Roster.Get(u.ID); e != nil {
			ev.Power, ev.Speaking, ev.ModeratorMuted = e.Power, e.IsSpeaking, e.IsModeratorMute
		}
		if u.Update.Power != nil {
			ev.Power = u.Update.power()
		}
		if u.Update.Speaking != nil {
			ev.Speaking = *u.Update.Speaking
		}
		out = append(out, ev)
	}
	if u.Update.Left {
		out = append(out, core.RosterEvent{Kind: core.ParticipantRemoved, ID: u.ID, Region: region})
	}
	return out
}

func (d *Driver) connRetry(c *connection, err error) {
	s := d.session
	if s == nil {
		return
	}
	if c.retries > d.cfg.MaxRetries {
		if c.primary {
			d.giveUp(s, err)
			return
		}
		// a neighbour is optional; the retry budget belongs to the primary
		log.Warn().Err(err).Str("module", "rtc.driver").Str("region", string(c.region)).Msg("skipping unreachable neighbour region")
		s.skipped[c.region] = true
		c.shutdown()
		return
	}
	if !c.primary || !s.IsActive() || s.Channel.IsSpatial() {
		return
	}
	// a dropped call is not rejoined
	log.Info().Err(err).Str("module", "rtc.driver").Str("channel", s.Channel.URI).Msg("call dropped")
	d.beginLeave(s)
}

func (d *Driver) connFatal(c *connection, err error) {
	s := d.session
	if s == nil {
		return
	}
	status := core.StatusOf(err)
	s.Fail(err)
	d.notifyStatus(status, s.Channel)
	if !s.leaving {
		d.beginLeave(s)
	}
}

func (d *Driver) giveUp(s *rtcSession, err error) {
	log.Error().Err(err).Str("module", "rtc.driver").Msg("giving up on webrtc voice")
	s.Fail(err)
	for _, c := range s.conns {
		c.closeNow()
	}
	d.finishLeave(s)
	d.next = nil
	d.failed = true
	d.env.Notifier.NotifyTransportFailed(domain.ServerWebRTC, fmt.Errorf("%w: %v", core.ErrRetriesExhausted, err))
}

// flushRoster sends pending mute and volume changes over the primary
// connection; they stay pending until it is up.
func (d *Driver) flushRoster(s *rtcSession) {
	pc := s.primary()
	if pc == nil || !pc.isUp() {
		return
	}
	dirty := s.Roster.Dirty()
	if len(dirty) == 0 {
		return
	}
	mutes := make(map[domain.AgentID]bool)
	gains := make(map[domain.AgentID]float32)
	for _, p := range dirty {
		if p.IsSelf {
			continue
		}
		mutes[p.ID] = p.OnMuteList
		gains[p.ID] = p.Volume
	}
	if len(mutes) > 0 {
		pc.send(muteMessage(mutes))
		pc.send(gainMessage(gains))
	}
}

func (d *Driver) sendPosition(s *rtcSession, now time.Time) {
	if !d.positionDirty || !s.Channel.IsSpatial() || !d.limiter.AllowN(now, 1) {
		return
	}
	msg := positionMessage(d.position)
	for _, r := range s.regions() {
		if c := s.conns[r]; c.isUp() {
			c.send(msg)
		}
	}
	d.positionDirty = false
}

func (d *Driver) notifyStatus(st domain.Status, ch domain.Channel) {
	d.env.Notifier.NotifyStatus(domain.StatusChange{Status: st, Channel: ch.URI, Proximal: ch.IsSpatial()})
}

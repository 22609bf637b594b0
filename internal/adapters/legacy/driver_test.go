package legacy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	statuses []domain.Status
	failures []error
	changes  int
}

func (r *recorder) NotifyStatus(c domain.StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, c.Status)
}

func (r *recorder) NotifyParticipantsChanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes++
}

func (r *recorder) NotifyTransportFailed(_ domain.ServerType, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

type refusingDialer struct{}

func (refusingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

type pipeDialer struct {
	servers chan net.Conn
}

func (p *pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	client, server := net.Pipe()
	p.servers <- server
	return client, nil
}

type daemonRequest struct {
	ID     string
	Action string
	Body   string
}

var requestHeader = regexp.MustCompile(`<Request requestId="([^"]*)" action="([^"]*)">`)

// fakeDaemon plays the voice daemon on the far end of a pipe.
type fakeDaemon struct {
	t    *testing.T
	conn net.Conn
	reqs chan daemonRequest
}

func newFakeDaemon(t *testing.T, conn net.Conn) *fakeDaemon {
	f := &fakeDaemon{t: t, conn: conn, reqs: make(chan daemonRequest, 256)}
	go f.readLoop()
	return f
}

func (f *fakeDaemon) readLoop() {
	defer close(f.reqs)
	buf := make([]byte, 4096)
	var acc []byte
	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			return
		}
		acc = append(acc, buf[:n]...)
		for {
			i := bytes.Index(acc, []byte(frameDelimiter))
			if i < 0 {
				break
			}
			frame := string(acc[:i])
			acc = acc[i+len(frameDelimiter):]
			if m := requestHeader.FindStringSubmatch(frame); m != nil {
				f.reqs <- daemonRequest{ID: m[1], Action: m[2], Body: frame}
			}
		}
	}
}

func (f *fakeDaemon) expect(action string) daemonRequest {
	f.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-f.reqs:
			require.True(f.t, ok, "daemon connection closed while waiting for %s", action)
			if r.Action == action {
				return r
			}
		case <-timeout:
			require.FailNow(f.t, "request not seen", action)
		}
	}
}

func (f *fakeDaemon) write(frame string) {
	f.t.Helper()
	_, err := f.conn.Write([]byte(frame + frameDelimiter))
	require.NoError(f.t, err)
}

func (f *fakeDaemon) reply(r daemonRequest, results string) {
	f.write(fmt.Sprintf(`<Response requestId="%s" action="%s"><ReturnCode>0</ReturnCode>`+
		`<Results><StatusCode>0</StatusCode>%s</Results></Response>`, r.ID, r.Action, results))
}

func (f *fakeDaemon) fail(r daemonRequest, code int) {
	f.write(fmt.Sprintf(`<Response requestId="%s" action="%s"><ReturnCode>1</ReturnCode>`+
		`<Results><StatusCode>%d</StatusCode><StatusString>failed</StatusString></Results></Response>`, r.ID, r.Action, code))
}

func (f *fakeDaemon) event(typ, body string) {
	f.write(fmt.Sprintf(`<Event type="%s">%s</Event>`, typ, body))
}

type harness struct {
	t     *testing.T
	d     *Driver
	loop  *core.Loop
	rec   *recorder
	pipes *pipeDialer
	now   time.Time
}

func newHarness(t *testing.T, cfg Config, dialer Dialer) *harness {
	if cfg.DaemonAddr == "" {
		cfg.DaemonAddr = "127.0.0.1:44125"
	}
	loop := core.NewLoop()
	rec := &recorder{}
	env := core.Env{Loop: loop, Notifier: rec, Self: domain.NewAgentID()}
	d := NewDriver(cfg, env, dialer)
	require.NoError(t, d.Init(context.Background()))
	h := &harness{t: t, d: d, loop: loop, rec: rec, now: time.Now()}
	t.Cleanup(d.Terminate)
	return h
}

func (h *harness) tick() {
	h.now = h.now.Add(50 * time.Millisecond)
	h.d.Tick(h.now)
}

// pump waits for a callback from a background goroutine and runs it.
func (h *harness) pump() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.loop.Pending() > 0 }, 2*time.Second, time.Millisecond)
	h.loop.Drain()
}

// accept takes the daemon side of the next dial and lets the driver see it.
func (h *harness) accept() *fakeDaemon {
	h.t.Helper()
	var conn net.Conn
	select {
	case conn = <-h.pipes.servers:
	case <-time.After(2 * time.Second):
		require.FailNow(h.t, "driver did not dial")
	}
	daemon := newFakeDaemon(h.t, conn)
	h.pump()
	return daemon
}

// retryLogin waits out the backoff and dials again.
func (h *harness) retryLogin() *fakeDaemon {
	h.t.Helper()
	require.Equal(h.t, stateLoginRetryWait, h.d.state)
	h.now = h.now.Add(time.Minute)
	h.d.Tick(h.now)
	require.Equal(h.t, stateStart, h.d.state)
	h.tick()
	require.Equal(h.t, stateConnecting, h.d.state)
	daemon := h.accept()
	require.Equal(h.t, stateConnected, h.d.state)
	return daemon
}

// running joins uri and brings its media up with one remote participant.
func running(t *testing.T, h *harness, daemon *fakeDaemon, uri string, spatial bool) domain.AgentID {
	t.Helper()
	if spatial {
		h.d.SetSpatialChannel(uri, "")
	} else {
		h.d.SetNonSpatialChannel(uri, "")
	}
	h.tick()
	daemon.reply(daemon.expect(actionSessionCreate), "<SessionHandle>s1</SessionHandle>")
	h.pump()
	peer := domain.NewAgentID()
	daemon.event(eventParticipantAdded, participantAdded("s1", ParticipantURI(peer, "voice.example.net")))
	h.pump()
	daemon.event(eventMediaStream, mediaState("s1", 1))
	h.pump()
	require.Equal(t, stateRunning, h.d.state)
	require.Len(t, h.d.Participants(), 1)
	return peer
}

func TestDriver_BoundedLoginRetry(t *testing.T) {
	cfg := Config{LoginRetryMax: 2, BackoffBase: 10 * time.Millisecond, BackoffCap: 10 * time.Millisecond}
	h := newHarness(t, cfg, refusingDialer{})
	h.d.SetVoiceEnabled(true)

	h.tick()
	require.Equal(t, stateStart, h.d.state)

	for attempt := 1; attempt <= 3; attempt++ {
		h.tick()
		require.Equal(t, stateConnecting, h.d.state)
		h.pump()

		if attempt <= 2 {
			assert.Equal(t, stateLoginRetryWait, h.d.state, "attempt %d", attempt)
			assert.False(t, h.d.Failed())
			h.now = h.now.Add(time.Minute)
			h.d.Tick(h.now)
			require.Equal(t, stateStart, h.d.state)
		}
	}

	assert.True(t, h.d.Failed())
	require.Len(t, h.rec.failures, 1)
	assert.ErrorIs(t, h.rec.failures[0], core.ErrRetriesExhausted)
	assert.Equal(t, []domain.Status{domain.StatusLoginRetry, domain.StatusLoginRetry}, h.rec.statuses)

	// no further attempts once jailed
	h.tick()
	h.tick()
	assert.Zero(t, h.loop.Pending())
	assert.Equal(t, stateJail, h.d.state)
}

// login drives a fresh driver up to the logged-in, no-channel state.
func login(t *testing.T) (*harness, *fakeDaemon) {
	return loginWith(t, Config{LoginRetryMax: 3, BackoffBase: 10 * time.Millisecond})
}

func loginWith(t *testing.T, cfg Config) (*harness, *fakeDaemon) {
	dialer := &pipeDialer{servers: make(chan net.Conn, 1)}
	h := newHarness(t, cfg, dialer)
	h.pipes = dialer
	h.d.SetVoiceEnabled(true)

	h.tick()
	h.tick()
	daemon := h.accept()
	require.Equal(t, stateConnected, h.d.state)

	h.tick()
	daemon.reply(daemon.expect(actionConnectorCreate), "<ConnectorHandle>c1</ConnectorHandle>")
	h.pump()
	require.Equal(t, stateConnectorStarted, h.d.state)

	h.tick()
	h.tick()
	daemon.reply(daemon.expect(actionAccountLogin), "<AccountHandle>a1</AccountHandle>")
	h.pump()
	require.Equal(t, stateLoggedIn, h.d.state)

	h.tick()
	require.Equal(t, stateNoChannel, h.d.state)
	return h, daemon
}

func participantAdded(handle, uri string) string {
	return fmt.Sprintf(`<SessionHandle>%s</SessionHandle><ParticipantUri>%s</ParticipantUri>`, handle, uri)
}

func mediaState(handle string, state int) string {
	return fmt.Sprintf(`<SessionHandle>%s</SessionHandle><StatusCode>0</StatusCode><State>%d</State>`, handle, state)
}

func TestDriver_JoinBuffersParticipantsUntilMediaConnects(t *testing.T) {
	h, daemon := login(t)

	h.d.SetSpatialChannel("sip:confctl-1@voice.example.net", "secret")
	h.tick()
	require.Equal(t, stateJoiningSession, h.d.state)
	create := daemon.expect(actionSessionCreate)
	assert.Contains(t, create.Body, "<URI>sip:confctl-1@voice.example.net</URI>")

	daemon.reply(create, "<SessionHandle>s1</SessionHandle>")
	h.pump()
	require.Equal(t, stateSessionJoined, h.d.state)

	peer := domain.NewAgentID()
	daemon.event(eventParticipantAdded, participantAdded("s1", ParticipantURI(peer, "voice.example.net")))
	h.pump()
	assert.Empty(t, h.d.Participants(), "participants stay hidden until the session is active")
	assert.Equal(t, 1, h.d.session.Pending())

	daemon.event(eventMediaStream, mediaState("s1", 1))
	h.pump()
	require.Equal(t, stateRunning, h.d.state)
	assert.True(t, h.d.IsWorking())

	ps := h.d.Participants()
	require.Len(t, ps, 1)
	assert.Equal(t, peer, ps[0].ID)
	assert.Equal(t, domain.VolumeDefault, ps[0].Volume)
	assert.Equal(t, "sip:confctl-1@voice.example.net", h.d.CurrentChannel())
	assert.True(t, h.d.InSpatialChannel())
	assert.Equal(t,
		[]domain.Status{domain.StatusLoggedIn, domain.StatusJoining, domain.StatusJoined},
		h.rec.statuses)
}

func TestDriver_ChannelSwitchDropsLateEvents(t *testing.T) {
	h, daemon := login(t)

	h.d.SetSpatialChannel("sip:confctl-1@voice.example.net", "")
	h.tick()
	daemon.reply(daemon.expect(actionSessionCreate), "<SessionHandle>s1</SessionHandle>")
	h.pump()
	daemon.event(eventMediaStream, mediaState("s1", 1))
	h.pump()
	require.Equal(t, stateRunning, h.d.state)

	h.d.SetSpatialChannel("sip:confctl-2@voice.example.net", "")
	h.tick()
	require.Equal(t, stateLeavingSession, h.d.state)
	term := daemon.expect(actionSessionTerminate)
	assert.Contains(t, term.Body, "<SessionHandle>s1</SessionHandle>")

	// a participant showing up in the session being left is ignored
	daemon.event(eventParticipantAdded, participantAdded("s1", ParticipantURI(domain.NewAgentID(), "h")))
	h.pump()

	daemon.reply(term, "")
	h.pump()
	require.Equal(t, stateNoChannel, h.d.state)
	assert.Empty(t, h.d.Participants())

	h.tick()
	create := daemon.expect(actionSessionCreate)
	assert.Contains(t, create.Body, "confctl-2")
	daemon.reply(create, "<SessionHandle>s2</SessionHandle>")
	h.pump()
	daemon.event(eventMediaStream, mediaState("s2", 1))
	h.pump()

	// late traffic addressed to the old session
	daemon.event(eventParticipantAdded, participantAdded("s1", ParticipantURI(domain.NewAgentID(), "h")))
	h.pump()

	assert.Empty(t, h.d.Participants())
	assert.Equal(t, "sip:confctl-2@voice.example.net", h.d.CurrentChannel())
	assert.Contains(t, h.rec.statuses, domain.StatusLeftChannel)
}

func TestDriver_LeaveTimesOut(t *testing.T) {
	h, daemon := login(t)

	h.d.SetSpatialChannel("sip:confctl-1@voice.example.net", "")
	h.tick()
	daemon.reply(daemon.expect(actionSessionCreate), "<SessionHandle>s1</SessionHandle>")
	h.pump()
	daemon.event(eventMediaStream, mediaState("s1", 1))
	h.pump()

	h.d.LeaveChannel()
	h.tick()
	require.Equal(t, stateLeavingSession, h.d.state)

	h.now = h.now.Add(time.Minute)
	h.d.Tick(h.now)
	assert.Equal(t, stateNoChannel, h.d.state)
	assert.Empty(t, h.d.CurrentChannel())
}

func TestDriver_UserVolumeIsSentToDaemon(t *testing.T) {
	h, daemon := login(t)

	h.d.SetSpatialChannel("sip:confctl-1@voice.example.net", "")
	h.tick()
	daemon.reply(daemon.expect(actionSessionCreate), "<SessionHandle>s1</SessionHandle>")
	h.pump()
	peer := domain.NewAgentID()
	uri := ParticipantURI(peer, "voice.example.net")
	daemon.event(eventParticipantAdded, participantAdded("s1", uri))
	h.pump()
	daemon.event(eventMediaStream, mediaState("s1", 1))
	h.pump()

	h.d.SetUserVolume(peer, 0.8)
	h.tick()
	req := daemon.expect(actionParticipantVolume)
	assert.Contains(t, req.Body, "<Volume>80</Volume>")
	assert.Contains(t, req.Body, uri)

	daemon.event(eventParticipantUpdate, participantAdded("s1", uri)+
		"<IsSpeaking>1</IsSpeaking><Energy>0.4</Energy><Volume>20</Volume>")
	h.pump()
	p, ok := h.d.Participant(peer)
	require.True(t, ok)
	assert.True(t, p.IsSpeaking)
	assert.InDelta(t, 0.8, p.Volume, 1e-6, "level events never overwrite user volume")
}

func TestDriver_DisconnectQueuesSpatialRejoin(t *testing.T) {
	h, daemon := login(t)

	h.d.SetSpatialChannel("sip:confctl-1@voice.example.net", "")
	h.tick()
	daemon.reply(daemon.expect(actionSessionCreate), "<SessionHandle>s1</SessionHandle>")
	h.pump()
	daemon.event(eventMediaStream, mediaState("s1", 1))
	h.pump()

	require.NoError(t, daemon.conn.Close())
	h.pump()

	assert.Equal(t, stateLoginRetryWait, h.d.state)
	require.NotNil(t, h.d.next)
	assert.True(t, h.d.next.Reconnect)
	assert.Equal(t, "sip:confctl-1@voice.example.net", h.d.next.Channel.URI)
	assert.Empty(t, h.d.Participants())
}

func TestDriver_SilentDaemonCountsAsLoginFailure(t *testing.T) {
	dialer := &pipeDialer{servers: make(chan net.Conn, 1)}
	h := newHarness(t, Config{LoginRetryMax: 3, BackoffBase: 10 * time.Millisecond}, dialer)
	h.pipes = dialer
	h.d.SetVoiceEnabled(true)

	h.tick()
	h.tick()
	daemon := h.accept()
	h.tick()
	daemon.expect(actionConnectorCreate)
	require.Equal(t, stateConnectorStarting, h.d.state)

	h.tick()
	assert.Equal(t, stateConnectorStarting, h.d.state, "still within the deadline")
	h.now = h.now.Add(responseTimeout + time.Second)
	h.d.Tick(h.now)
	assert.Equal(t, stateLoginRetryWait, h.d.state)
	assert.Equal(t, []domain.Status{domain.StatusLoginRetry}, h.rec.statuses)

	// the second daemon answers the connector but never the login
	daemon = h.retryLogin()
	h.tick()
	daemon.reply(daemon.expect(actionConnectorCreate), "<ConnectorHandle>c1</ConnectorHandle>")
	h.pump()
	h.tick()
	h.tick()
	daemon.expect(actionAccountLogin)
	require.Equal(t, stateLoggingIn, h.d.state)

	h.now = h.now.Add(responseTimeout + time.Second)
	h.d.Tick(h.now)
	assert.Equal(t, stateLoginRetryWait, h.d.state)
	assert.Equal(t, uint64(2), h.d.backoff.Attempts())
	assert.False(t, h.d.Failed())
}

func TestDriver_StaleSessionAddedIsNotAdopted(t *testing.T) {
	h, daemon := login(t)
	const uri = "sip:confctl-1@voice.example.net"

	h.d.SetSpatialChannel(uri, "")
	h.tick()
	first := daemon.expect(actionSessionCreate)

	// leave before the daemon answered, then come straight back
	h.d.LeaveChannel()
	h.tick()
	require.Equal(t, stateNoChannel, h.d.state)
	h.d.SetSpatialChannel(uri, "")
	h.tick()
	second := daemon.expect(actionSessionCreate)
	require.Equal(t, stateJoiningSession, h.d.state)

	daemon.event(eventSessionAdded, "<SessionHandle>old</SessionHandle><Uri>"+uri+"</Uri>")
	h.pump()
	assert.Equal(t, core.SessionNegotiating, h.d.session.State())

	daemon.reply(first, "<SessionHandle>old</SessionHandle>")
	h.pump()
	term := daemon.expect(actionSessionTerminate)
	assert.Contains(t, term.Body, "<SessionHandle>old</SessionHandle>")

	daemon.reply(second, "<SessionHandle>new</SessionHandle>")
	h.pump()
	require.Equal(t, stateSessionJoined, h.d.state)
	assert.Equal(t, "new", h.d.session.Handle)

	// the superseded session going away leaves the live one alone
	daemon.event(eventSessionRemoved, "<SessionHandle>old</SessionHandle>")
	h.pump()
	require.NotNil(t, h.d.session)
	assert.Equal(t, "new", h.d.session.Handle)
	assert.Equal(t, stateSessionJoined, h.d.state)
}

func TestDriver_MalformedFrameReconnects(t *testing.T) {
	h, daemon := login(t)
	running(t, h, daemon, "sip:confctl-1@voice.example.net", true)

	daemon.write("<Bogus/>")
	h.pump()

	assert.Equal(t, stateLoginRetryWait, h.d.state)
	assert.Empty(t, h.d.Participants())
	require.NotNil(t, h.d.next)
	assert.True(t, h.d.next.Reconnect)

	daemon = h.retryLogin()
	h.tick()
	daemon.expect(actionConnectorCreate)
	assert.Equal(t, stateConnectorStarting, h.d.state)
}

func TestDriver_SessionRemovedRejoinsSpatial(t *testing.T) {
	h, daemon := login(t)
	const uri = "sip:confctl-1@voice.example.net"
	running(t, h, daemon, uri, true)

	daemon.event(eventSessionRemoved, "<SessionHandle>s1</SessionHandle>")
	h.pump()
	assert.Equal(t, stateNoChannel, h.d.state)
	assert.Empty(t, h.d.Participants())
	require.NotNil(t, h.d.next)
	assert.True(t, h.d.next.Reconnect)
	assert.NotContains(t, h.rec.statuses, domain.StatusLeftChannel)

	h.tick()
	create := daemon.expect(actionSessionCreate)
	assert.Contains(t, create.Body, "<URI>"+uri+"</URI>")
	assert.Equal(t, stateJoiningSession, h.d.state)
}

func TestDriver_SessionRemovedEndsCall(t *testing.T) {
	h, daemon := login(t)
	running(t, h, daemon, "sip:confctl-g1@voice.example.net", false)

	daemon.event(eventSessionRemoved, "<SessionHandle>s1</SessionHandle>")
	h.pump()
	assert.Equal(t, stateNoChannel, h.d.state)
	assert.Nil(t, h.d.next)
	assert.Equal(t, domain.StatusLeftChannel, h.rec.statuses[len(h.rec.statuses)-1])
}

func TestDriver_RepeatedSpatialJoinFailuresResetConnection(t *testing.T) {
	h, daemon := loginWith(t, Config{BackoffBase: 10 * time.Millisecond})
	const uri = "sip:confctl-1@voice.example.net"

	for i := 1; i <= maxSpatialJoinFailures; i++ {
		h.d.SetSpatialChannel(uri, "")
		h.tick()
		daemon.fail(daemon.expect(actionSessionCreate), 503)
		h.pump()
		require.Equal(t, stateNoChannel, h.d.state, "failure %d", i)
		assert.Equal(t, i, h.d.spatialFails)
	}

	h.d.SetSpatialChannel(uri, "")
	h.tick()
	daemon.fail(daemon.expect(actionSessionCreate), 503)
	h.pump()

	// the connection reset finds no retry budget left
	assert.True(t, h.d.Failed())
	assert.Zero(t, h.d.spatialFails)
	assert.Nil(t, h.d.session)
	assert.Nil(t, h.d.next)
	require.Len(t, h.rec.failures, 1)
	assert.ErrorIs(t, h.rec.failures[0], core.ErrRetriesExhausted)
	assert.Contains(t, h.rec.statuses, domain.ErrorChannelFull)
}

func TestDriver_LoggedOutByDaemonReconnects(t *testing.T) {
	h, daemon := login(t)
	running(t, h, daemon, "sip:confctl-1@voice.example.net", true)

	daemon.event(eventLoginStateChange, "<AccountHandle>a1</AccountHandle><State>0</State>")
	h.pump()

	assert.Equal(t, stateLoginRetryWait, h.d.state)
	assert.Empty(t, h.d.Participants())
	assert.Empty(t, h.d.accountHandle)
	require.NotNil(t, h.d.next)
	assert.Equal(t, "sip:confctl-1@voice.example.net", h.d.next.Channel.URI)

	h.retryLogin()
}

func TestDriver_EmptyCallIsLeft(t *testing.T) {
	h, daemon := login(t)
	peer := running(t, h, daemon, "sip:confctl-g1@voice.example.net", false)
	require.False(t, h.d.InSpatialChannel())

	daemon.event(eventParticipantRemove, participantAdded("s1", ParticipantURI(peer, "voice.example.net")))
	h.pump()
	assert.Empty(t, h.d.Participants())

	h.tick()
	h.tick()
	require.Equal(t, stateLeavingSession, h.d.state)
	term := daemon.expect(actionSessionTerminate)
	assert.Contains(t, term.Body, "<SessionHandle>s1</SessionHandle>")

	daemon.reply(term, "")
	h.pump()
	assert.Equal(t, stateNoChannel, h.d.state)
	assert.Empty(t, h.d.CurrentChannel())
}

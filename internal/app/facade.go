package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/metrics"
	"github.com/rs/zerolog/log"
)

// TransportFactory builds a transport for one activation.
type TransportFactory func(env core.Env) core.Transport

type Options struct {
	Enabled       bool
	Fallback      bool
	TickInterval  time.Duration
	EarLocation   domain.EarLocation
	MicGain       float32
	SpeakerVolume float32
}

// Facade is the single entry point of the voice subsystem. It owns at most
// one active transport; every method except Post and Snapshot must be
// called on the owner goroutine (Run, or the caller of Tick).
type Facade struct {
	loop      *core.Loop
	env       core.Env
	factories map[domain.ServerType]TransportFactory
	opts      Options

	Observers *Registry
	Devices   *DeviceRegistry
	Volumes   core.VolumeStore
	Metrics   *metrics.Metrics

	ctx        context.Context
	active     core.Transport
	serverType domain.ServerType
	gen        uint64
	failure    *transportFailure
	failedOver bool

	spatial  *core.Spatial
	enabled  bool
	micMuted bool
	micGain  float32
	speaker  float32

	pendingStatus     []domain.StatusChange
	lastStatus        domain.StatusChange
	participantsDirty bool
	friendsDirty      bool

	snapshot atomic.Pointer[Snapshot]
}

type transportFailure struct {
	server domain.ServerType
	err    error
}

// NewFacade wires the facade. env supplies the external collaborators;
// its Loop, Notifier and Devices fields are filled in here.
func NewFacade(env core.Env, factories map[domain.ServerType]TransportFactory, opts Options) *Facade {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 50 * time.Millisecond
	}
	f := &Facade{
		loop:      core.NewLoop(),
		factories: factories,
		opts:      opts,
		Observers: NewRegistry(),
		Devices:   NewDeviceRegistry(),
		Volumes:   env.Volumes,
		Metrics:   env.Metrics,
		ctx:       context.Background(),
		spatial:   core.NewSpatial(opts.EarLocation),
		enabled:   opts.Enabled,
		micGain:   opts.MicGain,
		speaker:   opts.SpeakerVolume,
	}
	env.Loop = f.loop
	env.Devices = f.Devices
	f.env = env
	f.publish()
	return f
}

// scopedNotifier drops reports from a transport that is no longer active.
type scopedNotifier struct {
	f   *Facade
	gen uint64
}

func (n scopedNotifier) current() bool { return n.f.gen == n.gen && n.f.active != nil }

func (n scopedNotifier) NotifyStatus(change domain.StatusChange) {
	if n.current() {
		n.f.queueStatus(change)
	}
}

func (n scopedNotifier) NotifyParticipantsChanged() {
	if n.current() {
		n.f.participantsDirty = true
	}
}

func (n scopedNotifier) NotifyTransportFailed(server domain.ServerType, err error) {
	if n.current() {
		n.f.failure = &transportFailure{server: server, err: err}
	}
}

func (f *Facade) queueStatus(change domain.StatusChange) {
	f.pendingStatus = append(f.pendingStatus, change)
	f.lastStatus = change
}

// Init records the context transports are started with.
func (f *Facade) Init(ctx context.Context) {
	f.ctx = ctx
	log.Info().Str("module", "app.facade").Bool("enabled", f.enabled).Msg("voice facade initialized")
}

// Terminate shuts the active transport down and delivers the final batch.
func (f *Facade) Terminate() {
	f.loop.Drain()
	if f.active != nil {
		f.active.Terminate()
		f.active = nil
		f.gen++
		f.participantsDirty = true
	}
	f.flush()
	f.publish()
	log.Info().Str("module", "app.facade").Msg("voice facade terminated")
}

// Post schedules fn on the owner goroutine. Safe from any goroutine.
func (f *Facade) Post(fn func()) { f.loop.Post(fn) }

// Run drives the owner loop until ctx is done.
func (f *Facade) Run(ctx context.Context) {
	ticker := time.NewTicker(f.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.Terminate()
			return
		case now := <-ticker.C:
			f.Tick(now)
		case <-f.loop.Wake():
			f.loop.Drain()
			f.flush()
			f.publish()
		}
	}
}

// Tick runs one update cycle: queued callbacks, position push, transport
// state machines, failover, then observer notification.
func (f *Facade) Tick(now time.Time) {
	start := time.Now()
	f.loop.Drain()
	if f.active != nil {
		if snap, ok := f.spatial.TakeDirty(); ok {
			f.active.UpdatePosition(snap)
		}
		f.active.Tick(now)
	}
	f.handleFailure()
	f.flush()
	f.publish()
	f.Metrics.ObserveTick(time.Since(start).Seconds())
}

// flush delivers the batched notifications synchronously.
func (f *Facade) flush() {
	statuses := f.pendingStatus
	f.pendingStatus = nil
	for _, s := range statuses {
		f.Observers.notifyStatus(s)
	}
	if f.participantsDirty {
		f.participantsDirty = false
		f.Metrics.SetParticipants(len(f.Participants()))
		f.Observers.notifyParticipants()
	}
	if f.friendsDirty {
		f.friendsDirty = false
		f.Observers.notifyFriends()
	}
}

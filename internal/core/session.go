package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionNegotiating
	SessionEstablished
	SessionActive
	SessionLeavingRequested
	SessionTerminated
	SessionError
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionNegotiating:
		return "negotiating"
	case SessionEstablished:
		return "established"
	case SessionActive:
		return "active"
	case SessionLeavingRequested:
		return "leaving_requested"
	case SessionTerminated:
		return "terminated"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

var transitions = map[SessionState][]SessionState{
	SessionIdle:             {SessionNegotiating, SessionTerminated, SessionError},
	SessionNegotiating:      {SessionEstablished, SessionLeavingRequested, SessionTerminated, SessionError},
	SessionEstablished:      {SessionActive, SessionLeavingRequested, SessionTerminated, SessionError},
	SessionActive:           {SessionLeavingRequested, SessionTerminated, SessionError},
	SessionLeavingRequested: {SessionTerminated, SessionError},
}

func canTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type RosterEventKind int

const (
	ParticipantAdded RosterEventKind = iota
	ParticipantRemoved
	ParticipantUpdated
)

// RosterEvent is a transport-reported participant change, already mapped
// to a stable identity.
type RosterEvent struct {
	Kind           RosterEventKind
	ID             domain.AgentID
	Handle         string
	Region         domain.RegionID
	Primary        bool
	Name           string
	Speaking       bool
	Power          float32
	ModeratorMuted bool
}

var sessionSeq atomic.Uint64

// Session is one channel's lifecycle. Owned by a transport driver and only
// touched on the owner goroutine.
type Session struct {
	ID          uint64
	Channel     domain.Channel
	Handle      string
	Reconnect   bool
	ErrorCode   domain.Status
	ErrorString string
	Roster      *Roster

	// OnAdded runs for each new roster entry, e.g. to seed stored volume.
	OnAdded func(e *Entry)
	// OnTransition runs after every accepted state change.
	OnTransition func(from, to SessionState)

	state         SessionState
	pending       []RosterEvent
	leaveDeadline time.Time
}

// ChannelSession is the common face of every transport's session kind.
type ChannelSession interface {
	Core() *Session
	State() SessionState
}

func NewSession(ch domain.Channel) *Session {
	return &Session{
		ID:      sessionSeq.Add(1),
		Channel: ch,
		Roster:  NewRoster(),
	}
}

func (s *Session) Core() *Session { return s }

func (s *Session) State() SessionState { return s.state }

func (s *Session) IsActive() bool { return s.state == SessionActive }

func (s *Session) IsTerminal() bool {
	return s.state == SessionTerminated || s.state == SessionError
}

// Matches is the identity check for late callbacks: a handle or URI that
// belongs to a superseded session never matches the current one.
func (s *Session) Matches(handle string) bool {
	if s == nil || s.IsTerminal() {
		return false
	}
	if s.Handle != "" {
		return s.Handle == handle
	}
	return s.Channel.URI == handle
}

func (s *Session) transition(to SessionState) error {
	from := s.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	log.Info().
		Str("module", "core.session").
		Uint64("session", s.ID).
		Str("channel", s.Channel.URI).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("session transition")
	if s.OnTransition != nil {
		s.OnTransition(from, to)
	}
	return nil
}

// Join records the request and starts negotiation.
func (s *Session) Join() error {
	return s.transition(SessionNegotiating)
}

// Establish records the transport-assigned handle.
func (s *Session) Establish(handle string) error {
	if err := s.transition(SessionEstablished); err != nil {
		return err
	}
	if handle != "" {
		s.Handle = handle
	}
	return nil
}

// Activate makes participant events authoritative and flushes the buffer.
func (s *Session) Activate() error {
	if err := s.transition(SessionActive); err != nil {
		return err
	}
	pending := s.pending
	s.pending = nil
	for _, ev := range pending {
		s.apply(ev)
	}
	return nil
}

// Deliver applies ev when Active and buffers it while negotiating.
// Events for leaving or finished sessions are dropped; returns false then.
func (s *Session) Deliver(ev RosterEvent) bool {
	switch s.state {
	case SessionActive:
		s.apply(ev)
		return true
	case SessionIdle, SessionNegotiating, SessionEstablished:
		s.pending = append(s.pending, ev)
		return true
	default:
		return false
	}
}

func (s *Session) Pending() int { return len(s.pending) }

func (s *Session) apply(ev RosterEvent) {
	r := s.Roster
	switch ev.Kind {
	case ParticipantAdded:
		if r.Get(ev.ID) == nil && !ev.Primary && ev.Region != "" {
			// neighbour-only sighting; the primary region owns the entry
			return
		}
		e, created := r.Add(ev.ID, ev.Handle)
		if ev.Region != "" {
			r.AddRegion(ev.ID, ev.Region)
		}
		if created && ev.Name != "" {
			r.SetDisplayName(ev.ID, ev.Name)
		}
		if created && s.OnAdded != nil {
			s.OnAdded(e)
		}
	case ParticipantRemoved:
		if ev.Region != "" && r.RemoveRegion(ev.ID, ev.Region) > 0 {
			return
		}
		if ev.ID.IsNil() && ev.Handle != "" {
			r.RemoveByHandle(ev.Handle)
			return
		}
		r.Remove(ev.ID)
	case ParticipantUpdated:
		r.SetLevel(ev.ID, ev.Power, ev.Speaking)
		r.SetModeratorMuted(ev.ID, ev.ModeratorMuted)
	}
}

// RequestLeave starts an orderly departure bounded by timeout.
// An idle session has nothing to tear down and terminates at once.
func (s *Session) RequestLeave(now time.Time, timeout time.Duration) error {
	switch s.state {
	case SessionIdle:
		s.Terminate()
		return nil
	case SessionLeavingRequested, SessionTerminated, SessionError:
		return nil
	}
	if err := s.transition(SessionLeavingRequested); err != nil {
		return err
	}
	s.leaveDeadline = now.Add(timeout)
	return nil
}

// LeaveExpired reports whether the leave ack did not arrive in time.
func (s *Session) LeaveExpired(now time.Time) bool {
	return s.state == SessionLeavingRequested && !now.Before(s.leaveDeadline)
}

// Terminate ends the session and drops every participant and buffered event.
func (s *Session) Terminate() {
	if s.state != SessionTerminated {
		if s.state == SessionError {
			s.state = SessionTerminated
		} else {
			_ = s.transition(SessionTerminated)
		}
	}
	s.pending = nil
	s.Roster.Clear()
}

// Fail moves a live session to Error, keeping the classification for observers.
func (s *Session) Fail(err error) {
	if s.IsTerminal() {
		return
	}
	s.ErrorCode = StatusOf(err)
	if err != nil {
		s.ErrorString = err.Error()
	}
	_ = s.transition(SessionError)
	s.pending = nil
	s.Roster.Clear()
}

// Retry returns a fresh session for the same channel. It has a new identity,
// so callbacks still addressed to s are dropped. Hooks are not carried over.
func (s *Session) Retry() *Session {
	n := NewSession(s.Channel)
	n.Reconnect = true
	return n
}

// Participants is a read snapshot of the roster.
func (s *Session) Participants() []domain.Participant {
	if s == nil {
		return nil
	}
	return s.Roster.Snapshot()
}

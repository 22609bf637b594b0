package core

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spatialChannel() domain.Channel {
	return domain.Channel{URI: "sip:regionA", Credentials: "abc", Kind: domain.ChannelSpatial}
}

func added(id domain.AgentID) RosterEvent {
	return RosterEvent{Kind: ParticipantAdded, ID: id, Handle: "h-" + id.String(), Primary: true}
}

func TestSession_BuffersParticipantsUntilActive(t *testing.T) {
	s := NewSession(spatialChannel())
	u1 := domain.NewAgentID()

	require.NoError(t, s.Join())
	assert.True(t, s.Deliver(added(u1)))
	assert.Equal(t, 0, s.Roster.Len())

	require.NoError(t, s.Establish("session-handle"))
	assert.Equal(t, 0, s.Roster.Len())
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Activate())
	assert.Equal(t, SessionActive, s.State())
	assert.Equal(t, 0, s.Pending())
	require.NotNil(t, s.Roster.Get(u1))
}

func TestSession_InvalidTransition(t *testing.T) {
	s := NewSession(spatialChannel())
	err := s.Activate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, SessionIdle, s.State())
}

func TestSession_JoinLeaveJoinDoesNotLeak(t *testing.T) {
	first := NewSession(spatialChannel())
	require.NoError(t, first.Join())
	require.NoError(t, first.Establish("h1"))
	require.NoError(t, first.Activate())
	old := domain.NewAgentID()
	first.Deliver(added(old))

	require.NoError(t, first.RequestLeave(time.Now(), time.Second))
	first.Terminate()

	second := first.Retry()
	require.NoError(t, second.Join())
	require.NoError(t, second.Establish("h2"))
	require.NoError(t, second.Activate())
	fresh := domain.NewAgentID()
	second.Deliver(added(fresh))

	// late event for the first session is dropped
	assert.False(t, first.Deliver(added(domain.NewAgentID())))
	assert.False(t, first.Matches("h1"))
	assert.True(t, second.Matches("h2"))

	ids := make([]domain.AgentID, 0)
	for _, p := range second.Participants() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []domain.AgentID{fresh}, ids)
	assert.Equal(t, 0, first.Roster.Len())
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSession_LeaveTimeout(t *testing.T) {
	now := time.Now()
	s := NewSession(spatialChannel())
	require.NoError(t, s.Join())
	require.NoError(t, s.RequestLeave(now, 2*time.Second))
	assert.Equal(t, SessionLeavingRequested, s.State())
	assert.False(t, s.LeaveExpired(now.Add(time.Second)))
	assert.True(t, s.LeaveExpired(now.Add(2*time.Second)))
}

func TestSession_LeaveFromIdleTerminates(t *testing.T) {
	s := NewSession(spatialChannel())
	require.NoError(t, s.RequestLeave(time.Now(), time.Second))
	assert.Equal(t, SessionTerminated, s.State())
}

func TestSession_FailKeepsStatus(t *testing.T) {
	s := NewSession(spatialChannel())
	require.NoError(t, s.Join())
	s.Deliver(added(domain.NewAgentID()))

	s.Fail(Fatal("join", domain.ErrorChannelFull, errors.New("409")))
	assert.Equal(t, SessionError, s.State())
	assert.Equal(t, domain.ErrorChannelFull, s.ErrorCode)
	assert.Contains(t, s.ErrorString, "409")
	assert.Equal(t, 0, s.Pending())

	s.Terminate()
	assert.Equal(t, SessionTerminated, s.State())
}

func TestSession_LevelEventDoesNotOverwriteVolume(t *testing.T) {
	s := NewSession(spatialChannel())
	require.NoError(t, s.Join())
	require.NoError(t, s.Establish(""))
	require.NoError(t, s.Activate())
	u := domain.NewAgentID()
	s.Deliver(added(u))

	require.True(t, s.Roster.SetUserVolume(u, 0.9))
	s.Deliver(RosterEvent{Kind: ParticipantUpdated, ID: u, Speaking: true, Power: 0.3})

	e := s.Roster.Get(u)
	require.NotNil(t, e)
	assert.InDelta(t, 0.9, e.Volume, 1e-6)
	assert.True(t, e.IsSpeaking)
	assert.InDelta(t, 0.3, e.Power, 1e-6)
}

func TestSession_RegionDuplicatesNotDoubleCounted(t *testing.T) {
	s := NewSession(spatialChannel())
	require.NoError(t, s.Join())
	require.NoError(t, s.Establish(""))
	require.NoError(t, s.Activate())
	u := domain.NewAgentID()

	s.Deliver(RosterEvent{Kind: ParticipantAdded, ID: u, Region: "a", Primary: true})
	s.Deliver(RosterEvent{Kind: ParticipantAdded, ID: u, Region: "b"})
	assert.Equal(t, 1, s.Roster.Len())
	assert.Equal(t, []domain.RegionID{"a", "b"}, s.Roster.Get(u).Regions())

	s.Deliver(RosterEvent{Kind: ParticipantRemoved, ID: u, Region: "a"})
	assert.Equal(t, 1, s.Roster.Len())

	s.Deliver(RosterEvent{Kind: ParticipantRemoved, ID: u, Region: "b"})
	assert.Equal(t, 0, s.Roster.Len())
}

func TestSession_OnAddedSeedsOnce(t *testing.T) {
	s := NewSession(spatialChannel())
	calls := 0
	s.OnAdded = func(e *Entry) { calls++ }
	require.NoError(t, s.Join())
	require.NoError(t, s.Establish(""))
	require.NoError(t, s.Activate())
	u := domain.NewAgentID()
	s.Deliver(added(u))
	s.Deliver(added(u))
	assert.Equal(t, 1, calls)
}

package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_PostFromGoroutines(t *testing.T) {
	l := NewLoop()
	var wg sync.WaitGroup
	count := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() { count++ })
		}()
	}
	wg.Wait()
	select {
	case <-l.Wake():
	default:
		t.Fatal("expected wake signal")
	}
	assert.Equal(t, 50, l.Drain())
	assert.Equal(t, 50, count)
	assert.Equal(t, 0, l.Pending())
}

func TestLoop_DrainIsBounded(t *testing.T) {
	l := NewLoop()
	var again func()
	again = func() { l.Post(again) }
	l.Post(again)
	assert.Equal(t, maxDrainRounds, l.Drain())
	assert.Equal(t, 1, l.Pending())
}

func TestBackoff_BoundedRetries(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond, MaxRetries: 3})
	var waits []time.Duration
	for i := 0; i < 3; i++ {
		d, ok := b.Next()
		require.True(t, ok)
		waits = append(waits, d)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, waits)
	assert.False(t, b.Exhausted())

	_, ok := b.Next()
	assert.False(t, ok)
	assert.True(t, b.Exhausted())

	b.Reset()
	assert.Equal(t, uint64(0), b.Attempts())
	d, ok := b.Next()
	assert.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, d)
}

func TestSpatial_EarLocation(t *testing.T) {
	s := NewSpatial(domain.EarCamera)
	cam := domain.Pose{Position: domain.Vec3{X: 1}, Rotation: domain.Quat{Z: 1}}
	av := domain.Pose{Position: domain.Vec3{Y: 2}, Rotation: domain.IdentityQuat}
	s.SetCamera(cam)
	s.SetAvatar(av)

	snap, dirty := s.TakeDirty()
	require.True(t, dirty)
	assert.Equal(t, cam, snap.Ear)
	assert.Equal(t, av, snap.Avatar)

	_, dirty = s.TakeDirty()
	assert.False(t, dirty)

	s.SetEarLocation(domain.EarMixed)
	snap, dirty = s.TakeDirty()
	require.True(t, dirty)
	assert.Equal(t, av.Position, snap.Ear.Position)
	assert.Equal(t, cam.Rotation, snap.Ear.Rotation)
}

type fakeNames struct{ name string }

func (f fakeNames) ResolveName(_ context.Context, _ domain.AgentID) (string, error) {
	return f.name, nil
}

func TestEnv_ResolveNameDropsSuperseded(t *testing.T) {
	l := NewLoop()
	env := Env{Loop: l, Names: fakeNames{name: "Ann"}}
	s := NewSession(spatialChannel())
	id := domain.NewAgentID()
	s.Roster.Add(id, "")

	current := s
	alive := func(x *Session) bool { return x == current }

	env.ResolveName(context.Background(), s, id, alive)
	require.Eventually(t, func() bool { return l.Pending() == 1 }, time.Second, time.Millisecond)
	l.Drain()
	assert.Equal(t, "Ann", s.Roster.Get(id).DisplayName)

	s.Roster.SetDisplayName(id, "")
	env.ResolveName(context.Background(), s, id, alive)
	current = nil
	require.Eventually(t, func() bool { return l.Pending() == 1 }, time.Second, time.Millisecond)
	l.Drain()
	assert.Equal(t, "", s.Roster.Get(id).DisplayName)
}

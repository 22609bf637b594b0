package app

import (
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyVolumeTransform(t *testing.T) {
	assert.InDelta(t, 0.56, FromLegacyVolume(0.5), 1e-6)
	assert.InDelta(t, 0.5, ToLegacyVolume(0.56), 1e-6)
	assert.InDelta(t, 0.0, FromLegacyVolume(-1), 1e-6)
	assert.InDelta(t, 1.0, FromLegacyVolume(1), 1e-6)

	for _, v := range []float32{0.1, 0.3, 0.5, 0.7, 0.95} {
		assert.InDelta(t, v, ToLegacyVolume(FromLegacyVolume(v)), 1e-5, "v=%v", v)
	}
}

func TestVolumeStore_LoadSave(t *testing.T) {
	fs := afero.NewMemMapFs()
	id := domain.NewAgentID()
	require.NoError(t, afero.WriteFile(fs, "/user/volumes.yaml", []byte(id.String()+": 0.5\nnot-a-uuid: 0.2\n"), 0o600))

	s := NewVolumeStore(fs, "/user/volumes.yaml")
	require.NoError(t, s.Load())
	v, ok := s.SpeakerVolume(id)
	require.True(t, ok)
	assert.InDelta(t, 0.56, v, 1e-6)

	other := domain.NewAgentID()
	require.NoError(t, s.SetSpeakerVolume(other, 0.56))
	require.ErrorIs(t, s.SetSpeakerVolume(other, 1.5), ErrVolumeOutOfRange)
	require.NoError(t, s.Save())

	reloaded := NewVolumeStore(fs, "/user/volumes.yaml")
	require.NoError(t, reloaded.Load())
	v, ok = reloaded.SpeakerVolume(other)
	require.True(t, ok)
	assert.InDelta(t, 0.56, v, 1e-5)

	reloaded.RemoveSpeakerVolume(other)
	_, ok = reloaded.SpeakerVolume(other)
	assert.False(t, ok)
}

func TestVolumeStore_MissingFile(t *testing.T) {
	s := NewVolumeStore(afero.NewMemMapFs(), "nope.yaml")
	assert.NoError(t, s.Load())
	_, ok := s.SpeakerVolume(domain.NewAgentID())
	assert.False(t, ok)
}

func TestSimplePolicy(t *testing.T) {
	p := SimplePolicy{MaxMisses: 2}
	assert.Equal(t, DropFrame, p.OnBackPressure("c", 1))
	assert.Equal(t, DropFrame, p.OnBackPressure("c", 2))
	assert.Equal(t, DisconnectClient, p.OnBackPressure("c", 3))
}

type friendCounter struct{ n int }

func (c *friendCounter) OnFriendsChanged() { c.n++ }

func TestRegistry_RemoveObserver(t *testing.T) {
	h := newHarness(t, Options{})
	fc := &friendCounter{}
	id := h.f.Observers.AddFriendObserver(fc)

	h.f.FriendsChanged()
	h.f.Tick(time.Now())
	assert.Equal(t, 1, fc.n)

	h.f.Observers.Remove(id)
	h.f.FriendsChanged()
	h.f.Tick(time.Now())
	assert.Equal(t, 1, fc.n)
}

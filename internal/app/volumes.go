package app

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var ErrVolumeOutOfRange = errors.New("volume out of range")

// The stored file keeps the old two-square-curve characteristic; the knee
// sits at 0.5 on disk and 0.56 in memory.
const legacyKnee = 0.56

func FromLegacyVolume(v float32) float32 {
	x := clamp01(float64(v))
	if x <= 0.5 {
		return float32(x * x * 4 * legacyKnee)
	}
	return float32((1-legacyKnee)*(4*x*x-1)/3 + legacyKnee)
}

func ToLegacyVolume(v float32) float32 {
	x := clamp01(float64(v))
	if x <= legacyKnee {
		return float32(math.Sqrt(x / (4 * legacyKnee)))
	}
	return float32(math.Sqrt((3*(x-legacyKnee)/(1-legacyKnee) + 1) / 4))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

// VolumeStore is the per-speaker volume map, loaded at startup and saved
// at shutdown.
type VolumeStore struct {
	mu   sync.RWMutex
	fs   afero.Fs
	path string
	data map[domain.AgentID]float32
}

func NewVolumeStore(fs afero.Fs, path string) *VolumeStore {
	return &VolumeStore{fs: fs, path: path, data: make(map[domain.AgentID]float32)}
}

// Load reads the file; a missing file is an empty store.
func (s *VolumeStore) Load() error {
	raw, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read volume file: %w", err)
	}
	var stored map[string]float32
	if err := yaml.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("parse volume file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range stored {
		id, err := domain.ParseAgentID(k)
		if err != nil {
			log.Warn().Str("module", "app.volumes").Str("key", k).Msg("skip bad speaker id")
			continue
		}
		s.data[id] = FromLegacyVolume(v)
	}
	log.Info().Str("module", "app.volumes").Str("file", s.path).Int("count", len(s.data)).Msg("loaded speaker volumes")
	return nil
}

func (s *VolumeStore) Save() error {
	s.mu.RLock()
	out := make(map[string]float32, len(s.data))
	for id, v := range s.data {
		out[id.String()] = ToLegacyVolume(v)
	}
	s.mu.RUnlock()

	raw, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode volume file: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create volume dir: %w", err)
		}
	}
	if err := afero.WriteFile(s.fs, s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write volume file: %w", err)
	}
	log.Info().Str("module", "app.volumes").Str("file", s.path).Int("count", len(out)).Msg("saved speaker volumes")
	return nil
}

func (s *VolumeStore) SpeakerVolume(id domain.AgentID) (float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[id]
	return v, ok
}

func (s *VolumeStore) SetSpeakerVolume(id domain.AgentID, volume float32) error {
	if volume < domain.VolumeMin || volume > domain.VolumeMax {
		log.Warn().Str("module", "app.volumes").Str("id", id.String()).Float32("volume", volume).Msg("attempted to store out of range volume")
		return ErrVolumeOutOfRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = volume
	return nil
}

func (s *VolumeStore) RemoveSpeakerVolume(id domain.AgentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
}

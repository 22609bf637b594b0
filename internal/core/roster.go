package core

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Entry is a roster record: the participant plus transport bookkeeping.
type Entry struct {
	domain.Participant

	// VolumeDirty means a volume/mute command must be sent to the transport.
	VolumeDirty bool
	// NameResolved is set once display-name lookup finished or was skipped.
	NameResolved bool

	regions map[domain.RegionID]struct{}
}

// Regions reports the regions this participant is currently reachable through.
func (e *Entry) Regions() []domain.RegionID {
	out := lo.Keys(e.regions)
	slices.Sort(out)
	return out
}

// Roster is keyed by stable identity; transport-local handles are only a
// secondary index. Mutated on the owner goroutine; readers get copies.
type Roster struct {
	mu       sync.RWMutex
	byID     map[domain.AgentID]*Entry
	byHandle map[string]domain.AgentID
	changed  bool
}

func NewRoster() *Roster {
	return &Roster{
		byID:     make(map[domain.AgentID]*Entry),
		byHandle: make(map[string]domain.AgentID),
	}
}

// Add inserts id if missing. The returned bool is true for a new entry.
func (r *Roster) Add(id domain.AgentID, handle string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		if handle != "" && e.Handle != handle {
			delete(r.byHandle, e.Handle)
			e.Handle = handle
			r.byHandle[handle] = id
		}
		return e, false
	}
	e := &Entry{
		Participant: domain.Participant{
			ID:       id,
			Handle:   handle,
			Volume:   domain.VolumeDefault,
			IsAvatar: true,
		},
		regions: make(map[domain.RegionID]struct{}),
	}
	r.byID[id] = e
	if handle != "" {
		r.byHandle[handle] = id
	}
	r.changed = true
	log.Debug().Str("module", "core.roster").Str("id", string(id)).Str("handle", handle).Msg("participant added")
	return e, true
}

func (r *Roster) Remove(id domain.AgentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	if e.Handle != "" {
		delete(r.byHandle, e.Handle)
	}
	delete(r.byID, id)
	r.changed = true
	log.Debug().Str("module", "core.roster").Str("id", string(id)).Msg("participant removed")
	return true
}

func (r *Roster) RemoveByHandle(handle string) (domain.AgentID, bool) {
	r.mu.RLock()
	id, ok := r.byHandle[handle]
	r.mu.RUnlock()
	if !ok {
		return domain.NilAgent, false
	}
	return id, r.Remove(id)
}

func (r *Roster) Get(id domain.AgentID) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *Roster) ByHandle(handle string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byHandle[handle]; ok {
		return r.byID[id]
	}
	return nil
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byID) > 0 {
		r.changed = true
	}
	clear(r.byID)
	clear(r.byHandle)
}

// SetLevel applies an audio-level event. It never touches Volume.
func (r *Roster) SetLevel(id domain.AgentID, power float32, speaking bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	if e.Power != power || e.IsSpeaking != speaking {
		e.Power = power
		e.IsSpeaking = speaking
		r.changed = true
	}
	return true
}

func (r *Roster) SetModeratorMuted(id domain.AgentID, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	if e.IsModeratorMute != muted {
		e.IsModeratorMute = muted
		r.changed = true
	}
	return true
}

// SetUserVolume is the explicit user action path.
func (r *Roster) SetUserVolume(id domain.AgentID, volume float32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	v := domain.ClampVolume(volume)
	if e.Volume != v {
		e.Volume = v
		e.VolumeDirty = true
		r.changed = true
	}
	return true
}

// SetOnMuteList is the block-list path. Returns true when the flag flipped.
func (r *Roster) SetOnMuteList(id domain.AgentID, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || e.OnMuteList == muted {
		return false
	}
	e.OnMuteList = muted
	e.VolumeDirty = true
	r.changed = true
	return true
}

func (r *Roster) SetDisplayName(id domain.AgentID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	e.NameResolved = true
	if e.DisplayName != name {
		e.DisplayName = name
		r.changed = true
	}
	return true
}

func (r *Roster) AddRegion(id domain.AgentID, region domain.RegionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.regions[region] = struct{}{}
	}
}

// RemoveRegion drops one region-scoped presence and returns how many remain.
func (r *Roster) RemoveRegion(id domain.AgentID, region domain.RegionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return 0
	}
	delete(e.regions, region)
	return len(e.regions)
}

// DropRegion forgets region for every entry and removes the entries it was
// the last presence of. Entries never tied to a region are kept.
func (r *Roster) DropRegion(region domain.RegionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.byID {
		if _, ok := e.regions[region]; !ok {
			continue
		}
		delete(e.regions, region)
		if len(e.regions) > 0 {
			continue
		}
		if e.Handle != "" {
			delete(r.byHandle, e.Handle)
		}
		delete(r.byID, id)
		removed++
	}
	if removed > 0 {
		r.changed = true
		log.Debug().Str("module", "core.roster").Str("region", string(region)).Int("removed", removed).Msg("region dropped")
	}
	return removed
}

// Dirty returns entries with pending volume/mute commands and clears the flag.
func (r *Roster) Dirty() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Participant
	for _, e := range r.byID {
		if e.VolumeDirty {
			out = append(out, e.Participant)
			e.VolumeDirty = false
		}
	}
	return out
}

// IDs lists identities currently in the roster.
func (r *Roster) IDs() []domain.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byID)
}

// Snapshot is a read-only copy ordered by display name, then id.
func (r *Roster) Snapshot() []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.Participant)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Participant) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

// TakeChanged reports whether the roster changed since the last call.
func (r *Roster) TakeChanged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.changed
	r.changed = false
	return c
}

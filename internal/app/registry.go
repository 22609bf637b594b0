package app

import (
	"slices"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type ObserverID uint64

// Registry keeps the three observer sets. Observers are called on the owner
// goroutine in registration order.
type Registry struct {
	mu           sync.RWMutex
	next         ObserverID
	status       map[ObserverID]core.StatusObserver
	participants map[ObserverID]core.ParticipantObserver
	friends      map[ObserverID]core.FriendObserver
}

func NewRegistry() *Registry {
	return &Registry{
		status:       make(map[ObserverID]core.StatusObserver),
		participants: make(map[ObserverID]core.ParticipantObserver),
		friends:      make(map[ObserverID]core.FriendObserver),
	}
}

func (r *Registry) AddStatusObserver(o core.StatusObserver) ObserverID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.status[r.next] = o
	log.Debug().Str("module", "app.registry").Uint64("observer", uint64(r.next)).Msg("added status observer")
	return r.next
}

func (r *Registry) AddParticipantObserver(o core.ParticipantObserver) ObserverID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.participants[r.next] = o
	log.Debug().Str("module", "app.registry").Uint64("observer", uint64(r.next)).Msg("added participant observer")
	return r.next
}

func (r *Registry) AddFriendObserver(o core.FriendObserver) ObserverID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.friends[r.next] = o
	return r.next
}

// Remove drops id from whichever set holds it.
func (r *Registry) Remove(id ObserverID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.status, id)
	delete(r.participants, id)
	delete(r.friends, id)
	log.Debug().Str("module", "app.registry").Uint64("observer", uint64(id)).Msg("removed observer")
}

func ordered[T any](m map[ObserverID]T) []T {
	ids := lo.Keys(m)
	slices.Sort(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// Observers are copied out under the lock; callbacks may re-enter the registry.

func (r *Registry) notifyStatus(change domain.StatusChange) {
	r.mu.RLock()
	obs := ordered(r.status)
	r.mu.RUnlock()
	for _, o := range obs {
		o.OnStatusChange(change)
	}
}

func (r *Registry) notifyParticipants() {
	r.mu.RLock()
	obs := ordered(r.participants)
	r.mu.RUnlock()
	for _, o := range obs {
		o.OnParticipantsChanged()
	}
}

func (r *Registry) notifyFriends() {
	r.mu.RLock()
	obs := ordered(r.friends)
	r.mu.RUnlock()
	for _, o := range obs {
		o.OnFriendsChanged()
	}
}

package core

import "github.com/dkeye/VoiceClient/internal/domain"

// Notifier is implemented by the facade. Transports report through it;
// the facade batches and delivers to observers after each tick.
type Notifier interface {
	NotifyStatus(change domain.StatusChange)
	NotifyParticipantsChanged()
	// NotifyTransportFailed is raised once a transport gives up for good.
	NotifyTransportFailed(server domain.ServerType, err error)
}

type StatusObserver interface {
	OnStatusChange(change domain.StatusChange)
}

type ParticipantObserver interface {
	OnParticipantsChanged()
}

type FriendObserver interface {
	OnFriendsChanged()
}

// NopNotifier drops everything.
type NopNotifier struct{}

func (NopNotifier) NotifyStatus(domain.StatusChange)               {}
func (NopNotifier) NotifyParticipantsChanged()                     {}
func (NopNotifier) NotifyTransportFailed(domain.ServerType, error) {}

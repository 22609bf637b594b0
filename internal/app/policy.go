package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	DisconnectClient
)

// Policy decides what happens to an event-stream client whose send buffer
// is full. misses counts consecutive drops for that client.
type Policy interface {
	OnBackPressure(client string, misses int) BackpressureAction
}

// SimplePolicy drops frames for a slow client and disconnects it after
// MaxMisses consecutive drops. Zero MaxMisses disconnects at once.
type SimplePolicy struct {
	MaxMisses int
}

func (p SimplePolicy) OnBackPressure(_ string, misses int) BackpressureAction {
	if misses > p.MaxMisses {
		return DisconnectClient
	}
	return DropFrame
}

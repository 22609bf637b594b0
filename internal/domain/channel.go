package domain

type ChannelKind int

const (
	ChannelSpatial ChannelKind = iota
	ChannelGroup
	ChannelP2P
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelSpatial:
		return "spatial"
	case ChannelGroup:
		return "group"
	case ChannelP2P:
		return "p2p"
	default:
		return "unknown"
	}
}

// Channel is what the region layer hands over when a join is requested.
type Channel struct {
	URI         string
	Credentials string
	Kind        ChannelKind
}

func (c Channel) IsSpatial() bool { return c.Kind == ChannelSpatial }

// ServerType names a voice backend as reported by the region.
type ServerType string

const (
	ServerLegacy ServerType = "vivox"
	ServerWebRTC ServerType = "webrtc"
)

// NormalizeServerType maps the raw simulator feature value to a known type.
// An empty value means the legacy backend.
func NormalizeServerType(raw string) ServerType {
	switch ServerType(raw) {
	case "", ServerLegacy:
		return ServerLegacy
	case ServerWebRTC:
		return ServerWebRTC
	default:
		return ServerType(raw)
	}
}

type RegionID string

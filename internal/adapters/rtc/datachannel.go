package rtc

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/samber/lo"
)

// maxWirePower is the full-scale value of the "p" field.
const maxWirePower = 128

type joinInfo struct {
	Primary bool `json:"p"`
}

// peerUpdate is one participant's entry in an incoming data channel message.
type peerUpdate struct {
	Power    *int      `json:"p,omitempty"`
	Speaking *bool     `json:"v,omitempty"`
	Join     *joinInfo `json:"j,omitempty"`
	Left     bool      `json:"l,omitempty"`
}

type agentUpdate struct {
	ID     domain.AgentID
	Update peerUpdate
}

// decodeUpdates parses `{<agent-id>: {...}}`. Unknown keys are skipped;
// the result is ordered by id.
func decodeUpdates(data []byte) ([]agentUpdate, error) {
	raw := map[string]peerUpdate{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("data channel message: %w", err)
	}
	keys := lo.Keys(raw)
	slices.Sort(keys)
	out := make([]agentUpdate, 0, len(keys))
	for _, k := range keys {
		id, err := domain.ParseAgentID(k)
		if err != nil {
			continue
		}
		out = append(out, agentUpdate{ID: id, Update: raw[k]})
	}
	return out, nil
}

func (u peerUpdate) power() float32 {
	if u.Power == nil {
		return 0
	}
	return float32(lo.Clamp(*u.Power, 0, maxWirePower)) / maxWirePower
}

func joinMessage(primary bool) []byte {
	b, _ := json.Marshal(map[string]joinInfo{"j": {Primary: primary}})
	return b
}

type wireVec struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

type wireQuat struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
	W int `json:"w"`
}

type positionWire struct {
	SpeakerPos     wireVec  `json:"sp"`
	SpeakerHeading wireQuat `json:"sh"`
	ListenerPos    wireVec  `json:"lp"`
	ListenerHead   wireQuat `json:"lh"`
}

func centi(v float64) int { return int(math.Round(v * 100)) }

func toWireVec(v domain.Vec3) wireVec {
	return wireVec{X: centi(v.X), Y: centi(v.Y), Z: centi(v.Z)}
}

func toWireQuat(q domain.Quat) wireQuat {
	return wireQuat{X: centi(q.X), Y: centi(q.Y), Z: centi(q.Z), W: centi(q.W)}
}

func positionMessage(snap domain.PositionSnapshot) []byte {
	b, _ := json.Marshal(positionWire{
		SpeakerPos:     toWireVec(snap.Avatar.Position),
		SpeakerHeading: toWireQuat(snap.Avatar.Rotation),
		ListenerPos:    toWireVec(snap.Ear.Position),
		ListenerHead:   toWireQuat(snap.Ear.Rotation),
	})
	return b
}

func muteMessage(mutes map[domain.AgentID]bool) []byte {
	b, _ := json.Marshal(map[string]map[domain.AgentID]bool{"m": mutes})
	return b
}

// gainMessage scales user volume onto the wire range, 0.5 -> 100.
func gainMessage(gains map[domain.AgentID]float32) []byte {
	ug := lo.MapValues(gains, func(v float32, _ domain.AgentID) int {
		return int(math.Round(float64(domain.ClampVolume(v)) * 200))
	})
	b, _ := json.Marshal(map[string]map[domain.AgentID]int{"ug": ug})
	return b
}

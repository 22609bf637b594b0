package legacy

import (
	"encoding/base64"
	"strings"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/google/uuid"
)

// Account names are "x" followed by the url-safe base64 of the agent uuid.

func AccountName(id domain.AgentID) string {
	u := id.UUID()
	return "x" + base64.URLEncoding.EncodeToString(u[:])
}

func ParticipantURI(id domain.AgentID, host string) string {
	return "sip:" + AccountName(id) + "@" + host
}

// AgentFromURI maps a participant URI back to an identity. ok is false
// when the URI does not encode one; the identity is then synthesized.
func AgentFromURI(uri string) (domain.AgentID, bool) {
	name := strings.TrimPrefix(uri, "sip:")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if !strings.HasPrefix(name, "x") {
		return domain.SynthesizedAgentID(uri), false
	}
	enc := strings.TrimRight(name[1:], "=")
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(raw) != 16 {
		return domain.SynthesizedAgentID(uri), false
	}
	u, err := uuid.FromBytes(raw)
	if err != nil {
		return domain.SynthesizedAgentID(uri), false
	}
	return domain.AgentID(u.String()), true
}

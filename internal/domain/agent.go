// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrAgentIDEmpty   = errors.New("agent id empty")
	ErrAgentIDInvalid = errors.New("agent id invalid")
)

// AgentID is the stable identity of a resident, kept in canonical uuid form.
type AgentID string

const NilAgent AgentID = ""

func ParseAgentID(s string) (AgentID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NilAgent, ErrAgentIDEmpty
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return NilAgent, ErrAgentIDInvalid
	}
	return AgentID(u.String()), nil
}

// NewAgentID is a tiny helper for tests and synthesized identities.
func NewAgentID() AgentID {
	return AgentID(uuid.NewString())
}

// SynthesizedAgentID derives a deterministic identity for a transport handle
// that does not encode one.
func SynthesizedAgentID(handle string) AgentID {
	return AgentID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(handle)).String())
}

func (id AgentID) IsNil() bool { return id == NilAgent }

func (id AgentID) UUID() uuid.UUID {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return uuid.Nil
	}
	return u
}

func (id AgentID) String() string { return string(id) }

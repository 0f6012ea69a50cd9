package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "1.0"

// Message types carried in Envelope.Type.
const (
	TypeHello           = "hello"
	TypeEntityUpdate    = "entity_update"
	TypeEntityDelta     = "entity_delta"
	TypeWorldUpdate     = "world_update"
	TypeClientInput     = "client_input"
	TypeWorldDelta      = "world_delta"
	TypeInterestArea    = "interest_area"
	TypeFullSyncRequest = "world_full_sync_request"
)

// Envelope is the logical wire frame. Data holds the binary codec output for
// Type; the receiver must already know Type to pick a decode path.
type Envelope struct {
	Type      string  `json:"type"`
	Data      []byte  `json:"data"`
	Timestamp float64 `json:"timestamp"`
	Sequence  uint32  `json:"sequence"`
}

// HelloMsg is the first text frame a client sends after connecting.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientID        string `json:"client_id"`
	EntityID        int32  `json:"entity_id"`
}

// WelcomeMsg answers HELLO with the server's view of the peer.
type WelcomeMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	PeerID          string  `json:"peer_id"`
	EntityID        int32   `json:"entity_id"`
	TickRateHz      int     `json:"tick_rate_hz"`
	InterestRadius  float32 `json:"interest_radius"`
}

const TypeWelcome = "welcome"

func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("envelope: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("envelope: missing type")
	}
	return env, nil
}

// KnownType reports whether t is a recognized payload type.
func KnownType(t string) bool {
	switch t {
	case TypeEntityUpdate, TypeEntityDelta, TypeWorldUpdate, TypeClientInput, TypeWorldDelta,
		TypeInterestArea, TypeFullSyncRequest:
		return true
	}
	return false
}

// Sequencer hands out per-connection sequence numbers.
type Sequencer struct {
	next uint32
}

func (s *Sequencer) Next() uint32 {
	n := s.next
	s.next++
	return n
}

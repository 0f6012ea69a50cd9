package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/sim/encoding"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, raw []byte) {
		t.Helper()
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", raw, err)
		}
	}

	envelopeSchema := compile("envelope.schema.json")
	helloSchema := compile("hello.schema.json")
	welcomeSchema := compile("welcome.schema.json")

	var seq protocol.Sequencer
	payloads := []protocol.Payload{
		protocol.EntityState{EntityID: 7, Position: protocol.Vec3{1, 2, 3}, Timestamp: 1000},
		protocol.EntityDelta{EntityState: protocol.EntityState{EntityID: 7, Timestamp: 1001}},
		protocol.WorldState{Blocks: []protocol.Block{{X: 1, Y: 2, Z: 3, Type: 4}}, Timestamp: 1000},
		protocol.ClientInput{EntityID: 7, Input: protocol.InputState{MoveX: 1, Timestamp: 1001}},
		protocol.WorldDelta{WorldState: protocol.WorldState{Timestamp: 1002}},
		protocol.InterestArea{ClientID: "c1", Radius: 50},
		protocol.FullSyncRequest{},
	}
	for _, p := range payloads {
		env, err := encoding.Wrap(p, 1000, seq.Next())
		if err != nil {
			t.Fatalf("wrap %s: %v", p.MessageType(), err)
		}
		raw, err := protocol.EncodeEnvelope(env)
		if err != nil {
			t.Fatalf("encode envelope: %v", err)
		}
		validate(envelopeSchema, raw)
	}

	hello, _ := json.Marshal(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientID:        "c1",
		EntityID:        7,
	})
	validate(helloSchema, hello)

	welcome, _ := json.Marshal(protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		PeerID:          "P1",
		EntityID:        7,
		TickRateHz:      20,
		InterestRadius:  50,
	})
	validate(welcomeSchema, welcome)
}

func TestDecodeEnvelope_RejectsMissingType(t *testing.T) {
	if _, err := protocol.DecodeEnvelope([]byte(`{"data":null,"timestamp":1,"sequence":0}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := protocol.DecodeEnvelope([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestSequencer_Monotonic(t *testing.T) {
	var s protocol.Sequencer
	for want := uint32(0); want < 5; want++ {
		if got := s.Next(); got != want {
			t.Fatalf("sequence: got %d want %d", got, want)
		}
	}
}

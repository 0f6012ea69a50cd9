package encoding

import (
	"fmt"

	"voxelsync.ai/internal/protocol"
)

// Encode renders a payload with the layout its message type selects.
func Encode(p protocol.Payload) ([]byte, error) {
	switch v := p.(type) {
	case protocol.EntityState:
		return EncodeEntityState(v), nil
	case protocol.EntityDelta:
		return EncodeEntityState(v.EntityState), nil
	case protocol.WorldState:
		return EncodeWorldState(v), nil
	case protocol.WorldDelta:
		return EncodeWorldState(v.WorldState), nil
	case protocol.ClientInput:
		return EncodeClientInput(v), nil
	case protocol.InterestArea:
		return EncodeInterestArea(v), nil
	case protocol.FullSyncRequest:
		return nil, nil
	case nil:
		return nil, fmt.Errorf("encode: nil payload")
	default:
		return nil, fmt.Errorf("encode: unsupported payload %T", p)
	}
}

// Decode turns envelope data into the payload variant for msgType.
func Decode(msgType string, data []byte) (protocol.Payload, error) {
	switch msgType {
	case protocol.TypeEntityUpdate:
		s, err := DecodeEntityState(data)
		if err != nil {
			return nil, err
		}
		return s, nil
	case protocol.TypeEntityDelta:
		d, err := DecodeEntityDeltaFields(data)
		if err != nil {
			return nil, err
		}
		return protocol.EntityDelta{EntityState: d}, nil
	case protocol.TypeWorldUpdate:
		ws, err := DecodeWorldState(data)
		if err != nil {
			return nil, err
		}
		return ws, nil
	case protocol.TypeWorldDelta:
		ws, err := DecodeWorldState(data)
		if err != nil {
			return nil, err
		}
		return protocol.WorldDelta{WorldState: ws}, nil
	case protocol.TypeClientInput:
		in, err := DecodeClientInput(data)
		if err != nil {
			return nil, err
		}
		return in, nil
	case protocol.TypeInterestArea:
		a, err := DecodeInterestArea(data)
		if err != nil {
			return nil, err
		}
		return a, nil
	case protocol.TypeFullSyncRequest:
		if len(data) != 0 {
			return nil, errSize("full sync request", 0, len(data))
		}
		return protocol.FullSyncRequest{}, nil
	default:
		return nil, &Error{Kind: "unknown message type " + msgType}
	}
}

// Wrap encodes p into an envelope stamped with ts and seq.
func Wrap(p protocol.Payload, ts float64, seq uint32) (protocol.Envelope, error) {
	data, err := Encode(p)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Envelope{Type: p.MessageType(), Data: data, Timestamp: ts, Sequence: seq}, nil
}

func Unwrap(env protocol.Envelope) (protocol.Payload, error) {
	return Decode(env.Type, env.Data)
}

package encoding

import (
	"math"

	"voxelsync.ai/internal/protocol"
)

func EncodeClientInput(in protocol.ClientInput) []byte {
	w := newWriter(ClientInputSize)
	w.i32(in.EntityID)
	w.f64(in.Input.Timestamp)
	w.f32(in.Input.MoveX)
	w.f32(in.Input.MoveY)
	w.f32(in.Input.MoveZ)
	if in.Input.Jump {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return w.buf
}

func DecodeClientInput(b []byte) (protocol.ClientInput, error) {
	if len(b) != ClientInputSize {
		return protocol.ClientInput{}, errSize("client input", ClientInputSize, len(b))
	}
	r := &reader{b: b}
	in := protocol.ClientInput{EntityID: r.i32()}
	in.Input.Timestamp = r.f64()
	in.Input.MoveX = r.f32()
	in.Input.MoveY = r.f32()
	in.Input.MoveZ = r.f32()
	switch r.u8() {
	case 0:
	case 1:
		in.Input.Jump = true
	default:
		return protocol.ClientInput{}, &Error{Kind: "client input: jump flag not 0/1"}
	}
	return in, nil
}

const interestFixedSize = 2 + 3*4 + 4

func EncodeInterestArea(a protocol.InterestArea) []byte {
	id := a.ClientID
	if len(id) > math.MaxUint16 {
		id = id[:math.MaxUint16]
	}
	w := newWriter(interestFixedSize + len(id))
	w.u16(uint16(len(id)))
	w.buf = append(w.buf, id...)
	w.vec3(a.Position)
	w.f32(a.Radius)
	return w.buf
}

func DecodeInterestArea(b []byte) (protocol.InterestArea, error) {
	if len(b) < interestFixedSize {
		return protocol.InterestArea{}, errSize("interest area", interestFixedSize, len(b))
	}
	r := &reader{b: b}
	n := int(r.u16())
	if want := interestFixedSize + n; len(b) != want {
		return protocol.InterestArea{}, errSize("interest area", want, len(b))
	}
	return protocol.InterestArea{
		ClientID: string(r.bytes(n)),
		Position: r.vec3(),
		Radius:   r.f32(),
	}, nil
}

// Package encoding implements the fixed-layout binary codec for entity,
// world and input payloads.
//
// Every field is big-endian. Layouts are not self-describing: callers pick
// the decoder from the envelope type.
//
//	EntityState  u32 id · f32×3 pos · f32×3 vel · f32×3 rot · f64 ts   (44 bytes)
//	EntityDelta  same layout, vectors hold current-previous             (44 bytes)
//	ClientInput  u32 id · f64 ts · f32 mx · f32 my · f32 mz · u8 jump   (21 bytes)
//	WorldState   f64 ts · u32 n · EntityState[n] · u32 m · {i32 x,y,z,type}[m]
//	InterestArea u16 len · id bytes · f32×3 pos · f32 radius
//
// Entity ids are int32 written as their u32 bit pattern so removal
// tombstones (negative ids) survive the trip.
package encoding

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	EntityStateSize = 4 + 3*4 + 3*4 + 3*4 + 8
	ClientInputSize = 4 + 8 + 3*4 + 1
	BlockSize       = 4 * 4

	worldHeaderSize = 8 + 4
)

var order = binary.BigEndian

// Error is returned for truncated, oversized or mistyped buffers. Decoders
// never return partially zeroed values alongside a nil error.
type Error struct {
	Kind string
	Want int
	Have int
}

func (e *Error) Error() string {
	if e.Want == 0 && e.Have == 0 {
		return fmt.Sprintf("codec: %s", e.Kind)
	}
	return fmt.Sprintf("codec: %s: want %d bytes, have %d", e.Kind, e.Want, e.Have)
}

func errSize(kind string, want, have int) error {
	return &Error{Kind: kind, Want: want, Have: have}
}

type writer struct {
	buf []byte
}

func newWriter(size int) *writer { return &writer{buf: make([]byte, 0, size)} }

func (w *writer) u8(v uint8)    { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)  { w.buf = order.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)  { w.buf = order.AppendUint32(w.buf, v) }
func (w *writer) i32(v int32)   { w.u32(uint32(v)) }
func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }
func (w *writer) f64(v float64) { w.buf = order.AppendUint64(w.buf, math.Float64bits(v)) }

func (w *writer) vec3(v [3]float32) {
	w.f32(v[0])
	w.f32(v[1])
	w.f32(v[2])
}

// reader consumes a buffer front to back; callers check lengths up front so
// reads never run past the end.
type reader struct {
	b   []byte
	off int
}

func (r *reader) remaining() int { return len(r.b) - r.off }

func (r *reader) u8() uint8 {
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := order.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := order.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) i32() int32   { return int32(r.u32()) }
func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) f64() float64 {
	v := math.Float64frombits(order.Uint64(r.b[r.off:]))
	r.off += 8
	return v
}

func (r *reader) vec3() [3]float32 {
	return [3]float32{r.f32(), r.f32(), r.f32()}
}

func (r *reader) bytes(n int) []byte {
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

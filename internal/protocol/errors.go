package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnknownType     = "E_UNKNOWN_TYPE"

	// Wire codec.
	ErrCodec = "E_CODEC"

	// State synchronization.
	ErrUnknownEntity  = "E_UNKNOWN_ENTITY"
	ErrStaleInput     = "E_STALE_INPUT"
	ErrClientNotFound = "E_CLIENT_NOT_FOUND"

	// Outbound queue overflow; the peer is resynced with a full world.
	ErrQueueFull = "E_QUEUE_FULL"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnknownType:     {},
	ErrCodec:           {},
	ErrUnknownEntity:   {},
	ErrStaleInput:      {},
	ErrClientNotFound:  {},
	ErrQueueFull:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

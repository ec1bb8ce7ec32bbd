// Package wire implements the binary framing used between collaborating
// peers: a single kind byte followed by an opaque payload.
package wire

import "fmt"

type Kind byte

const (
	// KindUpdate carries an incremental document delta.
	KindUpdate Kind = 1
	// KindSyncRequest asks peers for their full state. Empty payload.
	KindSyncRequest Kind = 2
	// KindSyncResponse carries a full document snapshot.
	KindSyncResponse Kind = 3
	// KindAwareness carries an awareness delta.
	KindAwareness Kind = 4
)

func (k Kind) Known() bool {
	return k >= KindUpdate && k <= KindAwareness
}

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindSyncRequest:
		return "sync-request"
	case KindSyncResponse:
		return "sync-response"
	case KindAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Encode prepends the kind byte to the payload.
func Encode(k Kind, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(k)
	copy(buf[1:], payload)
	return buf
}

// Decode splits a frame into its kind and payload. Zero-length frames
// return ok=false: idle or keepalive frames carry no content and are
// dropped rather than treated as errors.
func Decode(frame []byte) (Kind, []byte, bool) {
	if len(frame) == 0 {
		return 0, nil, false
	}
	return Kind(frame[0]), frame[1:], true
}

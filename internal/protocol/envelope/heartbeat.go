package envelope

import (
	"bytes"

	"github.com/tidwall/gjson"
)

const (
	// HeartbeatProbe is the literal liveness probe payload.
	HeartbeatProbe = "HEARTBEAT"
	// HeartbeatAckMarker is the type tag carried by the probe reply.
	HeartbeatAckMarker = "heartbeat_ack"
)

var heartbeatAck = []byte(`{"type":"heartbeat_ack"}`)

func EncodeHeartbeat() []byte {
	return []byte(HeartbeatProbe)
}

func EncodeHeartbeatAck() []byte {
	out := make([]byte, len(heartbeatAck))
	copy(out, heartbeatAck)
	return out
}

// IsHeartbeat reports whether data is a liveness probe.
func IsHeartbeat(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte(HeartbeatProbe))
}

// IsHeartbeatAck reports whether data is a probe reply. Only the top-level
// type field is consulted, never message text.
func IsHeartbeatAck(data []byte) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	return gjson.GetBytes(data, "type").String() == HeartbeatAckMarker
}

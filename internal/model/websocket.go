package model

// WebSocket message types
const (
	WSMessageTypeEvent     = "event"
	WSMessageTypeHeartbeat = "heartbeat"
	WSMessageTypeError     = "error"
)

// WSEventMessage wraps a job event for delivery over a progress stream.
type WSEventMessage struct {
	Type  string   `json:"type"`
	Event JobEvent `json:"event"`
}

// WSHeartbeatMessage keeps idle connections distinguishable from dead ones.
// LastSeq is the highest sequence number delivered so far, so a client can
// reconnect with it after a drop.
type WSHeartbeatMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	LastSeq int64  `json:"lastSeq"`
}

// WSErrorMessage reports a stream-level error before the connection closes.
type WSErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

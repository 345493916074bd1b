package ipc

import "encoding/json"

// Message type constants for the Controller's Unix-domain-socket IPC
// surface, per spec §6.
const (
	TypePing = "ping"
	TypePong = "pong"

	TypeStatusRequest  = "status_request"
	TypeStatusResponse = "status_response"

	TypeStopRequest = "stop_request"
	TypeStopAck     = "stop_ack"

	TypePauseRequest  = "pause_request"
	TypePauseAck      = "pause_ack"
	TypeResumeRequest = "resume_request"
	TypeResumeAck     = "resume_ack"
)

// MaxMessageSize is the maximum size of a JSON IPC message.
const MaxMessageSize = 1 * 1024 * 1024

// ProtocolVersion is the current IPC protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// StopRequest asks the controller to stop the running session.
type StopRequest struct {
	Force bool `json:"force"`
}

// PauseRequest asks the controller to pause the running session.
type PauseRequest struct{}

// ResumeRequest asks the controller to resume a paused session.
type ResumeRequest struct{}

// StatusResponse carries the status snapshot, per spec §4.7/§8.
type StatusResponse struct {
	State           string             `json:"state"`
	DropCounters    map[string]uint64  `json:"dropCounters"`
	CurrentFPS      float64            `json:"currentFps"`
	TargetFPS       float64            `json:"targetFps"`
	EncodeLatencyP50Ms float64         `json:"encodeLatencyP50Ms"`
	EncodeLatencyP95Ms float64         `json:"encodeLatencyP95Ms"`
	BitrateKbps     float64            `json:"bitrateKbps"`
	SinkErrors      map[string]string  `json:"sinkErrors"`
}

// Ack is a terminal acknowledgement for stop/pause/resume commands.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

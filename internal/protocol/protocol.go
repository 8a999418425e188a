// Package protocol defines the JSON wire messages exchanged between the
// coordinator and remote encoder agents over a single WebSocket connection.
//
// Every frame is an Envelope whose Type field discriminates the payload.
// Messages for one job are delivered in send order on one connection, but
// receivers must tolerate duplicates and late progress frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types sent by encoders.
const (
	TypeRegister    = "register"
	TypeHeartbeat   = "heartbeat"
	TypeJobAccepted = "job:accepted"
	TypeJobProgress = "job:progress"
	TypeJobComplete = "job:complete"
	TypeJobFailed   = "job:failed"
)

// Message types sent by the coordinator.
const (
	TypeRegistered     = "registered"
	TypePong           = "pong"
	TypeJobAssign      = "job:assign"
	TypeJobCancel      = "job:cancel"
	TypeServerShutdown = "server:shutdown"
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Register announces an encoder. Sent on every (re)connect; activeJobs
// carries the job ids already in flight so the coordinator reconciles its
// assignment records against them instead of double-assigning.
type Register struct {
	EncoderID     string   `json:"encoderId"`
	Hostname      string   `json:"hostname,omitempty"`
	Version       string   `json:"version,omitempty"`
	GPUDevice     string   `json:"gpuDevice,omitempty"`
	MaxConcurrent int      `json:"maxConcurrent"`
	CurrentJobs   int      `json:"currentJobs"`
	ActiveJobs    []string `json:"activeJobs,omitempty"`
}

// Registered acknowledges a successful registration.
type Registered struct {
	EncoderID         string `json:"encoderId"`
	HeartbeatInterval int    `json:"heartbeatInterval"`
}

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	EncoderID   string  `json:"encoderId"`
	CurrentJobs int     `json:"currentJobs"`
	State       string  `json:"state"`
	CPUUsage    float64 `json:"cpuUsage,omitempty"`
	MemoryUsage float64 `json:"memoryUsage,omitempty"`
}

// Pong answers a heartbeat.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// JobAssign hands one encode job to an encoder.
type JobAssign struct {
	JobID      string          `json:"jobId"`
	InputPath  string          `json:"inputPath"`
	OutputPath string          `json:"outputPath"`
	ProfileID  string          `json:"profileId,omitempty"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

// JobAccepted confirms an assignment was taken.
type JobAccepted struct {
	JobID     string `json:"jobId"`
	EncoderID string `json:"encoderId"`
}

// JobProgress carries advisory encode telemetry. Values are never used for
// correctness decisions beyond staleness detection.
type JobProgress struct {
	JobID       string  `json:"jobId"`
	Progress    float64 `json:"progress"`
	Frame       int64   `json:"frame,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
	Bitrate     float64 `json:"bitrate,omitempty"`
	TotalSize   int64   `json:"totalSize,omitempty"`
	ElapsedTime float64 `json:"elapsedTime,omitempty"`
	Speed       float64 `json:"speed,omitempty"`
	ETA         int64   `json:"eta,omitempty"`
}

// JobComplete reports a finished encode.
type JobComplete struct {
	JobID            string  `json:"jobId"`
	OutputPath       string  `json:"outputPath"`
	OutputSize       int64   `json:"outputSize,omitempty"`
	CompressionRatio float64 `json:"compressionRatio,omitempty"`
	Duration         float64 `json:"duration,omitempty"`
}

// JobFailed reports a failed or cancelled encode.
type JobFailed struct {
	JobID     string `json:"jobId"`
	Error     string `json:"error"`
	Retriable bool   `json:"retriable"`
}

// JobCancel asks an encoder to stop a job. The encoder answers with
// JobFailed{Retriable: false} or drops it silently if already complete.
type JobCancel struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// ServerShutdown tells encoders to disconnect and reconnect after the hinted
// delay instead of treating the close as an error.
type ServerShutdown struct {
	ReconnectDelay int `json:"reconnectDelay,omitempty"`
}

// Encode builds a wire frame from a typed payload.
func Encode(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode parses a wire frame into its envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// DecodePayload parses an envelope's payload into the provided struct.
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return nil
}

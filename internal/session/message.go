package session

import "encoding/json"

// envelope is the wire shape for every message exchanged over the control
// channel in both directions: a discriminant Type plus a Payload object
// specific to that type, per the protocol's "type" + "payload" contract.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound is the decoded payload of every worker-to-controller message.
// Fields not relevant to a given Type are left zero.
type Inbound struct {
	// register
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Concurrency int      `json:"concurrency"`
	Encoders    []string `json:"encoders"`
	Token       string   `json:"token"`

	// heartbeat
	ActiveJobs *int     `json:"activeJobs"`
	CPU        *float64 `json:"cpu"`
	MemUsed    *uint64  `json:"memUsed"`
	MemTotal   *uint64  `json:"memTotal"`

	// progress / complete
	JobID   string `json:"jobId"`
	AgentID string `json:"agentId"`
	Success bool   `json:"success"`
}

// RegisterPayload is the payload of a worker-to-controller "register" message.
type RegisterPayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Concurrency int      `json:"concurrency"`
	Encoders    []string `json:"encoders"`
	Token       string   `json:"token"`
}

// HeartbeatPayload is the payload of a worker-to-controller "heartbeat" message.
type HeartbeatPayload struct {
	ActiveJobs *int     `json:"activeJobs"`
	CPU        *float64 `json:"cpu"`
	MemUsed    *uint64  `json:"memUsed"`
	MemTotal   *uint64  `json:"memTotal"`
}

// ProgressPayload is the payload of a worker-to-controller "progress" message.
type ProgressPayload struct {
	JobID string            `json:"jobId"`
	Data  map[string]string `json:"data,omitempty"`
}

// CompletePayload is the payload of a worker-to-controller "complete" message.
type CompletePayload struct {
	JobID   string `json:"jobId"`
	AgentID string `json:"agentId"`
	Success bool   `json:"success"`
}

// LeasePayload is the body of a controller-to-worker "lease" message.
type LeasePayload struct {
	JobID      string   `json:"jobId"`
	InputURL   string   `json:"inputUrl"`
	OutputURL  string   `json:"outputUrl"`
	FFmpegArgs []string `json:"ffmpegArgs"`
	OutputExt  string   `json:"outputExt"`
	Threads    int      `json:"threads"`
}

// RegisteredPayload is the body of a controller-to-worker "registered" message.
type RegisteredPayload struct {
	ID string `json:"id"`
}

// MarshalEnvelope wraps payload in the {"type", "payload"} envelope every
// control-channel message uses, in either direction.
func MarshalEnvelope(msgType string, payload any) ([]byte, error) {
	return json.Marshal(envelope{Type: msgType, Payload: marshalRaw(payload)})
}

func marshalOutbound(msgType string, payload any) ([]byte, error) {
	return MarshalEnvelope(msgType, payload)
}

func marshalRaw(payload any) json.RawMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

func marshalError(message string) []byte {
	data, _ := json.Marshal(struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{Type: "error", Error: message})
	return data
}

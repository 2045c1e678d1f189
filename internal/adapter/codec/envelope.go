package codec

import (
	"encoding/json"
	"strings"
	"time"
)

// ProtocolVersion is the wire protocol version this codec speaks. Every
// envelope carries it explicitly; anything else is rejected at decode.
const ProtocolVersion = "1"

// Supported RPC methods.
const (
	MethodMessageSend = "message.send"
	MethodTaskStatus  = "task.status"
	MethodTaskCancel  = "task.cancel"
)

// PartKindText is the only message part kind the bridge understands.
const PartKindText = "text"

// Part is one segment of a message body.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// WireMessage is the message object inside a message.send envelope.
type WireMessage struct {
	MessageID string            `json:"messageId"`
	Role      string            `json:"role"`
	Parts     []Part            `json:"parts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Text concatenates the text of all parts. Routing predicates run over this.
func (m *WireMessage) Text() string {
	if m == nil {
		return ""
	}
	if len(m.Parts) == 1 {
		return m.Parts[0].Text
	}
	var b strings.Builder
	for i, p := range m.Parts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Params carries the method-specific parameters of an envelope. message.send
// uses Message and ContextID; task.status and task.cancel use TaskID.
type Params struct {
	Message   *WireMessage `json:"message,omitempty"`
	ContextID string       `json:"contextId,omitempty"`
	TaskID    string       `json:"taskId,omitempty"`
}

// Envelope is the versioned request frame exchanged with the bridge.
type Envelope struct {
	ProtocolVersion string `json:"protocolVersion"`
	Method          string `json:"method"`
	Params          Params `json:"params"`
	ID              string `json:"id,omitempty"`
}

// WireError is the error object carried by responses and failed-task frames.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the reply frame for an envelope. Exactly one of Result or
// Error is set.
type Response struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ID              string          `json:"id,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *WireError      `json:"error,omitempty"`
}

// EventFrame is one frame of a task's event stream. Progress frames carry
// Message; the single final frame carries Artifact (completed) or Error
// (failed) and has Final set.
type EventFrame struct {
	TaskID    string          `json:"taskId"`
	Seq       uint64          `json:"seq"`
	State     string          `json:"state"`
	Message   string          `json:"message,omitempty"`
	Artifact  json.RawMessage `json:"artifact,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
	Final     bool            `json:"final"`
	Timestamp time.Time       `json:"timestamp"`
}

package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsbridge/internal/domain"
)

func sendEnvelope() Envelope {
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		Method:          MethodMessageSend,
		Params: Params{
			Message: &WireMessage{
				MessageID: "msg-conv-1-001",
				Role:      "user",
				Parts:     []Part{{Kind: PartKindText, Text: "Check disk usage"}},
				Metadata:  map[string]string{"authToken": "tok-123"},
			},
			ContextID: "conv-1",
		},
		ID: "request-001",
	}
}

func TestRoundTripMessageSend(t *testing.T) {
	env := sendEnvelope()
	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestRoundTripTaskStatus(t *testing.T) {
	env := Envelope{
		ProtocolVersion: ProtocolVersion,
		Method:          MethodTaskStatus,
		Params:          Params{TaskID: "01HTASK"},
		ID:              "request-002",
	}
	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestRoundTripTaskCancel(t *testing.T) {
	env := Envelope{
		ProtocolVersion: ProtocolVersion,
		Method:          MethodTaskCancel,
		Params:          Params{TaskID: "01HTASK"},
	}
	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestRoundTripMultiPart(t *testing.T) {
	env := sendEnvelope()
	env.Params.Message.Parts = []Part{
		{Kind: PartKindText, Text: "Check disk usage"},
		{Kind: PartKindText, Text: "and memory too"},
	}
	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
	assert.Equal(t, "Check disk usage\nand memory too", decoded.Params.Message.Text())
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	env := sendEnvelope()
	env.ProtocolVersion = "2"
	data, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedVersion), "got %v", err)
}

func TestDecodeMissingVersion(t *testing.T) {
	_, err := Decode([]byte(`{"method":"task.status","params":{"taskId":"x"}}`))
	assert.True(t, errors.Is(err, domain.ErrUnsupportedVersion), "got %v", err)
}

func TestDecodeVersionCheckedBeforeStructure(t *testing.T) {
	// A wrong-version envelope with a broken body still reports the version
	// mismatch, not the missing fields.
	_, err := Decode([]byte(`{"protocolVersion":"9","method":"message.send","params":{}}`))
	assert.True(t, errors.Is(err, domain.ErrUnsupportedVersion), "got %v", err)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing method", func(e *Envelope) { e.Method = "" }},
		{"unsupported method", func(e *Envelope) { e.Method = "message/send" }},
		{"missing message", func(e *Envelope) { e.Params.Message = nil }},
		{"missing role", func(e *Envelope) { e.Params.Message.Role = "" }},
		{"missing messageId", func(e *Envelope) { e.Params.Message.MessageID = "" }},
		{"no parts", func(e *Envelope) { e.Params.Message.Parts = nil }},
		{"non-text part", func(e *Envelope) { e.Params.Message.Parts[0].Kind = "file" }},
		{"empty text", func(e *Envelope) { e.Params.Message.Parts[0].Text = "" }},
		{"missing contextId", func(e *Envelope) { e.Params.ContextID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := sendEnvelope()
			tt.mutate(&env)
			data, err := json.Marshal(env)
			require.NoError(t, err)

			_, err = Decode(data)
			assert.True(t, errors.Is(err, domain.ErrMalformedPayload), "got %v", err)
		})
	}
}

func TestDecodeStatusMissingTaskID(t *testing.T) {
	_, err := Decode([]byte(`{"protocolVersion":"1","method":"task.status","params":{}}`))
	assert.True(t, errors.Is(err, domain.ErrMalformedPayload), "got %v", err)
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"protocolVersion":`))
	assert.True(t, errors.Is(err, domain.ErrMalformedPayload), "got %v", err)
}

func TestEncodeRejectsInvalid(t *testing.T) {
	env := sendEnvelope()
	env.Params.ContextID = ""
	_, err := Encode(env)
	assert.True(t, errors.Is(err, domain.ErrMalformedPayload), "got %v", err)

	env = sendEnvelope()
	env.ProtocolVersion = ""
	_, err = Encode(env)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedVersion), "got %v", err)
}

func TestErrorResponseCarriesCode(t *testing.T) {
	resp := ErrorResponse("request-9", domain.ErrNoAgentAvailable)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(domain.CodeNoAgentAvailable), resp.Error.Code)
	assert.Equal(t, ProtocolVersion, resp.ProtocolVersion)
	assert.Nil(t, resp.Result)
}

func TestResultResponse(t *testing.T) {
	resp, err := ResultResponse("request-9", map[string]string{"taskId": "01H"})
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"taskId":"01H"}`, string(resp.Result))
}

func TestEventFrameOf(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	progress := domain.TaskEvent{
		TaskID: "01H", Seq: 2, State: domain.TaskWorking,
		Message: "scanning mounts", Timestamp: ts,
	}
	frame := EventFrameOf(progress)
	assert.Equal(t, "working", frame.State)
	assert.Equal(t, "scanning mounts", frame.Message)
	assert.Nil(t, frame.Error)
	assert.False(t, frame.Final)

	failed := domain.TaskEvent{
		TaskID: "01H", Seq: 3, State: domain.TaskFailed,
		Error: "task cancelled", ErrorCode: domain.CodeCancelled,
		Final: true, Timestamp: ts,
	}
	frame = EventFrameOf(failed)
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(domain.CodeCancelled), frame.Error.Code)
	assert.True(t, frame.Final)
}

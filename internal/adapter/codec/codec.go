// Package codec encodes and decodes the versioned JSON envelopes the bridge
// speaks. Both directions are pure: decoding inspects bytes and returns a
// value, it never touches task or registry state.
package codec

import (
	"encoding/json"
	"fmt"

	"opsbridge/internal/domain"
)

// Encode serializes an envelope after validating it, so an encoded envelope
// always decodes cleanly on the peer.
func Encode(env Envelope) ([]byte, error) {
	if env.ProtocolVersion != ProtocolVersion {
		return nil, domain.NewDomainError("Codec.Encode", domain.ErrUnsupportedVersion,
			fmt.Sprintf("got %q, speak %q", env.ProtocolVersion, ProtocolVersion))
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses and validates an envelope. Version is checked first: an
// envelope from a different protocol version is rejected before any field
// inspection. Structural failures return ErrMalformedPayload with a detail
// naming the first missing or invalid field.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, domain.NewDomainError("Codec.Decode", domain.ErrMalformedPayload, err.Error())
	}
	if env.ProtocolVersion != ProtocolVersion {
		return Envelope{}, domain.NewDomainError("Codec.Decode", domain.ErrUnsupportedVersion,
			fmt.Sprintf("got %q, speak %q", env.ProtocolVersion, ProtocolVersion))
	}
	if err := validateEnvelope(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// validateEnvelope enforces the structural invariants of each method.
func validateEnvelope(env Envelope) error {
	switch env.Method {
	case MethodMessageSend:
		msg := env.Params.Message
		if msg == nil {
			return malformed("missing params.message")
		}
		if msg.Role == "" {
			return malformed("missing message role")
		}
		if msg.MessageID == "" {
			return malformed("missing messageId")
		}
		if len(msg.Parts) == 0 {
			return malformed("message has no parts")
		}
		for i, p := range msg.Parts {
			if p.Kind != PartKindText {
				return malformed(fmt.Sprintf("part %d has unsupported kind %q", i, p.Kind))
			}
			if p.Text == "" {
				return malformed(fmt.Sprintf("part %d has empty text", i))
			}
		}
		if env.Params.ContextID == "" {
			return malformed("missing contextId")
		}
	case MethodTaskStatus, MethodTaskCancel:
		if env.Params.TaskID == "" {
			return malformed("missing taskId")
		}
	case "":
		return malformed("missing method")
	default:
		return malformed(fmt.Sprintf("unsupported method %q", env.Method))
	}
	return nil
}

func malformed(detail string) error {
	return domain.NewDomainError("Envelope.Validate", domain.ErrMalformedPayload, detail)
}

// ResultResponse builds a success response carrying result as JSON.
func ResultResponse(id string, result any) (Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Response{}, domain.WrapOp("Codec.ResultResponse", err)
	}
	return Response{ProtocolVersion: ProtocolVersion, ID: id, Result: data}, nil
}

// ErrorResponse builds an error response from a domain error. The wire code
// is the error's stable ErrorCode, so peers can branch without parsing text.
func ErrorResponse(id string, err error) Response {
	return Response{
		ProtocolVersion: ProtocolVersion,
		ID:              id,
		Error: &WireError{
			Code:    string(domain.ErrorCodeOf(err)),
			Message: err.Error(),
		},
	}
}

// EventFrameOf converts a task event to its wire form.
func EventFrameOf(ev domain.TaskEvent) EventFrame {
	frame := EventFrame{
		TaskID:    ev.TaskID,
		Seq:       ev.Seq,
		State:     string(ev.State),
		Message:   ev.Message,
		Artifact:  ev.Artifact,
		Final:     ev.Final,
		Timestamp: ev.Timestamp,
	}
	if ev.Error != "" || ev.ErrorCode != "" {
		frame.Error = &WireError{Code: string(ev.ErrorCode), Message: ev.Error}
	}
	return frame
}

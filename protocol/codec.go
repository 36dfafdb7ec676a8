package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// rawEnvelope is used to classify a decoded object as request, response, or
// notification without committing to a concrete type up front.
type rawEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  *string         `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsBatch reports whether the first non-whitespace byte of data is '[',
// per spec §4.2's extraction-helper requirement.
func IsBatch(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// ExtractMethod pulls the "method" field out of a single (non-batch) JSON
// object without deserializing the whole envelope, used by the router to
// make dispatch decisions cheaply.
func ExtractMethod(data []byte) (string, bool) {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", false
	}
	return probe.Method, probe.Method != ""
}

// Decode parses a single JSON-RPC payload (object or array) into a Message.
// It validates the "jsonrpc":"2.0" field on every element, matching the
// spec's -32700 ParseError semantics for a bad version tag.
func Decode(data []byte) (*Message, error) {
	if IsBatch(data) {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, &RPCError{Code: CodeParseError, Message: "invalid batch: " + err.Error()}
		}
		if len(raws) == 0 {
			return nil, &RPCError{Code: CodeInvalidRequest, Message: "empty batch"}
		}
		msgs := make([]*Message, 0, len(raws))
		for _, r := range raws {
			m, err := decodeOne(r)
			if err != nil {
				// A malformed element inside a batch still participates in
				// the response batch as an error entry; callers doing
				// best-effort batch processing should catch this per
				// element rather than aborting decode entirely. Decode
				// surfaces it here for the common "decode just one" path.
				msgs = append(msgs, &Message{Response: errorMessageFor(r, err)})
				continue
			}
			msgs = append(msgs, m)
		}
		return &Message{Batch: msgs}, nil
	}
	return decodeOne(data)
}

func errorMessageFor(raw json.RawMessage, err error) *Response {
	id := ID{}
	var probe struct {
		ID *ID `json:"id"`
	}
	if jsonErr := json.Unmarshal(raw, &probe); jsonErr == nil && probe.ID != nil {
		id = *probe.ID
	}
	if rpcErr, ok := err.(*RPCError); ok {
		return NewError(id, rpcErr.Code, rpcErr.Message, nil)
	}
	return NewError(id, CodeInvalidRequest, err.Error(), nil)
}

func decodeOne(data []byte) (*Message, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &RPCError{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if env.JSONRPC != Version {
		return nil, &RPCError{Code: CodeParseError, Message: fmt.Sprintf("unsupported jsonrpc version %q", env.JSONRPC)}
	}

	switch {
	case env.Result != nil || env.Error != nil:
		if env.ID == nil {
			return nil, &RPCError{Code: CodeInvalidRequest, Message: "response missing id"}
		}
		return &Message{Response: &Response{JSONRPC: Version, ID: *env.ID, Result: env.Result, Error: env.Error}}, nil
	case env.Method != nil && env.ID == nil:
		return &Message{Notification: &Notification{JSONRPC: Version, Method: *env.Method, Params: env.Params}}, nil
	case env.Method != nil && env.ID != nil:
		return &Message{Request: &Request{JSONRPC: Version, ID: *env.ID, Method: *env.Method, Params: env.Params}}, nil
	default:
		return nil, &RPCError{Code: CodeInvalidRequest, Message: "envelope has neither method nor result/error"}
	}
}

// Encode serializes a Message back to its wire form.
func Encode(m *Message) ([]byte, error) {
	switch {
	case m.Batch != nil:
		parts := make([]json.RawMessage, 0, len(m.Batch))
		for _, item := range m.Batch {
			raw, err := Encode(item)
			if err != nil {
				return nil, err
			}
			parts = append(parts, raw)
		}
		return json.Marshal(parts)
	case m.Request != nil:
		m.Request.JSONRPC = Version
		return json.Marshal(m.Request)
	case m.Response != nil:
		m.Response.JSONRPC = Version
		return json.Marshal(m.Response)
	case m.Notification != nil:
		m.Notification.JSONRPC = Version
		return json.Marshal(m.Notification)
	default:
		return nil, fmt.Errorf("protocol: empty message has nothing to encode")
	}
}

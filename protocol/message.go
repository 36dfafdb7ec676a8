// Package protocol implements the JSON-RPC 2.0 envelope and codec (C2):
// request/response/notification/batch framing, id correlation, and the
// standard plus custom error code ranges from spec §6-§7. The codec is pure
// (no I/O) and deterministic, per spec §4.2.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the fixed JSON-RPC version string every envelope carries.
const Version = "2.0"

// ID is either a string or an integer request identifier. The zero value
// represents "no id" (used by Notification).
type ID struct {
	str    string
	num    int64
	isStr  bool
	isNum  bool
	isNull bool
}

// NewStringID builds a string-valued ID.
func NewStringID(s string) ID { return ID{str: s, isStr: true} }

// NewIntID builds an integer-valued ID.
func NewIntID(n int64) ID { return ID{num: n, isNum: true} }

// IsZero reports whether the ID was never set (no id present on the wire).
func (id ID) IsZero() bool { return !id.isStr && !id.isNum && !id.isNull }

// String renders the ID for logging/correlation keys.
func (id ID) String() string {
	switch {
	case id.isStr:
		return id.str
	case id.isNum:
		return fmt.Sprintf("%d", id.num)
	case id.isNull:
		return "<null>"
	default:
		return "<none>"
	}
}

// Equal reports whether two IDs carry the same type and value.
func (id ID) Equal(other ID) bool {
	return id.str == other.str && id.num == other.num && id.isStr == other.isStr &&
		id.isNum == other.isNum && id.isNull == other.isNull
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.isStr:
		return json.Marshal(id.str)
	case id.isNum:
		return json.Marshal(id.num)
	case id.isNull:
		return []byte("null"), nil
	default:
		return []byte("null"), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ID{isNull: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID{str: s, isStr: true}
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{num: n, isNum: true}
		return nil
	}
	return fmt.Errorf("protocol: id must be a string or integer, got %s", data)
}

// Message is the discriminated envelope: exactly one of Request, Response,
// or Notification is non-nil, or Batch is non-nil for a batch payload.
type Message struct {
	Request      *Request
	Response     *Response
	Notification *Notification
	Batch        []*Message
}

// Request is a JSON-RPC request expecting a correlated Response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a JSON-RPC request with no id; it receives no response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries either Result or Error, never both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the wire shape of a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Custom mcpcore error codes in the reserved -32000..-32099 server range,
// one per §7 Kind that can reach the wire.
const (
	CodeTimeout               = -32000
	CodeUnavailable           = -32001
	CodeRateLimited           = -32002
	CodeAuthentication        = -32003
	CodeAuthorization         = -32004
	CodeCancelled             = -32005
	CodeHandler               = -32006
	CodeConfiguration         = -32007
	CodeExternalService       = -32008
	CodeDpopReplay            = -32099
	CodeDpopClockSkew         = -32098
	CodeDpopCryptographic     = -32097
	CodeDpopHTTPBindingFailed = -32096
	CodeDpopAccessTokenHash   = -32095
	CodeDpopPinningFailed     = -32094
)

// NewResult builds a successful Response for id with result marshaled to
// JSON.
func NewResult(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error Response for id.
func NewError(id ID, code int, message string, data any) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
}

// Package registry implements the handler registry (C4): tool, prompt, and
// resource descriptors keyed by name or compiled URI template, with
// idempotent-under-replace registration and load-balanced dispatch across
// multiple handlers sharing a name. Grounded on the teacher's resource
// description shape (daemon/services/mcp/server.go tool/resource wiring)
// generalized from Unraid-specific tools to the spec's generic descriptors.
package registry

import (
	"encoding/json"
	"time"
)

// Annotations are free-form hints attached to a Tool (title, read-only,
// destructive, idempotent, open-world — left as an opaque bag per spec,
// which does not fix its shape).
type Annotations map[string]any

// ToolHandler executes a tool call and returns a result to be serialized
// back to the caller.
type ToolHandler func(ctx HandlerContext, arguments json.RawMessage) (any, error)

// Tool is the descriptor + implementation for a callable operation.
type Tool struct {
	Name         string
	Title        string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Annotations  Annotations
	AllowedRoles []string
	Handler      ToolHandler
}

// PromptHandler renders a parameterized prompt into a message list.
type PromptHandler func(ctx HandlerContext, arguments map[string]string) (any, error)

// Prompt is the descriptor + implementation for a parameterized message
// template.
type Prompt struct {
	Name         string
	Title        string
	Description  string
	Arguments    json.RawMessage
	AllowedRoles []string
	Handler      PromptHandler
}

// ResourceHandler reads a resource addressed by uri, with any named
// captures extracted from a matched URI template.
type ResourceHandler func(ctx HandlerContext, uri string, captures map[string]string) (any, error)

// Resource is the descriptor + implementation for a URI-addressable
// content source. Exactly one of URI or URITemplate should be set.
type Resource struct {
	Name         string
	URI          string
	URITemplate  string
	MimeType     string
	Description  string
	Size         int64
	Priority     int // lower = higher priority when multiple templates match
	AllowedRoles []string
	Handler      ResourceHandler
}

// HandlerContext is threaded into every handler invocation; it intentionally
// mirrors the fields the router attaches to its per-request logger.
type HandlerContext struct {
	RequestID string
	SessionID string
	Roles     []string
}

// Metadata is attached to every registry entry, per spec §4.4.
type Metadata struct {
	Name          string
	Version       string
	Description   string
	Tags          []string
	CreatedAt     time.Time
	AllowedRoles  []string
	RateLimit     *RateLimit
	MetricsEnabled bool
	// Timeout overrides the router's registry-wide default per-handler
	// timeout when non-zero (spec §4.5 step 7).
	Timeout time.Duration
	// RequiredCapability names the negotiated capability feature that must
	// be enabled for this entry's method family to dispatch (spec §4.5
	// step 3): "tools", "prompts", or "resources".
	RequiredCapability string
}

// RateLimit configures a per-session-per-handler token bucket (spec §9
// pins the ambiguous bucket-replenishment scope to this granularity).
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// ConflictError is returned by TryRegister* when a name is already taken.
type ConflictError struct {
	Kind string
	Name string
}

func (e *ConflictError) Error() string {
	return "registry: " + e.Kind + " already registered: " + e.Name
}

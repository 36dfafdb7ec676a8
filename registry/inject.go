package registry

import "encoding/json"

// Typed is additive convenience recovered from original_source's
// injection.rs/helpers.rs dependency-injection sugar: it lets a handler be
// written against a concrete argument type instead of json.RawMessage,
// without changing the registration contract the spec fixes (the Tool
// struct and its Handler field are unchanged; Typed just builds a
// ToolHandler closure).
func Typed[Args any](fn func(ctx HandlerContext, args Args) (any, error)) ToolHandler {
	return func(ctx HandlerContext, raw json.RawMessage) (any, error) {
		var args Args
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
		}
		return fn(ctx, args)
	}
}

// TypedPrompt is Typed's analogue for prompt handlers whose arguments are
// always a string map on the wire (spec §3's Prompt.arguments schema), so it
// needs no generic argument type — it exists purely for symmetry with Typed
// and to give prompt handlers the same call-site shape as tool handlers.
func TypedPrompt(fn func(ctx HandlerContext, args map[string]string) (any, error)) PromptHandler {
	return fn
}

package router

import (
	"encoding/json"
	"fmt"

	"github.com/kbrennan/mcpcore/mcperrors"
)

// schemaLite is the structural subset of JSON Schema spec §4.5 step 6
// requires: type tags, required keys, nested properties, and
// additionalProperties=false enforcement. Anything beyond that (formats,
// numeric ranges, pattern) is out of scope.
type schemaLite struct {
	Type                 string                 `json:"type"`
	Required             []string               `json:"required"`
	Properties           map[string]schemaLite  `json:"properties"`
	AdditionalProperties *bool                  `json:"additionalProperties"`
	Items                *schemaLite            `json:"items"`
	Enum                 []json.RawMessage      `json:"enum"`
}

// ValidateParams checks raw against a JSON-Schema-lite document, returning a
// *mcperrors.Error of kind Validation carrying a JSON Pointer (RFC 6901) to
// the first offending field when validation fails.
func ValidateParams(rawSchema json.RawMessage, params json.RawMessage) error {
	if len(rawSchema) == 0 {
		return nil
	}
	var schema schemaLite
	if err := json.Unmarshal(rawSchema, &schema); err != nil {
		return mcperrors.Wrap(mcperrors.Internal, err, "parse input_schema")
	}

	var value any
	if len(params) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(params, &value); err != nil {
		return mcperrors.Wrap(mcperrors.Validation, err, "parse params")
	}

	if pointer, err := validateValue(schema, value, ""); err != nil {
		return mcperrors.New(mcperrors.Validation, fmt.Sprintf("%s at %s", err.Error(), pointer))
	}
	return nil
}

func validateValue(schema schemaLite, value any, pointer string) (string, error) {
	if schema.Type != "" {
		if !typeMatches(schema.Type, value) {
			return pointer, fmt.Errorf("expected type %q", schema.Type)
		}
	}

	if len(schema.Enum) > 0 {
		encoded, _ := json.Marshal(value)
		matched := false
		for _, candidate := range schema.Enum {
			if string(candidate) == string(encoded) {
				matched = true
				break
			}
		}
		if !matched {
			return pointer, fmt.Errorf("value not in enum")
		}
	}

	switch schema.Type {
	case "object", "":
		obj, ok := value.(map[string]any)
		if !ok {
			if schema.Type == "" {
				return "", nil
			}
			return pointer, fmt.Errorf("expected object")
		}
		for _, req := range schema.Required {
			if _, present := obj[req]; !present {
				return pointer + "/" + req, fmt.Errorf("missing required field %q", req)
			}
		}
		if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
			for key := range obj {
				if _, declared := schema.Properties[key]; !declared {
					return pointer + "/" + key, fmt.Errorf("additional property %q not allowed", key)
				}
			}
		}
		for key, sub := range schema.Properties {
			fieldValue, present := obj[key]
			if !present {
				continue
			}
			if p, err := validateValue(sub, fieldValue, pointer+"/"+key); err != nil {
				return p, err
			}
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return pointer, fmt.Errorf("expected array")
		}
		if schema.Items != nil {
			for i, item := range arr {
				if p, err := validateValue(*schema.Items, item, fmt.Sprintf("%s/%d", pointer, i)); err != nil {
					return p, err
				}
			}
		}
	}

	return "", nil
}

func typeMatches(t string, value any) bool {
	switch t {
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		n, ok := value.(float64)
		return ok && n == float64(int64(n))
	case "null":
		return value == nil
	default:
		return true
	}
}

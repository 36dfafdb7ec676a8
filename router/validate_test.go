package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbrennan/mcpcore/mcperrors"
)

const testSchema = `{
	"type": "object",
	"required": ["name"],
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string"},
		"count": {"type": "integer"}
	}
}`

func TestValidateParamsAcceptsValidPayload(t *testing.T) {
	err := ValidateParams(json.RawMessage(testSchema), json.RawMessage(`{"name":"x","count":3}`))
	assert.NoError(t, err)
}

func TestValidateParamsRejectsMissingRequired(t *testing.T) {
	err := ValidateParams(json.RawMessage(testSchema), json.RawMessage(`{"count":3}`))
	require.Error(t, err)
	me, ok := mcperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.Validation, me.Kind())
	assert.Contains(t, err.Error(), "/name")
}

func TestValidateParamsRejectsAdditionalProperty(t *testing.T) {
	err := ValidateParams(json.RawMessage(testSchema), json.RawMessage(`{"name":"x","extra":true}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/extra")
}

func TestValidateParamsRejectsWrongType(t *testing.T) {
	err := ValidateParams(json.RawMessage(testSchema), json.RawMessage(`{"name":"x","count":"nope"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/count")
}

func TestValidateParamsNoSchemaAlwaysPasses(t *testing.T) {
	err := ValidateParams(nil, json.RawMessage(`{"anything":true}`))
	assert.NoError(t, err)
}

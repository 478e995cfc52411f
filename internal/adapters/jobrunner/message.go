package jobrunner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lifebook/orchestrator/internal/domain/model"
	apperrors "github.com/lifebook/orchestrator/internal/errors"
)

// ErrMalformedMessage is matched by every message that does not carry a usable job id.
var ErrMalformedMessage = apperrors.Validation("malformed job message")

const messageSchemaURL = "job-message.json"

// messageSchema is the only accepted message shape. Extra properties are ignored.
const messageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["jobId"],
  "properties": {
    "jobId": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "workflowSlug": {"type": "string"}
  }
}`

var compiledMessageSchema = mustCompileMessageSchema()

func mustCompileMessageSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(messageSchemaURL, strings.NewReader(messageSchema)); err != nil {
		//nolint:forbidigo // embedded schema is a compile-time constant
		panic(fmt.Sprintf("add job message schema: %v", err))
	}
	schema, err := compiler.Compile(messageSchemaURL)
	if err != nil {
		//nolint:forbidigo // embedded schema is a compile-time constant
		panic(fmt.Sprintf("compile job message schema: %v", err))
	}
	return schema
}

// ParseMessage validates body against the job message schema and decodes it.
// The job id is returned exactly as sent.
func ParseMessage(body []byte) (model.JobMessage, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.JobMessage{}, fmt.Errorf("%w: invalid json: %w", ErrMalformedMessage, err)
	}
	if err := compiledMessageSchema.Validate(raw); err != nil {
		return model.JobMessage{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	var msg model.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return model.JobMessage{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return msg, nil
}

// EncodeMessage renders msg in the canonical wire shape.
func EncodeMessage(msg model.JobMessage) ([]byte, error) {
	if strings.TrimSpace(msg.JobID) == "" {
		return nil, apperrors.ValidationField("jobId", "job id is required")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode job message: %w", err)
	}
	return body, nil
}

package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// FrameSchema is the JSON schema every inbound frame must satisfy.
const FrameSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "identity"],
  "properties": {
    "type": {
      "type": "string",
      "enum": ["chat", "reset", "status", "subscribe", "unsubscribe", "cancel"]
    },
    "identity": {"type": "string", "minLength": 1, "maxLength": 256},
    "message": {"type": "string"},
    "requestId": {"type": "string", "maxLength": 128}
  },
  "oneOf": [
    {
      "properties": {
        "type": {"enum": ["chat"]},
        "message": {"type": "string", "minLength": 1}
      },
      "required": ["message"]
    },
    {
      "properties": {
        "type": {"enum": ["reset", "status", "subscribe", "unsubscribe", "cancel"]}
      }
    }
  ]
}`

// FrameValidator checks inbound frames against FrameSchema
type FrameValidator struct {
	schema *gojsonschema.Schema
}

// NewFrameValidator compiles FrameSchema
func NewFrameValidator() (*FrameValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(FrameSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile frame schema: %w", err)
	}
	return &FrameValidator{schema: schema}, nil
}

// Parse validates data and decodes it into a frame.
func (v *FrameValidator) Parse(data []byte) (InboundFrame, error) {
	var frame InboundFrame

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return frame, fmt.Errorf("malformed frame: %w", err)
	}

	if !result.Valid() {
		var errMsgs []string
		for _, desc := range result.Errors() {
			errMsgs = append(errMsgs, desc.String())
		}
		return frame, fmt.Errorf("invalid frame: %s", strings.Join(errMsgs, "; "))
	}

	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("malformed frame: %w", err)
	}
	return frame, nil
}

package transport

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"agent-webapp/internal/domain"
)

// chunkSchema is the wire shape of one stream chunk: exactly one of the
// three payloads.
const chunkSchema = `{
  "type": "object",
  "properties": {
    "textDelta": {"type": "string"},
    "annotations": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"enum": ["uri_citation", "file_citation", "file_path", "container_file_citation"]},
          "label": {"type": "string"},
          "url": {"type": "string"},
          "fileId": {"type": "string"},
          "quote": {"type": "string"},
          "textToReplace": {"type": "string"},
          "startIndex": {"type": "integer", "minimum": 0},
          "endIndex": {"type": "integer", "minimum": 0}
        }
      }
    },
    "mcpApprovalRequest": {
      "type": "object",
      "required": ["id", "toolName"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "toolName": {"type": "string"},
        "serverLabel": {"type": "string"},
        "arguments": {"type": "string"},
        "previousResponseId": {"type": "string"}
      }
    }
  },
  "oneOf": [
    {"required": ["textDelta"]},
    {"required": ["annotations"]},
    {"required": ["mcpApprovalRequest"]}
  ]
}`

// ChunkDecoder turns one SSE data payload into a StreamChunk. With a schema
// attached every payload is validated before it is decoded.
type ChunkDecoder struct {
	schema *jsonschema.Schema
}

// NewChunkDecoder returns a decoder. When validate is false only the
// single-payload invariant is checked.
func NewChunkDecoder(validate bool) (*ChunkDecoder, error) {
	if !validate {
		return &ChunkDecoder{}, nil
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(chunkSchema))
	if err != nil {
		return nil, fmt.Errorf("compile chunk schema: %w", err)
	}
	return &ChunkDecoder{schema: schema}, nil
}

// serverError is the payload of a backend-declared failure.
type serverError struct {
	Error json.RawMessage `json:"error"`
	// Status is optional; a missing status is treated as 500.
	Status int `json:"status"`
}

// Decode parses data. Any violation wraps domain.ErrMalformedChunk. A
// payload carrying an "error" member is returned as a *domain.StatusError.
func (d *ChunkDecoder) Decode(data []byte) (domain.StreamChunk, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.StreamChunk{}, domain.NewDomainError("ChunkDecoder.Decode", domain.ErrMalformedChunk, err.Error())
	}

	if _, ok := raw["error"]; ok {
		return domain.StreamChunk{}, declaredError(data)
	}

	// Serializers that emit absent payloads as null are accepted.
	for k, v := range raw {
		if v == nil {
			delete(raw, k)
		}
	}

	if d.schema != nil {
		result := d.schema.Validate(raw)
		if !result.IsValid() {
			return domain.StreamChunk{}, domain.NewDomainError("ChunkDecoder.Decode", domain.ErrMalformedChunk,
				fmt.Sprintf("schema: %s", result.Error()))
		}
	}

	var chunk domain.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return domain.StreamChunk{}, domain.NewDomainError("ChunkDecoder.Decode", domain.ErrMalformedChunk, err.Error())
	}
	if err := chunk.Validate(); err != nil {
		return domain.StreamChunk{}, err
	}
	return chunk, nil
}

func declaredError(data []byte) error {
	var se serverError
	_ = json.Unmarshal(data, &se)
	status := se.Status
	if status == 0 {
		status = 500
	}
	body := []byte(se.Error)
	if len(body) > 0 && body[0] == '"' {
		// {"error": "text"} keeps its outer object so the message is found.
		body = data
	}
	return statusError(status, body)
}

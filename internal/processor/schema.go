package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformedResponse 表示 OCR 服务返回的 JSON 不符合预期结构。
var ErrMalformedResponse = errors.New("malformed ocr response")

const mistralSchemaJSON = `{
  "type": "object",
  "required": ["pages"],
  "properties": {
    "pages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["markdown"],
        "properties": {
          "index": {"type": "integer"},
          "markdown": {"type": "string"}
        }
      }
    }
  }
}`

const ocrSpaceSchemaJSON = `{
  "type": "object",
  "required": ["IsErroredOnProcessing"],
  "properties": {
    "IsErroredOnProcessing": {"type": "boolean"},
    "ErrorMessage": {
      "anyOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}},
        {"type": "null"}
      ]
    },
    "ParsedResults": {
      "anyOf": [
        {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {"ParsedText": {"type": "string"}}
          }
        },
        {"type": "null"}
      ]
    }
  }
}`

var (
	mistralSchema  = mustCompileSchema("mistral.json", mistralSchemaJSON)
	ocrSpaceSchema = mustCompileSchema("ocrspace.json", ocrSpaceSchemaJSON)
)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader([]byte(src))); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return s
}

// validateEnvelope 校验响应体结构，失败时返回包装 ErrMalformedResponse 的错误。
func validateEnvelope(schema *jsonschema.Schema, body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

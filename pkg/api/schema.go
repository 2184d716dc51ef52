package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const anchorRequestSchemaURL = "https://certanchor.dev/schemas/anchor-request.schema.json"

// anchorRequestSchema describes POST /v1/anchors bodies.
const anchorRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["certificate_id", "subject_id", "credential_id", "issued_at"],
  "properties": {
    "certificate_id": {"type": "string", "minLength": 1, "maxLength": 256},
    "subject_id":     {"type": "string", "minLength": 1, "maxLength": 256},
    "credential_id":  {"type": "string", "minLength": 1, "maxLength": 256},
    "issued_at":      {"type": "string", "minLength": 1}
  }
}`

func compileSchema(url, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}

var anchorRequest = mustCompile(anchorRequestSchemaURL, anchorRequestSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	s, err := compileSchema(url, schema)
	if err != nil {
		panic(err)
	}
	return s
}

// validateBody checks raw JSON against schema and returns a client-safe
// description of the first problems found.
func validateBody(schema *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return errors.New("request body is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return errors.New(describe(verr))
		}
		return err
	}
	return nil
}

// describe flattens the leaf causes of a validation error.
func describe(verr *jsonschema.ValidationError) string {
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(leaves, "; ")
}

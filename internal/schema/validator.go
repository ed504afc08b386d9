// internal/schema/validator.go
// Package schema provides JSON schema validation for request bodies and
// transformation stream frames.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema names known to the validator.
const (
	ExchangeRequest = "auth.exchange.request"
	StreamFrame     = "transform.stream.frame"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("document failed schema validation")

var builtin = map[string]string{
	// POST /auth/exchange body.
	ExchangeRequest: `{
		"type": "object",
		"required": ["authorizationCode"],
		"properties": {
			"authorizationCode": {"type": "string", "minLength": 1, "maxLength": 4096}
		}
	}`,
	// One chat completion chunk. Only the shape the accumulator reads is pinned;
	// unknown fields pass through.
	StreamFrame: `{
		"type": "object",
		"required": ["choices"],
		"properties": {
			"choices": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"delta": {
							"type": "object",
							"properties": {
								"content": {"type": ["string", "null"]}
							}
						}
					}
				}
			}
		}
	}`,
}

// Validator validates documents against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles the built-in schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(builtin))}
	for name, src := range builtin {
		if err := v.loadSchema(name, src); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// loadSchema parses and compiles a JSON schema under name.
func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks the raw JSON document against the named schema.
func (v *Validator) Validate(name string, doc []byte) error {
	schema, exists := v.schemas[name]
	if !exists {
		return fmt.Errorf("schema not found: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		// Not parseable as JSON at all.
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Package jsonschema compiles JSON schemas once and validates message payloads against them.
package jsonschema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validator holds a compiled schema. It is safe for concurrent use.
type Validator struct {
	schema *gojsonschema.Schema
}

// Compile parses and compiles a schema document.
func Compile(schema string) (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks an already decoded JSON value.
func (v *Validator) Validate(doc any) error {
	return FormatErrors(v.schema.Validate(gojsonschema.NewGoLoader(doc)))
}

// ValidateBytes checks a JSON document.
func (v *Validator) ValidateBytes(doc []byte) error {
	return FormatErrors(v.schema.Validate(gojsonschema.NewBytesLoader(doc)))
}

// FormatErrors turns a validation result into a single error, or nil when valid.
func FormatErrors(result *gojsonschema.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaValidationSystem, err)
	}
	if result.Valid() {
		return nil
	}
	descs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descs = append(descs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrSchemaValidationFailed, strings.Join(descs, "; "))
}

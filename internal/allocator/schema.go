package allocator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

// schemaCache compiles each handler schema once and reuses it. Handler
// schemas are static for the process lifetime.
type schemaCache struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(orderType string, raw map[string]interface{}) (*jsonschema.Schema, error) {
	c.mu.RLock()
	sch, ok := c.compiled[orderType]
	c.mu.RUnlock()
	if ok {
		return sch, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode schema for type %s: %w", orderType, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	resource := fmt.Sprintf("foreman://schema/%s.json", orderType)
	if err := compiler.AddResource(resource, bytes.NewReader(encoded)); err != nil {
		return nil, fmt.Errorf("register schema for type %s: %w", orderType, err)
	}
	sch, err = compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema for type %s: %w", orderType, err)
	}

	c.mu.Lock()
	c.compiled[orderType] = sch
	c.mu.Unlock()
	return sch, nil
}

// validatePayload checks a proposal payload against the compiled schema and
// converts violations into a structured error listing every offending path.
func (c *schemaCache) validatePayload(orderType string, raw map[string]interface{}, payload model.JSONMap) error {
	sch, err := c.get(orderType, raw)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeSchemaViolation, "order type schema is invalid", 500)
	}

	// Round-trip through JSON so Go-native values (ints, typed slices)
	// normalise to what the validator expects.
	encoded, err := json.Marshal(map[string]interface{}(payload))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeSchemaViolation, "payload is not valid JSON", 400)
	}
	var decoded interface{}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return apperrors.Wrap(err, apperrors.CodeSchemaViolation, "payload is not valid JSON", 400)
	}

	if err := sch.Validate(decoded); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return apperrors.Wrap(err, apperrors.CodeSchemaViolation, "payload failed schema validation", 422)
		}
		return apperrors.Unprocessable(apperrors.CodeSchemaViolation, "payload failed schema validation").
			WithParams(map[string]interface{}{"type": orderType}).
			WithFieldErrors(collectViolations(ve))
	}
	return nil
}

// collectViolations flattens a validation error tree into its leaf causes.
func collectViolations(ve *jsonschema.ValidationError) []apperrors.FieldError {
	if len(ve.Causes) == 0 {
		path := ve.InstanceLocation
		if path == "" {
			path = "/"
		}
		return []apperrors.FieldError{{
			Path:    path,
			Code:    apperrors.CodeSchemaViolation,
			Message: ve.Message,
		}}
	}
	var out []apperrors.FieldError
	for _, cause := range ve.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

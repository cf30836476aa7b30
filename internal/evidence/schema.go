package evidence

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
)

//go:embed evidence.schema.json
var schemaJSON string

const schemaURL = "https://schemas.ql-cgov.local/evidence.schema.json"

// compileSchema compiles the embedded evidence schema.
func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("evidence schema load failed: %w", err)
	}
	return c.Compile(schemaURL)
}

// validateRaw checks raw evidence against the schema. Wrong types and out
// of range values are validation errors; absent fields are left to the
// completeness check.
func validateRaw(schema *jsonschema.Schema, raw []byte) error {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return apperrors.Validation("malformed_evidence", "evidence_data", "evidence is not valid JSON: %v", err)
	}

	err := schema.Validate(decoded)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	var messages []string
	collectValidationErrors(verr, &messages)
	if len(messages) == 0 {
		messages = append(messages, verr.Error())
	}
	return apperrors.Validation("schema_violation", "evidence_data", "%s", strings.Join(messages, "; "))
}

// collectValidationErrors gathers the leaf messages of a validation tree.
func collectValidationErrors(err *jsonschema.ValidationError, messages *[]string) {
	if len(err.Causes) == 0 {
		msg := err.Message
		if err.InstanceLocation != "" {
			msg = fmt.Sprintf("at %s: %s", err.InstanceLocation, msg)
		}
		*messages = append(*messages, msg)
		return
	}
	for _, cause := range err.Causes {
		collectValidationErrors(cause, messages)
	}
}

// Package validator provides JSON schema validation for build files.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates decoded build files.
type Validator struct {
	buildFileSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns nil for a valid result, otherwise one error listing every
// problem.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		path := e.Path
		if path == "" {
			path = "/"
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", path, e.Message))
	}
	if len(msgs) == 0 {
		return errors.New("invalid build file")
	}
	return fmt.Errorf("invalid build file: %s", strings.Join(msgs, "; "))
}

// New creates a new validator with the embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("buildfile.json", strings.NewReader(buildFileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add build file schema: %w", err)
	}

	schema, err := compiler.Compile("buildfile.json")
	if err != nil {
		return nil, fmt.Errorf("compile build file schema: %w", err)
	}

	return &Validator{buildFileSchema: schema}, nil
}

// ValidateBuildFile validates a build file decoded into JSON-compatible values.
func (v *Validator) ValidateBuildFile(doc interface{}) *ValidationResult {
	err := v.buildFileSchema.Validate(doc)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// ValidateBuildFileJSON validates a JSON-encoded build file.
func (v *Validator) ValidateBuildFileJSON(data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateBuildFile(doc)
}

// extractErrors flattens the leaf errors of a validation error tree.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		return []ValidationError{{Path: verr.InstanceLocation, Message: verr.Message}}
	}
	var out []ValidationError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}

const buildFileSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "buildfile.json",
  "title": "Build File",
  "description": "Schema for forge build files",
  "type": "object",
  "required": ["tasks"],
  "additionalProperties": false,
  "properties": {
    "settings": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "parallelism": {"type": "integer", "minimum": 0},
        "fail_fast": {"type": "boolean"},
        "fingerprint": {"type": "string", "enum": ["content", "xxhash", "timestamp"]},
        "state_store": {"type": "string", "enum": ["memory", "sqlite", "redis", "postgres", "s3"]},
        "resource_timeout": {"$ref": "#/$defs/duration"},
        "resource_retries": {"type": "integer", "minimum": 0},
        "resource_policy": {"type": "string", "enum": ["retry", "fail"]},
        "retry_backoff": {"$ref": "#/$defs/duration"}
      }
    },
    "tasks": {
      "type": "object",
      "propertyNames": {"$ref": "#/$defs/taskId"},
      "additionalProperties": {"$ref": "#/$defs/task"}
    }
  },
  "$defs": {
    "taskId": {
      "type": "string",
      "pattern": "^:?[A-Za-z0-9_.-]+(:[A-Za-z0-9_.-]+)*$"
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"
    },
    "paths": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "task": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "description": {"type": "string"},
        "command": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string"}
        },
        "run": {"type": "string", "minLength": 1},
        "copy": {
          "type": "object",
          "additionalProperties": false,
          "required": ["from", "to"],
          "properties": {
            "from": {"type": "string", "minLength": 1},
            "to": {"type": "string", "minLength": 1}
          }
        },
        "inputs": {"$ref": "#/$defs/paths"},
        "outputs": {"$ref": "#/$defs/paths"},
        "depends_on": {
          "type": "array",
          "items": {"$ref": "#/$defs/taskId"}
        },
        "resources": {
          "type": "array",
          "items": {"type": "string", "minLength": 1}
        },
        "env": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        },
        "dir": {"type": "string"},
        "always_run": {"type": "boolean"},
        "retries": {"type": "integer", "minimum": 0},
        "timeout": {"$ref": "#/$defs/duration"}
      },
      "not": {
        "anyOf": [
          {"required": ["command", "run"]},
          {"required": ["command", "copy"]},
          {"required": ["run", "copy"]}
        ]
      }
    }
  }
}`

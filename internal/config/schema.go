package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "orchestrator": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "project": {"type": "string"},
        "max_depth": {"type": "integer", "minimum": 0},
        "max_running": {"type": "integer", "minimum": 0},
        "capacity_policy": {"enum": ["", "fail", "block"]},
        "block_poll_millis": {"type": "integer", "minimum": 0},
        "grace_seconds": {"type": "number", "minimum": 0},
        "io_wait_seconds": {"type": "number", "minimum": 0},
        "output_max_bytes": {"type": "integer", "minimum": 0},
        "summary_max_chars": {"type": "integer", "minimum": 0},
        "timeout_warn_low": {"type": "number", "minimum": 0},
        "timeout_warn_high": {"type": "number", "minimum": 0},
        "stale_slack_seconds": {"type": "integer", "minimum": 0},
        "workspace_roots": {"type": ["array", "null"], "items": {"type": "string", "minLength": 1}},
        "default_agent": {"type": "string"}
      }
    },
    "agents": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "required": ["default_timeout_seconds", "max_timeout_seconds", "command"],
        "properties": {
          "description": {"type": "string"},
          "model_tier": {"type": "string"},
          "default_timeout_seconds": {"type": "integer", "minimum": 1},
          "max_timeout_seconds": {"type": "integer", "minimum": 1},
          "capabilities": {"type": ["array", "null"], "items": {"type": "string"}},
          "can_spawn_children": {"type": "boolean"},
          "cost_per_task_usd": {"type": "number", "minimum": 0},
          "keywords": {"type": ["array", "null"], "items": {"type": "string"}},
          "command": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "stdin": {"type": "boolean"},
          "env": {"type": ["object", "null"], "additionalProperties": {"type": "string"}}
        }
      }
    },
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "public_url": {"type": "string"},
        "token_ttl_minutes": {"type": "integer", "minimum": 0}
      }
    },
    "webhooks": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["url"],
        "properties": {
          "url": {"type": "string"},
          "events": {"type": ["array", "null"], "items": {"type": "string"}},
          "secret": {"type": "string"},
          "timeout_seconds": {"type": "integer", "minimum": 0},
          "enabled": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return compiledSchema, schemaErr
}

// SchemaError lists every schema violation found in a config document.
type SchemaError struct {
	Problems []string
}

func (e SchemaError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

func validateDocument(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid config yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
	}
	return SchemaError{Problems: problems}
}

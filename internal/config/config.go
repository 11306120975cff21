// Package config loads the run configuration file and validates it against
// an embedded JSON schema before any workspace-touching work starts.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"overseer/internal/driver"
)

// RunConfigFile is the on-disk YAML configuration for one supervised task.
type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	Task struct {
		ID          string `json:"id,omitempty" yaml:"id,omitempty"`
		Description string `json:"description" yaml:"description"`
		Prompt      string `json:"prompt" yaml:"prompt"`
		AgentKind   string `json:"agent_kind,omitempty" yaml:"agent_kind,omitempty"`
	} `json:"task" yaml:"task"`

	Workspace struct {
		Path string `json:"path" yaml:"path"`
	} `json:"workspace" yaml:"workspace"`

	Execution struct {
		Executable        string                               `json:"executable,omitempty" yaml:"executable,omitempty"`
		Model             string                               `json:"model,omitempty" yaml:"model,omitempty"`
		MaxTurns          int                                  `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
		PermissionMode    string                               `json:"permission_mode,omitempty" yaml:"permission_mode,omitempty"`
		ToolServers       map[string]driver.ToolServerConfig   `json:"tool_servers,omitempty" yaml:"tool_servers,omitempty"`
		Heartbeat         bool                                 `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
		HeartbeatInterval int                                  `json:"heartbeat_interval_ms,omitempty" yaml:"heartbeat_interval_ms,omitempty"`
	} `json:"execution" yaml:"execution"`

	Retry struct {
		MaxAttempts    int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
		InitialDelayMS int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
		BackoffFactor  float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
		MaxDelayMS     int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
		Jitter         *bool   `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	} `json:"retry,omitempty" yaml:"retry,omitempty"`

	Checkpoint struct {
		ExcludeGlobs []string `json:"exclude_globs,omitempty" yaml:"exclude_globs,omitempty"`
	} `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`

	Audit struct {
		Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	} `json:"audit,omitempty" yaml:"audit,omitempty"`
}

// runConfigSchema is the structural contract for RunConfigFile. Validation
// happens on the decoded document so YAML and JSON inputs are treated alike.
const runConfigSchema = `{
  "type": "object",
  "required": ["version", "task", "workspace"],
  "properties": {
    "version": {"type": "integer", "minimum": 1, "maximum": 1},
    "task": {
      "type": "object",
      "required": ["description", "prompt"],
      "properties": {
        "id": {"type": "string"},
        "description": {"type": "string", "minLength": 1},
        "prompt": {"type": "string", "minLength": 1},
        "agent_kind": {"type": "string"}
      }
    },
    "workspace": {
      "type": "object",
      "required": ["path"],
      "properties": {
        "path": {"type": "string", "minLength": 1}
      }
    },
    "execution": {
      "type": "object",
      "properties": {
        "executable": {"type": "string"},
        "model": {"type": "string"},
        "max_turns": {"type": "integer", "minimum": 0},
        "permission_mode": {"type": "string", "enum": ["default", "acceptEdits", "bypassPermissions", "plan"]},
        "tool_servers": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["command"],
            "properties": {
              "command": {"type": "string", "minLength": 1},
              "args": {"type": "array", "items": {"type": "string"}},
              "env": {"type": "object", "additionalProperties": {"type": "string"}}
            }
          }
        },
        "heartbeat": {"type": "boolean"},
        "heartbeat_interval_ms": {"type": "integer", "minimum": 0}
      }
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": {"type": "integer", "minimum": 1},
        "initial_delay_ms": {"type": "integer", "minimum": 0},
        "backoff_factor": {"type": "number", "exclusiveMinimum": 0},
        "max_delay_ms": {"type": "integer", "minimum": 0},
        "jitter": {"type": "boolean"}
      }
    },
    "checkpoint": {
      "type": "object",
      "properties": {
        "exclude_globs": {"type": "array", "items": {"type": "string"}}
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "dir": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("run_config.schema.json", runConfigSchema)

// LoadRunConfigFile reads, schema-validates, and decodes a YAML run config.
func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := compiledSchema.Validate(normalizeForSchema(doc)); err != nil {
		return nil, fmt.Errorf("invalid run config %s: %w", path, err)
	}

	var cfg RunConfigFile
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if strings.TrimSpace(cfg.Task.ID) == "" {
		cfg.Task.ID = slugify(cfg.Task.Description)
	}
	return &cfg, nil
}

// normalizeForSchema rewrites YAML-decoded values into the shapes the JSON
// schema validator expects (string-keyed maps, json-compatible numbers).
func normalizeForSchema(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeForSchema(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeForSchema(val)
		}
		return out
	case int:
		return json64(x)
	default:
		return v
	}
}

func json64(n int) any { return float64(n) }

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
		if b.Len() >= 48 {
			break
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return strings.Trim(b.String(), "-")
}

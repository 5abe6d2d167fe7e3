// Package recipe loads and validates the declarative documents that describe
// an agent run: prompt, instructions, parameters, and an optional JSON
// response schema.
package recipe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recipe is a declarative agent configuration. A recipe needs a title, a
// description, and at least one of instructions or prompt.
type Recipe struct {
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`

	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Prompt       string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	Settings   *Settings   `yaml:"settings,omitempty" json:"settings,omitempty"`
	Parameters []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Response   *Response   `yaml:"response,omitempty" json:"response,omitempty"`

	// WorkingDir overrides the scheduler's default working directory.
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
}

// Settings carries provider/model overrides for the run.
type Settings struct {
	Provider    string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// Parameter declares a named input the recipe expects.
type Parameter struct {
	Key         string `yaml:"key" json:"key"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Requirement string `yaml:"requirement,omitempty" json:"requirement,omitempty"` // "required" or "optional"
	Default     string `yaml:"default,omitempty" json:"default,omitempty"`
}

// Response declares the structured output contract for the run. A non-empty
// JSONSchema installs the final_output tool.
type Response struct {
	JSONSchema map[string]interface{} `yaml:"json_schema,omitempty" json:"json_schema,omitempty"`
}

// Load reads and validates a recipe file. The format is chosen by extension:
// .yaml/.yml parse as YAML, .json as JSON.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Recipe file not found: %s", path)
		}
		return nil, fmt.Errorf("read recipe %s: %w", path, err)
	}

	var r Recipe
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse recipe %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse recipe %s: %w", path, err)
		}
	}

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recipe %s: %w", path, err)
	}
	if r.Version == "" {
		r.Version = "1.0.0"
	}
	return &r, nil
}

// Validate checks the structural requirements of a recipe.
func (r *Recipe) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if r.Description == "" {
		return fmt.Errorf("description is required")
	}
	if r.Instructions == "" && r.Prompt == "" {
		return fmt.Errorf("at least one of instructions or prompt is required")
	}
	if r.Response != nil && r.Response.JSONSchema != nil && len(r.Response.JSONSchema) == 0 {
		return fmt.Errorf("response.json_schema must not be empty when present")
	}
	for _, p := range r.Parameters {
		if p.Key == "" {
			return fmt.Errorf("parameter key is required")
		}
	}
	return nil
}

// Render substitutes {{ key }} occurrences in prompt and instructions with the
// supplied parameter values. Required parameters without a value (and no
// default) are an error. Full template inheritance is out of scope; this is
// plain placeholder substitution.
func (r *Recipe) Render(params map[string]string) (prompt, instructions string, err error) {
	values := make(map[string]string, len(r.Parameters))
	for _, p := range r.Parameters {
		if v, ok := params[p.Key]; ok {
			values[p.Key] = v
			continue
		}
		if p.Default != "" {
			values[p.Key] = p.Default
			continue
		}
		if p.Requirement == "" || p.Requirement == "required" {
			return "", "", fmt.Errorf("missing required parameter %q", p.Key)
		}
	}

	sub := func(s string) string {
		for k, v := range values {
			s = strings.ReplaceAll(s, "{{ "+k+" }}", v)
			s = strings.ReplaceAll(s, "{{"+k+"}}", v)
		}
		return s
	}
	return sub(r.Prompt), sub(r.Instructions), nil
}

package recipe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "greet.yaml", `
title: greeter
description: says hello
prompt: "say hello to {{ name }}"
parameters:
  - key: name
    requirement: required
`)

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Title != "greeter" {
		t.Errorf("title = %q", r.Title)
	}
	if r.Version != "1.0.0" {
		t.Errorf("version default = %q, want 1.0.0", r.Version)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "task.json", `{
		"title": "task",
		"description": "runs a task",
		"instructions": "do the thing",
		"response": {"json_schema": {"type": "object"}}
	}`)

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Response == nil || r.Response.JSONSchema["type"] != "object" {
		t.Errorf("response schema not parsed: %+v", r.Response)
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "not found") {
		t.Errorf("error = %q, want mention of not found", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		recipe  Recipe
		wantErr bool
	}{
		{
			name:   "valid with prompt",
			recipe: Recipe{Title: "t", Description: "d", Prompt: "p"},
		},
		{
			name:   "valid with instructions",
			recipe: Recipe{Title: "t", Description: "d", Instructions: "i"},
		},
		{
			name:    "missing title",
			recipe:  Recipe{Description: "d", Prompt: "p"},
			wantErr: true,
		},
		{
			name:    "missing prompt and instructions",
			recipe:  Recipe{Title: "t", Description: "d"},
			wantErr: true,
		},
		{
			name: "empty json schema",
			recipe: Recipe{
				Title: "t", Description: "d", Prompt: "p",
				Response: &Response{JSONSchema: map[string]interface{}{}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.recipe.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRender(t *testing.T) {
	r := Recipe{
		Title: "t", Description: "d",
		Prompt: "hello {{ name }}, mode={{mode}}",
		Parameters: []Parameter{
			{Key: "name", Requirement: "required"},
			{Key: "mode", Requirement: "optional", Default: "fast"},
		},
	}

	prompt, _, err := r.Render(map[string]string{"name": "world"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if prompt != "hello world, mode=fast" {
		t.Errorf("prompt = %q", prompt)
	}

	if _, _, err := r.Render(nil); err == nil {
		t.Error("expected missing required parameter error")
	}
}

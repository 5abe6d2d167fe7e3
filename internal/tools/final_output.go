package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// FinalOutputToolName is the tool the agent must call to deliver structured
// output when the recipe declares a response schema.
const FinalOutputToolName = "final_output"

// FinalOutputContinuationMessage nudges the model when it stops without
// calling the tool.
const FinalOutputContinuationMessage = "You MUST call the `final_output` tool NOW with the final output for the user."

// FinalOutputTool validates a single structured submission against a JSON
// Schema and stores the canonical single-line serialization for easy script
// extraction from output.
type FinalOutputTool struct {
	schema       map[string]interface{}
	compiled     *jsonschema.Schema
	prettySchema string

	mu          sync.Mutex
	finalOutput string
	collected   bool
}

// NewFinalOutputTool compiles the response schema. The schema is required,
// must be non-empty, and must itself be valid against the JSON Schema
// meta-schema. The first two are checked up front; compilation enforces the
// third.
func NewFinalOutputTool(schema map[string]interface{}) (*FinalOutputTool, error) {
	if schema == nil {
		return nil, fmt.Errorf("final_output: json_schema is required")
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("final_output: empty json_schema is not allowed")
	}

	// Round-trip through encoding/json so the compiler sees plain JSON types
	// regardless of how the schema was parsed (YAML produces map[string]interface{}
	// already, but nested numbers may differ).
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("final_output: marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("final_output: parse schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("final_output: add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("final_output: invalid json_schema: %w", err)
	}

	pretty, _ := json.MarshalIndent(schema, "", "  ")

	return &FinalOutputTool{
		schema:       schema,
		compiled:     compiled,
		prettySchema: string(pretty),
	}, nil
}

func (t *FinalOutputTool) Name() string { return FinalOutputToolName }

func (t *FinalOutputTool) Description() string {
	return fmt.Sprintf(`This tool collects the final output for a user and validates structured JSON final output against a predefined schema.

This tool MUST be used for the final output to the user.

Usage:
- Call the final_output tool with your JSON final output

The expected JSON schema format is:

%s

When validation fails, you'll receive the specific validation errors and the expected format.`, t.prettySchema)
}

func (t *FinalOutputTool) Parameters() map[string]interface{} {
	return t.schema
}

// SystemPrompt returns the instructions injected into the conversation when
// the tool is installed.
func (t *FinalOutputTool) SystemPrompt() string {
	return fmt.Sprintf(`# Final Output Instructions

You MUST use the final_output tool to collect the final output for a user.
The final output MUST be a valid JSON object that matches the following expected schema:

%s

----`, t.prettySchema)
}

// FinalOutput returns the collected canonical output and whether a valid
// submission has been made.
func (t *FinalOutputTool) FinalOutput() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalOutput, t.collected
}

func (t *FinalOutputTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	// Round-trip so the validator sees plain JSON values.
	raw, err := json.Marshal(args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("final_output: marshal arguments: %v", err))
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return ErrorResult(fmt.Sprintf("final_output: parse arguments: %v", err))
	}

	if err := t.compiled.Validate(doc); err != nil {
		var failures []string
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			failures = collectValidationFailures(ve)
		} else {
			failures = []string{fmt.Sprintf("- %v", err)}
		}
		return ErrorResult(fmt.Sprintf(
			"Validation failed:\n%s\n\nExpected format:\n%s\n\nPlease correct your output to match the expected JSON schema and try again.",
			strings.Join(failures, "\n"), t.prettySchema))
	}

	// Canonical single-line form so scripts can scrape the output.
	canonical, err := json.Marshal(args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("final_output: serialize output: %v", err))
	}

	t.mu.Lock()
	t.finalOutput = string(canonical)
	t.collected = true
	t.mu.Unlock()

	return NewResult("Final output successfully collected.")
}

var validationPrinter = message.NewPrinter(language.English)

// collectValidationFailures flattens the error tree into one line per leaf
// failure, each anchored to its instance path.
func collectValidationFailures(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := "/" + strings.Join(e.InstanceLocation, "/")
			out = append(out, fmt.Sprintf("- %s: %s", path, e.ErrorKind.LocalizedString(validationPrinter)))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}

package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
	jsonschema2 "github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a payload that does not match a tool's schema.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

// Schema is the argument contract of one tool, reflected from the Go
// struct T. Field docs come from `jsonschema_description` tags; fields
// without omitempty are required.
type Schema[T any] struct {
	tool     string
	doc      map[string]any
	compiled *jsonschema2.Schema
}

// NewSchema reflects and compiles the schema for T.
func NewSchema[T any](tool string) (*Schema[T], error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	raw, err := json.Marshal(r.Reflect(new(T)))
	if err != nil {
		return nil, fmt.Errorf("marshaling %s schema: %w", tool, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s schema: %w", tool, err)
	}
	delete(doc, "$schema")
	delete(doc, "$id")

	compiled, err := compile(tool, raw)
	if err != nil {
		return nil, err
	}
	return &Schema[T]{tool: tool, doc: doc, compiled: compiled}, nil
}

func compile(tool string, raw []byte) (*jsonschema2.Schema, error) {
	loaded, err := jsonschema2.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("loading %s schema: %w", tool, err)
	}
	url := "https://kazi.local/schemas/" + tool + ".json"
	c := jsonschema2.NewCompiler()
	if err := c.AddResource(url, loaded); err != nil {
		return nil, fmt.Errorf("adding %s schema: %w", tool, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling %s schema: %w", tool, err)
	}
	return compiled, nil
}

// MustSchema is NewSchema for package-level tool declarations.
func MustSchema[T any](tool string) *Schema[T] {
	s, err := NewSchema[T](tool)
	if err != nil {
		panic(err)
	}
	return s
}

// Map returns the JSON Schema object sent to the model.
func (s *Schema[T]) Map() map[string]any { return s.doc }

// Validate checks params against the schema.
func (s *Schema[T]) Validate(params map[string]any) error {
	instance, err := normalize(params)
	if err != nil {
		return &ValidationError{Tool: s.tool, Err: err}
	}
	if err := s.compiled.Validate(instance); err != nil {
		return &ValidationError{Tool: s.tool, Err: err}
	}
	return nil
}

// Decode converts params into T.
func (s *Schema[T]) Decode(params map[string]any) (T, error) {
	var args T
	raw, err := json.Marshal(params)
	if err != nil {
		return args, &ValidationError{Tool: s.tool, Err: err}
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, &ValidationError{Tool: s.tool, Err: err}
	}
	return args, nil
}

// DynamicSchema validates payloads against a schema only known at runtime,
// such as one advertised by a remote MCP server.
type DynamicSchema struct {
	tool     string
	doc      map[string]any
	compiled *jsonschema2.Schema
}

// NewDynamicSchema compiles doc.
func NewDynamicSchema(tool string, doc map[string]any) (*DynamicSchema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s schema: %w", tool, err)
	}
	compiled, err := compile(tool, raw)
	if err != nil {
		return nil, err
	}
	return &DynamicSchema{tool: tool, doc: doc, compiled: compiled}, nil
}

// Map returns the schema document.
func (s *DynamicSchema) Map() map[string]any { return s.doc }

// Validate checks params against the schema.
func (s *DynamicSchema) Validate(params map[string]any) error {
	instance, err := normalize(params)
	if err != nil {
		return &ValidationError{Tool: s.tool, Err: err}
	}
	if err := s.compiled.Validate(instance); err != nil {
		return &ValidationError{Tool: s.tool, Err: err}
	}
	return nil
}

// normalize round-trips params through JSON so numbers reach the validator
// in the representation it expects, whatever the caller decoded them as.
func normalize(params map[string]any) (any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema2.UnmarshalJSON(bytes.NewReader(raw))
}

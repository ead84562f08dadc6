// Package schema validates user-supplied automation payloads (schedule data
// selections, workflow conditions and steps) against JSON Schemas.
package schema

import (
	"bytes"
	"context"
	"crypto/sha256"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// Built-in schema names
const (
	DataSelection      = "data_selection"
	WorkflowConditions = "workflow_conditions"
	WorkflowSteps      = "workflow_steps"
)

//go:embed schemas/*.json
var builtin embed.FS

type Compiler struct {
	compiler *js.Compiler
	cache    *expirable.LRU[string, *js.Schema]
}

// NewCompilerWithCache creates a compiler whose compiled schemas live in an LRU
func NewCompilerWithCache(maxSize int) *Compiler {
	c := js.NewCompiler()
	c.Draft = js.Draft2020

	return &Compiler{
		compiler: c,
		cache:    expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
	}
}

// Prepare compiles and caches a schema document
func (c *Compiler) Prepare(ctx context.Context, schema map[string]interface{}) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	_, err = c.compile(string(raw), raw)
	return err
}

func (c *Compiler) compile(key string, raw []byte) (*js.Schema, error) {
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	sum := sha256.Sum256(raw)
	resourceURL := fmt.Sprintf("mem://schema/%x.json", sum[:8])
	if err := c.compiler.AddResource(resourceURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}
	compiled, err := c.compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	c.cache.Add(key, compiled)
	return compiled, nil
}

func (c *Compiler) builtin(name string) (*js.Schema, error) {
	key := "builtin:" + name
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}
	raw, err := builtin.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return c.compile(key, raw)
}

// Validate checks value against the built-in schema called name. value may be
// any JSON-serializable Go value.
func (c *Compiler) Validate(ctx context.Context, name string, value interface{}) error {
	compiled, err := c.builtin(name)
	if err != nil {
		return err
	}
	return check(compiled, value)
}

// ValidateWith checks value against an ad-hoc schema document
func (c *Compiler) ValidateWith(ctx context.Context, schema map[string]interface{}, value interface{}) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	compiled, err := c.compile(string(raw), raw)
	if err != nil {
		return err
	}
	return check(compiled, value)
}

func check(compiled *js.Schema, value interface{}) error {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	var valueRaw interface{}
	if err := json.Unmarshal(valueBytes, &valueRaw); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}
	if err := compiled.Validate(valueRaw); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

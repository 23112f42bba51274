// Package schema implements the subset JSON-schema dialect the protocol uses
// for tool inputs and outputs: type, properties, required, enum,
// minimum/maximum, minLength/maxLength, pattern, the email format, and items
// for arrays. Validation outcomes are reported as data
// (mcp.SchemaValidationResult), never as Go errors; compiled validators are
// cached by content hash so repeated calls with an equal schema skip
// recompilation.
package schema

import (
	"encoding/json"
	"fmt"
)

// Schema is the top-level shape of a tool input or output. Tool schemas are
// always objects; looser legacy documents are normalized by
// UpgradeToolSchema before they reach this type.
type Schema struct {
	Type       string               `json:"type"`
	Properties map[string]*Property `json:"properties,omitempty"`
	Required   []string             `json:"required,omitempty"`
}

// Property is one schema node. Object nodes recurse through Properties,
// array nodes through Items; the remaining fields are the supported
// constraints for scalar nodes.
type Property struct {
	Type        string               `json:"type,omitempty"`
	Description string               `json:"description,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Minimum     *float64             `json:"minimum,omitempty"`
	Maximum     *float64             `json:"maximum,omitempty"`
	MinLength   *int                 `json:"minLength,omitempty"`
	MaxLength   *int                 `json:"maxLength,omitempty"`
	Pattern     string               `json:"pattern,omitempty"`
	Format      string               `json:"format,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Items       *Property            `json:"items,omitempty"`
}

// Parse decodes a JSON schema document into a Schema, routing it through
// UpgradeToolSchema first so legacy shapes (bare property maps, missing
// properties key) come out normalized.
func Parse(raw []byte) (*Schema, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	upgraded := UpgradeToolSchema(m)
	b, err := json.Marshal(upgraded)
	if err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	var s Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	return &s, nil
}

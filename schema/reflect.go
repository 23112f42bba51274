package schema

import (
	"fmt"
	"strconv"

	"github.com/invopop/jsonschema"
)

// FromStruct reflects a Go struct type into the subset Schema dialect. Field
// names follow json tags, fields without omitempty are required, and nested
// structs and slices map to object and array nodes. jsonschema struct tags
// for the supported constraints (enum, minimum, maximum, minLength,
// maxLength, pattern, format, description) survive the mapping; anything
// outside the subset is dropped.
func FromStruct[T any]() (*Schema, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	js := r.Reflect(new(T))
	if js == nil || js.Type != "object" {
		var zero T
		return nil, fmt.Errorf("schema: %T does not reflect to an object schema", zero)
	}
	out := &Schema{Type: "object", Properties: make(map[string]*Property)}
	if js.Properties != nil {
		for el := js.Properties.Oldest(); el != nil; el = el.Next() {
			out.Properties[el.Key] = fromReflected(el.Value)
		}
	}
	if len(js.Required) > 0 {
		out.Required = append(out.Required, js.Required...)
	}
	return out, nil
}

// fromReflected recursively maps a jsonschema.Schema node to the subset
// Property shape.
func fromReflected(js *jsonschema.Schema) *Property {
	if js == nil {
		return &Property{}
	}
	p := &Property{
		Type:        js.Type,
		Description: js.Description,
		Pattern:     js.Pattern,
		Format:      js.Format,
	}
	if len(js.Enum) > 0 {
		p.Enum = js.Enum
	}
	if js.Minimum != "" {
		if f, err := strconv.ParseFloat(string(js.Minimum), 64); err == nil {
			p.Minimum = &f
		}
	}
	if js.Maximum != "" {
		if f, err := strconv.ParseFloat(string(js.Maximum), 64); err == nil {
			p.Maximum = &f
		}
	}
	if js.MinLength != nil {
		n := int(*js.MinLength)
		p.MinLength = &n
	}
	if js.MaxLength != nil {
		n := int(*js.MaxLength)
		p.MaxLength = &n
	}
	if js.Type == "array" && js.Items != nil {
		p.Items = fromReflected(js.Items)
	}
	if js.Type == "object" && js.Properties != nil {
		p.Properties = make(map[string]*Property, js.Properties.Len())
		for el := js.Properties.Oldest(); el != nil; el = el.Next() {
			p.Properties[el.Key] = fromReflected(el.Value)
		}
		if len(js.Required) > 0 {
			p.Required = append(p.Required, js.Required...)
		}
	}
	return p
}

package tools

import (
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Property describes one input parameter of a tool.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Schema is the JSON-Schema-like shape of a tool's input.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Descriptor is a provider-advertised tool: name, description, input schema.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`
}

// descriptorFromSDK converts an SDK tool into a Descriptor by round-tripping
// the input schema through JSON, which tolerates whatever concrete schema
// representation the SDK carries.
func descriptorFromSDK(t *mcpsdk.Tool) (Descriptor, error) {
	d := Descriptor{Name: t.Name, Description: t.Description}
	if t.InputSchema == nil {
		return d, nil
	}
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return Descriptor{}, fmt.Errorf("marshal input schema for %q: %w", t.Name, err)
	}
	if err := json.Unmarshal(raw, &d.InputSchema); err != nil {
		return Descriptor{}, fmt.Errorf("decode input schema for %q: %w", t.Name, err)
	}
	return d, nil
}

// Exposed returns a copy of the descriptor with the ambient parameters
// removed, the shape presented to the LLM. Ambient values are injected by the
// worker at call time.
func (d Descriptor) Exposed() Descriptor {
	out := Descriptor{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: Schema{Type: d.InputSchema.Type},
	}
	if len(d.InputSchema.Properties) > 0 {
		out.InputSchema.Properties = make(map[string]Property)
		for name, prop := range d.InputSchema.Properties {
			if isAmbientParam(name) {
				continue
			}
			out.InputSchema.Properties[name] = prop
		}
	}
	for _, r := range d.InputSchema.Required {
		if !isAmbientParam(r) {
			out.InputSchema.Required = append(out.InputSchema.Required, r)
		}
	}
	return out
}

// ParametersMap renders the input schema as a generic JSON-schema map,
// the form LLM clients consume.
func (d Descriptor) ParametersMap() map[string]any {
	props := make(map[string]any, len(d.InputSchema.Properties))
	for name, p := range d.InputSchema.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(d.InputSchema.Required) > 0 {
		req := make([]any, len(d.InputSchema.Required))
		for i, r := range d.InputSchema.Required {
			req[i] = r
		}
		out["required"] = req
	}
	return out
}

func isAmbientParam(name string) bool {
	return name == ParamDBURL || name == ParamAccountID
}

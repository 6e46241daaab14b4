package types

// JSONSchema represents a JSON Schema fragment used to describe tool parameters.
// Only the subset of keywords the tool-calling protocol consumes is modeled.
type JSONSchema struct {
	// Type specifies the JSON type (object, array, string, number, boolean, null)
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Properties defines object properties (for type: object)
	Properties map[string]*JSONSchema `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Required lists required property names (for type: object)
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`

	// Items defines array item schema (for type: array)
	Items *JSONSchema `json:"items,omitempty" yaml:"items,omitempty"`

	// Description provides human-readable schema documentation
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Enum constrains values to a specific set
	Enum []any `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// ObjectSchema creates an object schema with the given properties and required names.
func ObjectSchema(properties map[string]*JSONSchema, required ...string) *JSONSchema {
	return &JSONSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// StringProperty creates a string property schema with a description.
func StringProperty(description string) *JSONSchema {
	return &JSONSchema{
		Type:        "string",
		Description: description,
	}
}

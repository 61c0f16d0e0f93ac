// Package catalog describes the business fields a valuation collects.
package catalog

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type InputType string

const (
	TypeNumber  InputType = "number"
	TypeInteger InputType = "integer"
	TypeText    InputType = "text"
	TypeBoolean InputType = "boolean"
)

type Field struct {
	ID   string    `toml:"id"`
	Type InputType `toml:"type"`
	// Min and Max bound the value for numeric fields and the length in
	// characters for text fields.
	Min      *float64 `toml:"min"`
	Max      *float64 `toml:"max"`
	Optional bool     `toml:"optional"`
	Help     string   `toml:"help"`
	Prompt   string   `toml:"prompt"`
}

type Catalog struct {
	fields []Field
	byID   map[string]int
}

type catalogFile struct {
	Fields []Field `toml:"field"`
}

//go:embed fields.toml
var defaultFields []byte

var loadDefault = sync.OnceValues(func() (*Catalog, error) {
	return Parse(defaultFields)
})

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in fields are invalid: %v", err))
	}
	return c
}

func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c := &Catalog{byID: make(map[string]int, len(file.Fields))}
	for _, field := range file.Fields {
		field.ID = strings.TrimSpace(field.ID)
		if field.ID == "" {
			return nil, fmt.Errorf("catalog field without id")
		}
		if _, dup := c.byID[field.ID]; dup {
			return nil, fmt.Errorf("catalog field %q declared twice", field.ID)
		}
		switch field.Type {
		case TypeNumber, TypeInteger, TypeText, TypeBoolean:
		default:
			return nil, fmt.Errorf("catalog field %q has unknown type %q", field.ID, field.Type)
		}
		if field.Min != nil && field.Max != nil && *field.Min > *field.Max {
			return nil, fmt.Errorf("catalog field %q has min above max", field.ID)
		}
		c.byID[field.ID] = len(c.fields)
		c.fields = append(c.fields, field)
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (Field, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return Field{}, false
	}
	return c.fields[idx], true
}

// Fields returns the fields in conversation order.
func (c *Catalog) Fields() []Field {
	return append([]Field(nil), c.fields...)
}

// Required returns the fields a complete valuation needs.
func (c *Catalog) Required() []Field {
	out := make([]Field, 0, len(c.fields))
	for _, field := range c.fields {
		if !field.Optional {
			out = append(out, field)
		}
	}
	return out
}

// Missing lists required field ids absent from values.
func (c *Catalog) Missing(values map[string]any) []string {
	var missing []string
	for _, field := range c.Required() {
		if _, ok := values[field.ID]; !ok {
			missing = append(missing, field.ID)
		}
	}
	return missing
}

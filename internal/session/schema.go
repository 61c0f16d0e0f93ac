package session

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "session.schema.json"

//go:embed session.schema.json
var schemaDocument []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDocument))
	if err != nil {
		return nil, fmt.Errorf("decode session schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add session schema: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// ValidateJSON checks that raw is a well-formed session document.
func ValidateJSON(raw []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: session is not valid json: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Decode validates raw and unmarshals it.
func Decode(raw []byte) (Session, error) {
	if err := ValidateJSON(raw); err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if s.Fields == nil {
		s.Fields = map[string]any{}
	}
	if err := checkTimestamps(s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Validate applies the same checks to an already decoded session.
func Validate(s Session) error {
	if s.Fields == nil {
		s.Fields = map[string]any{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.RecordID, err)
	}
	if err := ValidateJSON(raw); err != nil {
		return err
	}
	return checkTimestamps(s)
}

func checkTimestamps(s Session) error {
	if s.UpdatedAt.Before(s.CreatedAt) {
		return fmt.Errorf("%w: session %s updatedAt precedes createdAt", ErrInvalidInput, s.RecordID)
	}
	return nil
}

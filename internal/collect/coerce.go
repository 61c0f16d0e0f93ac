package collect

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/catalog"
)

var (
	ErrUnknownField = errors.New("unknown field")
	ErrBadValue     = errors.New("invalid field value")
	ErrOutOfRange   = errors.New("field value out of range")
)

var numberNoise = strings.NewReplacer(",", "", "_", "", " ", "", " ", "", "€", "", "$", "", "£", "", "%", "")

// Coerce converts raw into the Go value stored for field: float64 for
// numbers and integers, bool for booleans, string for text.
func Coerce(field catalog.Field, raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: %s is empty", ErrBadValue, field.ID)
	}
	switch field.Type {
	case catalog.TypeNumber, catalog.TypeInteger:
		v, err := coerceNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadValue, field.ID, err)
		}
		if field.Type == catalog.TypeInteger && v != math.Trunc(v) {
			return nil, fmt.Errorf("%w: %s must be a whole number, got %v", ErrBadValue, field.ID, v)
		}
		if err := checkRange(field, v); err != nil {
			return nil, err
		}
		return v, nil
	case catalog.TypeBoolean:
		v, err := coerceBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadValue, field.ID, err)
		}
		return v, nil
	case catalog.TypeText:
		v, err := coerceText(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadValue, field.ID, err)
		}
		if err := checkRange(field, float64(utf8.RuneCountInString(v))); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s has unsupported type %q", ErrBadValue, field.ID, field.Type)
}

func coerceNumber(raw json.RawMessage) (float64, error) {
	var v float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		cleaned := numberNoise.Replace(strings.TrimSpace(s))
		if cleaned == "" {
			return 0, fmt.Errorf("no digits in %q", s)
		}
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		v = parsed
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return v, nil
}

func coerceBool(raw json.RawMessage) (bool, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		switch t {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1", "on":
			return true, nil
		case "false", "no", "n", "0", "off":
			return false, nil
		}
	}
	return false, fmt.Errorf("not a boolean: %s", raw)
}

func coerceText(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("not text: %s", raw)
}

func checkRange(field catalog.Field, v float64) error {
	if field.Min != nil && v < *field.Min {
		return fmt.Errorf("%w: %s %v below %v", ErrOutOfRange, field.ID, v, *field.Min)
	}
	if field.Max != nil && v > *field.Max {
		return fmt.Errorf("%w: %s %v above %v", ErrOutOfRange, field.ID, v, *field.Max)
	}
	return nil
}

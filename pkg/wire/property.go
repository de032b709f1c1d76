package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Property base types.
const (
	BaseTypeInteger = "integer"
	BaseTypeDecimal = "decimal"
	BaseTypeBoolean = "boolean"
	BaseTypeString  = "string"
)

// ParseProperty builds a property from "name=value". The base type is
// inferred from the value the way a user would type it: integers, then
// decimals, then booleans, otherwise a string with surrounding quotes
// removed.
func ParseProperty(s string) (Property, error) {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return Property{}, fmt.Errorf("property %q: want name=value", s)
	}
	return NewProperty(name, value)
}

// NewProperty builds a property named name from a textual value.
func NewProperty(name, value string) (Property, error) {
	value = strings.TrimSpace(value)

	var (
		v        any
		baseType string
	)
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		v, baseType = i, BaseTypeInteger
	} else if f, err := strconv.ParseFloat(value, 64); err == nil {
		v, baseType = f, BaseTypeDecimal
	} else if b, err := strconv.ParseBool(value); err == nil {
		v, baseType = b, BaseTypeBoolean
	} else {
		v, baseType = strings.Trim(value, `"'`), BaseTypeString
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return Property{}, fmt.Errorf("property %s: %w", name, err)
	}
	return Property{Name: name, BaseType: baseType, Value: raw}, nil
}

// ValueString renders the property value for display.
func (p Property) ValueString() string {
	var s string
	if p.BaseType == BaseTypeString && json.Unmarshal(p.Value, &s) == nil {
		return s
	}
	return string(p.Value)
}

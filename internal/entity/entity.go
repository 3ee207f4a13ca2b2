// Package entity provides typed access to the untyped key/value entities
// submitted by administrative commands and bootstrap files.
package entity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Entity is a single administrative configuration entity. All values arrive
// as strings; the accessors perform typed conversion on demand.
type Entity map[string]string

// MissingFieldError indicates a mandatory entity key is absent or empty.
type MissingFieldError struct {
	Key string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("entity: missing mandatory field %q", e.Key)
}

// MalformedFieldError indicates a field is present but cannot be converted
// to the requested type.
type MalformedFieldError struct {
	Key   string
	Value string
	Want  string
}

func (e MalformedFieldError) Error() string {
	return fmt.Sprintf("entity: field %q has malformed %s value %q", e.Key, e.Want, e.Value)
}

// IsMissingField returns true when err is (or wraps) a MissingFieldError.
func IsMissingField(err error) bool {
	var target MissingFieldError
	return errors.As(err, &target)
}

// IsMalformedField returns true when err is (or wraps) a MalformedFieldError.
func IsMalformedField(err error) bool {
	var target MalformedFieldError
	return errors.As(err, &target)
}

// String returns the value for a mandatory key. Absent or empty values fail
// with MissingFieldError.
func (e Entity) String(key string) (string, error) {
	value, ok := e[key]
	if !ok || value == "" {
		return "", MissingFieldError{Key: key}
	}
	return value, nil
}

// OptString returns the value for key, or def when the key is absent.
// An empty stored value is returned as-is.
func (e Entity) OptString(key, def string) string {
	value, ok := e[key]
	if !ok {
		return def
	}
	return value
}

// Int returns the numeric value for a mandatory key.
func (e Entity) Int(key string) (int64, error) {
	value, err := e.String(key)
	if err != nil {
		return 0, err
	}
	return parseInt(key, value)
}

// OptInt returns the numeric value for key, or def when absent or empty.
func (e Entity) OptInt(key string, def int64) (int64, error) {
	value, ok := e[key]
	if !ok || value == "" {
		return def, nil
	}
	return parseInt(key, value)
}

// OptBool returns the boolean value for key, or def when absent or empty.
// Parsing follows strconv.ParseBool.
func (e Entity) OptBool(key string, def bool) (bool, error) {
	value, ok := e[key]
	if !ok || value == "" {
		return def, nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, MalformedFieldError{Key: key, Value: value, Want: "boolean"}
	}
	return parsed, nil
}

// Clone returns an independent copy of the entity.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

func parseInt(key, value string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, MalformedFieldError{Key: key, Value: value, Want: "integer"}
	}
	return parsed, nil
}

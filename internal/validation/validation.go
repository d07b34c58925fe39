// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package validation checks mapped records against object schemas.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// Schema keys that are not part of the OpenAPI schema object.
var metadataKeys = []string{"$id", "$schema", "reference", "version"}

// Validator holds schemas by reference.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*openapi3.Schema
}

// NewValidator creates an empty Validator.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*openapi3.Schema)}
}

// Register adds or replaces the schema for ref.
func (v *Validator) Register(ref string, schema *openapi3.Schema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[ref] = schema
}

// LoadDir loads every .yaml, .yml and .json schema in dir. A schema is
// registered under its "$id" (or "reference") when present, otherwise under
// its file name without extension.
func LoadDir(dir string) (*Validator, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading schema dir: %w", err)
	}
	v := NewValidator()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", path, err)
		}
		ref, schema, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing schema %s: %w", path, err)
		}
		if ref == "" {
			ref = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		v.Register(ref, schema)
	}
	return v, nil
}

// Parse decodes a YAML or JSON schema document and returns its reference
// (possibly empty) and the schema.
func Parse(data []byte) (string, *openapi3.Schema, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", nil, err
	}
	if doc == nil {
		return "", nil, errors.New("empty schema document")
	}

	ref, _ := doc["$id"].(string)
	if ref == "" {
		ref, _ = doc["reference"].(string)
	}
	for _, key := range metadataKeys {
		delete(doc, key)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", nil, err
	}
	schema := openapi3.NewSchema()
	if err := schema.UnmarshalJSON(raw); err != nil {
		return "", nil, err
	}
	return ref, schema, nil
}

// Validate checks data against the schema registered under ref for the given
// operation (POST, PUT, PATCH or GET). It returns nil when data is valid and
// one message per violation otherwise.
func (v *Validator) Validate(data map[string]any, ref, operation string) []string {
	v.mu.RLock()
	schema, ok := v.schemas[ref]
	v.mu.RUnlock()
	if !ok {
		return []string{fmt.Sprintf("schema %s not found", ref)}
	}

	value, err := normalize(data)
	if err != nil {
		return []string{fmt.Sprintf("record is not valid JSON: %v", err)}
	}

	opts := []openapi3.SchemaValidationOption{openapi3.MultiErrors()}
	switch strings.ToUpper(operation) {
	case "POST", "PUT", "PATCH":
		opts = append(opts, openapi3.VisitAsRequest())
	default:
		opts = append(opts, openapi3.VisitAsResponse())
	}

	if err := schema.VisitJSON(value, opts...); err != nil {
		return messages(err)
	}
	return nil
}

// normalize converts data to the plain JSON value types the schema visitor
// expects.
func normalize(data map[string]any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func messages(err error) []string {
	var errs []error
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		errs = multi
	} else {
		errs = []error{err}
	}

	var out []string
	for _, e := range errs {
		var nested openapi3.MultiError
		if errors.As(e, &nested) && len(nested) > 0 {
			out = append(out, messages(nested)...)
			continue
		}
		var schemaErr *openapi3.SchemaError
		if errors.As(e, &schemaErr) {
			field := strings.Join(schemaErr.JSONPointer(), ".")
			if field == "" {
				out = append(out, schemaErr.Reason)
			} else {
				out = append(out, field+": "+schemaErr.Reason)
			}
			continue
		}
		out = append(out, e.Error())
	}
	sort.Strings(out)
	return out
}

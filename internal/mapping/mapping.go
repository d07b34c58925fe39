// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package mapping turns source records into target records using
// declarative mapping definitions loaded from YAML or JSON files.
//
// A definition maps target paths to expressions. An expression that is a
// single "{{ path }}" placeholder copies the value found at path unchanged,
// so lists and maps are preserved. Expressions mixing text and placeholders
// are interpolated as strings. Anything else is a literal.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownMapping is returned when no definition is registered for a
// reference.
var ErrUnknownMapping = errors.New("unknown mapping")

var (
	rawExprRE      = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	placeholderRE  = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	sourceDateForm = []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}
)

// Definition is one mapping.
type Definition struct {
	Reference string `yaml:"reference" json:"reference"`
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	// PassThrough starts from a copy of the input instead of an empty record.
	PassThrough bool              `yaml:"passThrough,omitempty" json:"passThrough,omitempty"`
	Mapping     map[string]string `yaml:"mapping" json:"mapping"`
	Unset       []string          `yaml:"unset,omitempty" json:"unset,omitempty"`
	Cast        map[string]string `yaml:"cast,omitempty" json:"cast,omitempty"`
}

// Engine holds definitions by reference.
type Engine struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewEngine creates an engine holding defs.
func NewEngine(defs ...*Definition) *Engine {
	e := &Engine{defs: make(map[string]*Definition)}
	for _, def := range defs {
		e.Register(def)
	}
	return e
}

// Register adds or replaces a definition.
func (e *Engine) Register(def *Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[def.Reference] = def
}

// LoadDir loads every .yaml, .yml and .json file in dir.
func LoadDir(dir string) (*Engine, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading mapping dir: %w", err)
	}
	e := NewEngine()
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
			return nil, fmt.Errorf("reading mapping %s: %w", path, err)
		}
		def, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing mapping %s: %w", path, err)
		}
		if def.Reference == "" {
			def.Reference = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		e.Register(def)
	}
	return e, nil
}

// Parse decodes a YAML or JSON definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	for target, cast := range def.Cast {
		if !validCast(cast) {
			return nil, fmt.Errorf("unsupported cast %q for %s", cast, target)
		}
	}
	return &def, nil
}

// Map applies the definition registered under ref to input. Input is not
// modified.
func (e *Engine) Map(ref string, input map[string]any) (map[string]any, error) {
	e.mu.RLock()
	def, ok := e.defs[ref]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMapping, ref)
	}

	out := map[string]any{}
	if def.PassThrough {
		out = copyMap(input)
	}

	targets := make([]string, 0, len(def.Mapping))
	for target := range def.Mapping {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	for _, target := range targets {
		value, ok := evaluate(def.Mapping[target], input)
		if !ok {
			continue
		}
		setPath(out, target, copyValue(value))
	}

	for _, path := range def.Unset {
		deletePath(out, path)
	}

	casts := make([]string, 0, len(def.Cast))
	for target := range def.Cast {
		casts = append(casts, target)
	}
	sort.Strings(casts)
	for _, target := range casts {
		value, ok := lookup(out, target)
		if !ok {
			continue
		}
		cast := def.Cast[target]
		if rest, ok := strings.CutPrefix(cast, "unsetIfValue=="); ok {
			if value == nil || toString(value) == rest {
				deletePath(out, target)
			}
			continue
		}
		converted, err := applyCast(cast, value)
		if err != nil {
			return nil, fmt.Errorf("casting %s to %s: %w", target, cast, err)
		}
		setPath(out, target, converted)
	}
	return out, nil
}

// evaluate returns the value of expr against input and whether it should be
// set at all. A raw placeholder whose path is missing is not set.
func evaluate(expr string, input map[string]any) (any, bool) {
	if m := rawExprRE.FindStringSubmatch(strings.TrimSpace(expr)); m != nil {
		return lookup(input, m[1])
	}
	if !strings.Contains(expr, "{{") {
		return expr, true
	}
	return placeholderRE.ReplaceAllStringFunc(expr, func(ph string) string {
		path := placeholderRE.FindStringSubmatch(ph)[1]
		value, ok := lookup(input, path)
		if !ok || value == nil {
			return ""
		}
		return toString(value)
	}), true
}

func lookup(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

func setPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := data
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

func deletePath(data map[string]any, path string) {
	parts := strings.Split(path, ".")
	node := data
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			return
		}
		node = child
	}
	delete(node, parts[len(parts)-1])
}

func validCast(cast string) bool {
	switch cast {
	case "string", "int", "integer", "bool", "boolean", "float", "datetime", "array":
		return true
	}
	return strings.HasPrefix(cast, "unsetIfValue==")
}

func applyCast(cast string, value any) (any, error) {
	switch cast {
	case "string":
		return toString(value), nil
	case "int", "integer":
		switch v := value.(type) {
		case json.Number:
			return v.Int64()
		case float64:
			return int64(v), nil
		case int, int64:
			return v, nil
		default:
			return strconv.ParseInt(strings.TrimSpace(toString(v)), 10, 64)
		}
	case "float":
		switch v := value.(type) {
		case json.Number:
			return v.Float64()
		case float64:
			return v, nil
		default:
			return strconv.ParseFloat(strings.TrimSpace(toString(v)), 64)
		}
	case "bool", "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case nil:
			return false, nil
		default:
			return strconv.ParseBool(strings.TrimSpace(toString(v)))
		}
	case "datetime":
		s := strings.TrimSpace(toString(value))
		if s == "" {
			return nil, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
		for _, layout := range sourceDateForm {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format(time.RFC3339), nil
			}
		}
		return nil, fmt.Errorf("unrecognised date %q", s)
	case "array":
		switch v := value.(type) {
		case []any:
			return v, nil
		case nil:
			return []any{}, nil
		default:
			return []any{v}, nil
		}
	}
	return nil, fmt.Errorf("unsupported cast %q", cast)
}

func toString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package mapping

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventMapping = `
reference: notubiz-event
mapping:
  id: "{{ id }}"
  titel: "{{ title }}"
  beschrijving: "{{ title }} ({{ gremium.title }})"
  publicatiedatum: "{{ creation_date }}"
  categorie: "{{ categorie }}"
  organisatie.oin: "{{ organisatie.oin }}"
  organisatie.naam: "{{ organisatie.naam }}"
  autoPublish: "{{ autoPublish }}"
  bijlagen: "{{ bijlagen }}"
  eersteBijlage: "{{ bijlagen.0.id }}"
  bron: notubiz
cast:
  id: string
  publicatiedatum: datetime
  beschrijving: "unsetIfValue== ()"
`

func mustEngine(t *testing.T, src string) *Engine {
	t.Helper()
	def, err := Parse([]byte(src))
	require.NoError(t, err)
	return NewEngine(def)
}

func TestMapCopiesRawValues(t *testing.T) {
	e := mustEngine(t, eventMapping)
	input := map[string]any{
		"id":            json.Number("42"),
		"title":         "Raadsvergadering",
		"creation_date": "2024-01-01 10:00:00",
		"gremium":       map[string]any{"title": "Gemeenteraad"},
		"categorie":     "Vergaderstukken decentrale overheden",
		"organisatie":   map[string]any{"oin": "0001", "naam": "Gemeente X"},
		"autoPublish":   true,
		"bijlagen":      []any{map[string]any{"id": "d1"}, map[string]any{"id": "d2"}},
	}

	out, err := e.Map("notubiz-event", input)
	require.NoError(t, err)

	assert.Equal(t, "42", out["id"])
	assert.Equal(t, "Raadsvergadering", out["titel"])
	assert.Equal(t, "Raadsvergadering (Gemeenteraad)", out["beschrijving"])
	assert.Equal(t, "2024-01-01T10:00:00Z", out["publicatiedatum"])
	assert.Equal(t, map[string]any{"oin": "0001", "naam": "Gemeente X"}, out["organisatie"])
	assert.Equal(t, true, out["autoPublish"])
	assert.Len(t, out["bijlagen"], 2)
	assert.Equal(t, "d1", out["eersteBijlage"])
	assert.Equal(t, "notubiz", out["bron"])
}

func TestMapDoesNotAliasInput(t *testing.T) {
	e := mustEngine(t, eventMapping)
	docs := []any{map[string]any{"id": "d1"}}
	input := map[string]any{"id": "1", "title": "x", "bijlagen": docs}

	out, err := e.Map("notubiz-event", input)
	require.NoError(t, err)
	out["bijlagen"].([]any)[0].(map[string]any)["id"] = "changed"

	assert.Equal(t, "d1", docs[0].(map[string]any)["id"])
}

func TestMapSkipsMissingRawValues(t *testing.T) {
	e := mustEngine(t, eventMapping)

	out, err := e.Map("notubiz-event", map[string]any{"id": "7"})
	require.NoError(t, err)

	assert.NotContains(t, out, "titel")
	assert.NotContains(t, out, "bijlagen")
	assert.NotContains(t, out, "beschrijving")
	assert.Equal(t, "7", out["id"])
}

func TestMapPassThroughAndUnset(t *testing.T) {
	e := mustEngine(t, `
reference: pass
passThrough: true
mapping:
  meta.count: "{{ count }}"
unset:
  - secret
cast:
  meta.count: int
  flag: bool
`)
	out, err := e.Map("pass", map[string]any{"count": "12", "secret": "s", "flag": "true", "keep": 1})
	require.NoError(t, err)

	assert.NotContains(t, out, "secret")
	assert.Equal(t, 1, out["keep"])
	assert.Equal(t, true, out["flag"])
	assert.Equal(t, map[string]any{"count": int64(12)}, out["meta"])
}

func TestMapUnknownReference(t *testing.T) {
	_, err := NewEngine().Map("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownMapping)
}

func TestMapCastFailure(t *testing.T) {
	e := mustEngine(t, `
reference: bad
mapping:
  n: "{{ n }}"
cast:
  n: int
`)
	_, err := e.Map("bad", map[string]any{"n": "abc"})
	assert.Error(t, err)
}

func TestParseRejectsUnknownCast(t *testing.T) {
	_, err := Parse([]byte("reference: x\ncast:\n  a: weird\n"))
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(eventMapping), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{"mapping":{"x":"{{ y }}"}}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	e, err := LoadDir(dir)
	require.NoError(t, err)

	_, err = e.Map("notubiz-event", map[string]any{})
	require.NoError(t, err)
	out, err := e.Map("b", map[string]any{"y": "z"})
	require.NoError(t, err)
	assert.Equal(t, "z", out["x"])
}

// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package pipeline

import (
	"errors"
	"slices"

	"github.com/woo-gateway/notubiz-sync-helper/internal/notubiz"
	"github.com/woo-gateway/notubiz-sync-helper/internal/store"
)

// DefaultCategory is the publication category of synchronized meeting
// events.
const DefaultCategory = "Vergaderstukken decentrale overheden"

// Scope is everything one synchronization call needs to know about where
// records come from and what they become. It is passed by value into every
// call and never changed by the pipeline.
type Scope struct {
	// Source is the reference of the NotuBiz source; sync links are keyed
	// by it.
	Source  string
	Schema  string
	Mapping string
	Filter  notubiz.Filter

	OIN          string
	Organisation string
	AutoPublish  bool
	Category     string
}

// Validate reports missing required settings.
func (s Scope) Validate() error {
	var errs []error
	if s.Source == "" {
		errs = append(errs, errors.New("source reference is required"))
	}
	if s.Schema == "" {
		errs = append(errs, errors.New("schema reference is required"))
	}
	if s.Mapping == "" {
		errs = append(errs, errors.New("mapping reference is required"))
	}
	if s.Filter.OrganisationID == "" {
		errs = append(errs, errors.New("organisation id is required"))
	}
	if s.Category == "" {
		errs = append(errs, errors.New("category is required"))
	}
	return errors.Join(errs...)
}

func (s Scope) linkKey(sourceID string) store.LinkKey {
	return store.LinkKey{Source: s.Source, Schema: s.Schema, SourceID: sourceID}
}

// customFields are merged into every record before mapping and restored
// after it.
func (s Scope) customFields() map[string]any {
	return map[string]any{
		"organisatie": map[string]any{
			"oin":  s.OIN,
			"naam": s.Organisation,
		},
		"categorie":   s.Category,
		"autoPublish": s.AutoPublish,
	}
}

// allowsMeeting applies the optional gremia allowlist. A meeting without a
// known gremium passes.
func (s Scope) allowsMeeting(m *notubiz.Meeting) bool {
	if len(s.Filter.GremiaIDs) == 0 {
		return true
	}
	id := m.GremiumID()
	if id == "" {
		return true
	}
	return slices.Contains(s.Filter.GremiaIDs, id)
}

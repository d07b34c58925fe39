// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/woo-gateway/notubiz-sync-helper/internal/notubiz"
)

// enrich builds the mapping input: the raw event, the scope's custom fields
// and the meeting documents.
func enrich(event notubiz.Event, scope Scope, meeting *notubiz.Meeting) map[string]any {
	raw := make(map[string]any, len(event)+4)
	for k, v := range event {
		raw[k] = v
	}
	for k, v := range scope.customFields() {
		raw[k] = v
	}
	MergeMeetingDocuments(raw, meeting)
	return raw
}

// prepare maps and validates a record. A mapping error is returned as an
// error; a validation failure is a Skip.
func (s *Service) prepare(ctx context.Context, scope Scope, raw map[string]any) (Result, error) {
	mapped, err := s.mapper.Map(scope.Mapping, raw)
	if err != nil {
		return Result{}, fmt.Errorf("mapping record: %w", err)
	}
	if mapped == nil {
		return Skip("mapping produced no record"), nil
	}
	// The stale-delete pass selects objects by category, so it must
	// survive whatever the mapping does.
	for k, v := range scope.customFields() {
		if _, ok := mapped[k]; !ok {
			mapped[k] = v
		}
	}
	mapped["categorie"] = scope.Category

	if errs := s.validator.Validate(mapped, scope.Schema, "POST"); len(errs) > 0 {
		reason := strings.Join(errs, ", ")
		s.logger.WarnContext(ctx, "validation errors, record skipped", "reason", reason)
		return Skip(reason), nil
	}
	return Ok(mapped), nil
}

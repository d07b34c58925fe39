// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"

	"github.com/woo-gateway/notubiz-sync-helper/internal/notubiz"
	"github.com/woo-gateway/notubiz-sync-helper/internal/store"
)

// EventDocumentCreated is dispatched once per document of a stored record.
const EventDocumentCreated = "woo.openwoo.document.created"

const attachmentsField = "bijlagen"

// DocumentEvent is the payload of EventDocumentCreated.
type DocumentEvent struct {
	Document any    `json:"document"`
	Source   string `json:"source"`
}

// MergeMeetingDocuments appends the meeting's documents and those of every
// agenda item to the record's "bijlagen", after any already present.
// Duplicates are kept. A meeting without a documents list leaves the record
// untouched.
func MergeMeetingDocuments(record map[string]any, meeting *notubiz.Meeting) {
	if meeting == nil || meeting.Documents == nil {
		return
	}

	var attachments []any
	if existing, ok := record[attachmentsField].([]any); ok {
		attachments = append(attachments, existing...)
	}
	for _, doc := range meeting.Documents {
		attachments = append(attachments, map[string]any(doc))
	}
	for _, item := range meeting.AgendaItems {
		for _, doc := range item.Documents {
			attachments = append(attachments, map[string]any(doc))
		}
	}
	if attachments == nil {
		attachments = []any{}
	}
	record[attachmentsField] = attachments
}

// DocumentsOf returns the documents of a stored object.
func DocumentsOf(obj *store.Object) []any {
	if obj == nil {
		return nil
	}
	docs, _ := obj.Data[attachmentsField].([]any)
	return docs
}

func (s *Service) dispatchDocuments(ctx context.Context, scope Scope, docs []any) {
	for _, doc := range docs {
		s.dispatcher.Dispatch(ctx, EventDocumentCreated, DocumentEvent{Document: doc, Source: scope.Source})
	}
}

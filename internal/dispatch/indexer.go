// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	indexerConstants "github.com/linuxfoundation/lfx-v2-indexer-service/pkg/constants"
	indexerTypes "github.com/linuxfoundation/lfx-v2-indexer-service/pkg/types"

	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
	"github.com/woo-gateway/notubiz-sync-helper/internal/store"
)

// Indexer sends synchronized publications to the search indexer.
type Indexer struct {
	pub     Publisher
	subject string
	headers map[string]string
	logger  *slog.Logger
}

// NewIndexer creates an Indexer publishing on subject. headers are sent with
// every message, e.g. an authorization header expected by the indexer.
func NewIndexer(pub Publisher, subject string, headers map[string]string, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Indexer{pub: pub, subject: subject, headers: headers, logger: logger}
}

// IndexUpsert indexes a created or updated publication.
func (i *Indexer) IndexUpsert(ctx context.Context, obj *store.Object, created bool) error {
	action := indexerConstants.ActionUpdated
	if created {
		action = indexerConstants.ActionCreated
	}

	data := make(map[string]any, len(obj.Data)+1)
	for k, v := range obj.Data {
		data[k] = v
	}
	data["uid"] = obj.ID

	// Only auto-published records are visible to anonymous readers.
	public, _ := obj.Data["autoPublish"].(bool)

	message := indexerTypes.IndexerMessageEnvelope{
		Action:  action,
		Headers: i.headers,
		Data:    data,
		IndexingConfig: &indexerTypes.IndexingConfig{
			ObjectID:             "{{ uid }}",
			Public:               &public,
			AccessCheckObject:    "woo_publication:{{ uid }}",
			AccessCheckRelation:  "viewer",
			HistoryCheckObject:   "woo_publication:{{ uid }}",
			HistoryCheckRelation: "auditor",
			SortName:             "{{ titel }}",
			NameAndAliases:       []string{"{{ titel }}"},
			Fulltext:             "{{ titel }} {{ beschrijving }}",
		},
	}
	return i.publish(ctx, action, message)
}

// IndexDelete removes a publication from the index.
func (i *Indexer) IndexDelete(ctx context.Context, objectID string) error {
	message := indexerTypes.IndexerMessageEnvelope{
		Action:  indexerConstants.ActionDeleted,
		Headers: i.headers,
		Data:    objectID,
	}
	return i.publish(ctx, indexerConstants.ActionDeleted, message)
}

func (i *Indexer) publish(ctx context.Context, action indexerConstants.MessageAction, message indexerTypes.IndexerMessageEnvelope) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal indexer message for subject %s: %w", i.subject, err)
	}

	i.logger.With("subject", i.subject, "action", action).DebugContext(ctx, "constructed indexer message")

	if err := i.pub.Publish(i.subject, messageBytes); err != nil {
		return fmt.Errorf("failed to publish indexer message to subject %s: %w", i.subject, err)
	}
	return nil
}

// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The notubiz-sync-helper service.
package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
	"github.com/woo-gateway/notubiz-sync-helper/internal/pipeline"
)

// processNotification handles one notification payload and reports whether
// the message should be redelivered.
func processNotification(ctx context.Context, a syncer, logger *slog.Logger, data []byte) bool {
	var n pipeline.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		// A malformed payload will not get better on redelivery.
		logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to decode notification")
		return false
	}

	out := a.Notify(ctx, n)
	logger.With("status", out.Status, "message", out.Message, "actie", n.Actie, "resource_id", n.SourceID()).
		InfoContext(ctx, "handled notification")
	return out.Status == pipeline.StatusRejected && out.Retryable
}

// notificationMessageHandler returns the JetStream consumer callback.
func notificationMessageHandler(ctx context.Context, a syncer, logger *slog.Logger) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		subject := msg.Subject()
		shouldRetry := processNotification(ctx, a, logger.With("subject", subject), msg.Data())

		// Handle message acknowledgment based on retry decision.
		if shouldRetry {
			// NAK the message to trigger retry.
			if err := msg.Nak(); err != nil {
				logger.With(logging.ErrKey, err, "subject", subject).Error("failed to NAK notification message for retry")
			} else {
				logger.With("subject", subject).Debug("NAKed notification message for retry")
			}
			return
		}
		if err := msg.Ack(); err != nil {
			logger.With(logging.ErrKey, err, "subject", subject).Error("failed to acknowledge notification message")
		}
	}
}

// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package dispatch publishes domain events and search index updates to NATS.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
)

// Publisher publishes a message on a subject, e.g. *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the envelope of a published domain event.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// NATSDispatcher publishes events on "<prefix>.<event>". Publishing is fire
// and forget: failures are logged, never returned.
type NATSDispatcher struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewNATSDispatcher creates a dispatcher publishing under prefix.
func NewNATSDispatcher(pub Publisher, prefix string, logger *slog.Logger) *NATSDispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &NATSDispatcher{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subject returns the subject an event is published on.
func (d *NATSDispatcher) Subject(event string) string {
	if d.prefix == "" {
		return event
	}
	return d.prefix + "." + event
}

// Dispatch publishes payload as event.
func (d *NATSDispatcher) Dispatch(ctx context.Context, event string, payload any) {
	subject := d.Subject(event)
	data, err := json.Marshal(Event{Type: event, Time: d.now(), Data: payload})
	if err != nil {
		d.logger.With(logging.ErrKey, err, "subject", subject).ErrorContext(ctx, "failed to marshal event")
		return
	}
	if err := d.pub.Publish(subject, data); err != nil {
		d.logger.With(logging.ErrKey, err, "subject", subject).ErrorContext(ctx, "failed to publish event")
		return
	}
	d.logger.DebugContext(ctx, "published event", "subject", subject)
}

// LogDispatcher only logs events. It is used for dry runs.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the event.
func (d *LogDispatcher) Dispatch(ctx context.Context, event string, payload any) {
	d.logger.InfoContext(ctx, "dry run: event not published", "event", event, "payload", payload)
}

// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package pipeline

import (
	"time"

	"github.com/woo-gateway/notubiz-sync-helper/internal/store"
)

// Result is a mapped record ready to be stored, or the reason it was
// skipped.
type Result struct {
	record map[string]any
	reason string
}

// Ok wraps a mapped record.
func Ok(record map[string]any) Result {
	return Result{record: record}
}

// Skip records why a record is not stored.
func Skip(reason string) Result {
	return Result{reason: reason}
}

// Skipped reports whether the record was skipped.
func (r Result) Skipped() bool { return r.record == nil }

// Record returns the mapped record, nil when skipped.
func (r Result) Record() map[string]any { return r.record }

// Reason returns the skip reason.
func (r Result) Reason() string { return r.reason }

// Status is the final state of a notification.
type Status string

const (
	StatusDone     Status = "done"
	StatusRejected Status = "rejected"
)

// Outcome is the result of handling one notification.
type Outcome struct {
	Status  Status        `json:"status"`
	Message string        `json:"message"`
	Object  *store.Object `json:"object,omitempty"`
	// Retryable is set when the failure was transient and redelivery may
	// succeed.
	Retryable bool  `json:"-"`
	Err       error `json:"-"`
}

func done(message string, obj *store.Object) Outcome {
	return Outcome{Status: StatusDone, Message: message, Object: obj}
}

func rejected(message string, err error) Outcome {
	return Outcome{Status: StatusRejected, Message: message, Err: err}
}

// Report summarises a bulk run.
type Report struct {
	Fetched   int `json:"fetched"`
	Synced    int `json:"synced"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Deleted   int `json:"deleted"`
	// Partial is set when pagination stopped early.
	Partial bool `json:"partial"`
	// StaleDeleteSkipped is set when stale objects were not reconciled.
	StaleDeleteSkipped bool   `json:"stale_delete_skipped"`
	StaleDeleteReason  string `json:"stale_delete_reason,omitempty"`
	FetchError         string `json:"fetch_error,omitempty"`
	// SkipReasons maps skipped source ids to why they were skipped.
	SkipReasons map[string]string `json:"skip_reasons,omitempty"`
	Duration    time.Duration     `json:"duration"`
	Objects     []*store.Object   `json:"-"`
}

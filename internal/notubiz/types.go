// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package notubiz is a read-only client for the NotuBiz events API.
package notubiz

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event is a raw event record as returned by NotuBiz. Field names are
// NotuBiz's own; numbers are kept as json.Number so ids survive unchanged.
type Event map[string]any

// ID returns the event id as a string, or "" when absent.
func (e Event) ID() string {
	return stringOf(e["id"])
}

// OrganisationID returns the id of the organisation owning the event.
func (e Event) OrganisationID() string {
	switch org := e["organisation"].(type) {
	case map[string]any:
		return stringOf(org["id"])
	case nil:
		return stringOf(e["organisation_id"])
	default:
		return stringOf(org)
	}
}

// Document is a document reference attached to a meeting or agenda item.
// It is passed through as-is.
type Document map[string]any

// AgendaItem is one item on a meeting agenda.
type AgendaItem struct {
	ID        any        `json:"id"`
	Title     string     `json:"title,omitempty"`
	Documents []Document `json:"documents,omitempty"`
}

// Gremium is the committee a meeting belongs to.
type Gremium struct {
	ID    any    `json:"id"`
	Title string `json:"title,omitempty"`
}

// Meeting is the meeting context of an event.
type Meeting struct {
	ID           any          `json:"id"`
	CreationDate string       `json:"creation_date,omitempty"`
	Documents    []Document   `json:"documents,omitempty"`
	AgendaItems  []AgendaItem `json:"agenda_items,omitempty"`
	Gremium      *Gremium     `json:"gremium,omitempty"`
}

// GremiumID returns the meeting's gremium id, or "" when unknown.
func (m *Meeting) GremiumID() string {
	if m == nil || m.Gremium == nil {
		return ""
	}
	return stringOf(m.Gremium.ID)
}

type pagination struct {
	HasMorePages bool `json:"has_more_pages"`
	CurrentPage  int  `json:"current_page,omitempty"`
	TotalPages   int  `json:"total_pages,omitempty"`
}

type eventsResponse struct {
	Events     []Event    `json:"events"`
	Pagination pagination `json:"pagination"`
}

type eventResponse struct {
	Event []Event `json:"event"`
}

type meetingResponse struct {
	Meeting *Meeting `json:"meeting"`
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}

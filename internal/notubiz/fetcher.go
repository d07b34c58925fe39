// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package notubiz

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
)

const (
	// DefaultVersion is the NotuBiz API version requested when none is set.
	DefaultVersion = "1.21.1"
	// DefaultWindowYears is how far back a bulk fetch looks.
	DefaultWindowYears = 10
	// DefaultMaxPages bounds a bulk fetch. Reaching it counts as a partial
	// fetch.
	DefaultMaxPages = 10000

	dateLayout = "2006-01-02 15:04:05"
)

// Filter selects the events of one organisation.
type Filter struct {
	// Endpoint is the events path relative to the API root, e.g. "/events".
	Endpoint       string
	OrganisationID string
	// GremiaIDs optionally restricts the fetch to these committees.
	GremiaIDs   []string
	Version     string
	WindowYears int
	MaxPages    int
}

func (f Filter) endpoint() string {
	if f.Endpoint == "" {
		return "/events"
	}
	return f.Endpoint
}

func (f Filter) version() string {
	if f.Version == "" {
		return DefaultVersion
	}
	return f.Version
}

// Fetcher reads events and meetings from NotuBiz.
type Fetcher struct {
	transport Transport
	logger    *slog.Logger
	now       func() time.Time
}

// NewFetcher creates a Fetcher over transport.
func NewFetcher(transport Transport, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Fetcher{transport: transport, logger: logger, now: time.Now}
}

// FetchBatch returns every event of the filter's organisation within the
// date window, following pagination. When a page fails, the events of the
// earlier pages are returned together with an error wrapping ErrPartialFetch.
func (f *Fetcher) FetchBatch(ctx context.Context, filter Filter) ([]Event, error) {
	now := f.now()
	years := filter.WindowYears
	if years <= 0 {
		years = DefaultWindowYears
	}
	maxPages := filter.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	base := url.Values{}
	base.Set("format", "json")
	base.Set("organisation_id", filter.OrganisationID)
	base.Set("version", filter.version())
	base.Set("date_to", now.Format(dateLayout))
	base.Set("date_from", now.AddDate(-years, 0, 0).Format(dateLayout))
	for i, id := range filter.GremiaIDs {
		base.Set(fmt.Sprintf("gremia_ids[%d]", i), id)
	}

	var events []Event
	for page := 1; ; page++ {
		query := cloneValues(base)
		query.Set("page", strconv.Itoa(page))

		body, err := f.transport.Get(ctx, filter.endpoint(), query)
		if err != nil {
			f.logger.With(logging.ErrKey, err, "page", page, "organisation_id", filter.OrganisationID).
				ErrorContext(ctx, "error fetching events page")
			return events, fmt.Errorf("%w: page %d: %w", ErrPartialFetch, page, err)
		}

		var resp eventsResponse
		if err := decode(body, &resp); err != nil {
			f.logger.With(logging.ErrKey, err, "page", page).ErrorContext(ctx, "error decoding events page")
			return events, fmt.Errorf("%w: page %d: %w: %w", ErrPartialFetch, page, ErrTransport, err)
		}
		events = append(events, resp.Events...)

		f.logger.DebugContext(ctx, "fetched events page", "page", page, "count", len(resp.Events))

		if !resp.Pagination.HasMorePages {
			return events, nil
		}
		if page >= maxPages {
			f.logger.WarnContext(ctx, "stopping pagination at page limit", "max_pages", maxPages)
			return events, fmt.Errorf("%w: page limit %d reached", ErrPartialFetch, maxPages)
		}
	}
}

// FetchOne returns a single event. It fails with ErrNotFound when NotuBiz has
// no such event and ErrScopeMismatch when the event belongs to another
// organisation.
func (f *Fetcher) FetchOne(ctx context.Context, filter Filter, id string) (Event, error) {
	query := url.Values{}
	query.Set("format", "json")

	path := strings.TrimRight(filter.endpoint(), "/") + "/" + url.PathEscape(id)
	body, err := f.transport.Get(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("fetching event %s: %w", id, err)
	}

	var resp eventResponse
	if err := decode(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding event %s: %w: %w", id, ErrTransport, err)
	}
	if len(resp.Event) == 0 || resp.Event[0] == nil {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}

	event := resp.Event[0]
	if filter.OrganisationID != "" && event.OrganisationID() != filter.OrganisationID {
		return nil, fmt.Errorf("event %s belongs to organisation %q, want %q: %w",
			id, event.OrganisationID(), filter.OrganisationID, ErrScopeMismatch)
	}
	return event, nil
}

// FetchMeeting returns the meeting context of an event.
func (f *Fetcher) FetchMeeting(ctx context.Context, eventID string) (*Meeting, error) {
	query := url.Values{}
	query.Set("format", "json")

	body, err := f.transport.Get(ctx, "/events/meetings/"+url.PathEscape(eventID), query)
	if err != nil {
		return nil, fmt.Errorf("fetching meeting for event %s: %w", eventID, err)
	}

	var resp meetingResponse
	if err := decode(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding meeting for event %s: %w: %w", eventID, ErrTransport, err)
	}
	if resp.Meeting == nil {
		return nil, fmt.Errorf("meeting for event %s: %w", eventID, ErrNotFound)
	}
	return resp.Meeting, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+1)
	for key, values := range v {
		out[key] = append([]string(nil), values...)
	}
	return out
}

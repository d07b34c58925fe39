// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woo-gateway/notubiz-sync-helper/internal/mapping"
	"github.com/woo-gateway/notubiz-sync-helper/internal/notubiz"
	"github.com/woo-gateway/notubiz-sync-helper/internal/store"
)

type fakeFetcher struct {
	mu         sync.Mutex
	events     []notubiz.Event
	batchErr   error
	oneErr     error
	meetings   map[string]*notubiz.Meeting
	meetingErr map[string]error
}

func (f *fakeFetcher) FetchBatch(context.Context, notubiz.Filter) ([]notubiz.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events), f.batchErr
}

func (f *fakeFetcher) FetchOne(_ context.Context, _ notubiz.Filter, id string) (notubiz.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.oneErr != nil {
		return nil, f.oneErr
	}
	for _, e := range f.events {
		if e.ID() == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("event %s: %w", id, notubiz.ErrNotFound)
}

func (f *fakeFetcher) FetchMeeting(_ context.Context, id string) (*notubiz.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.meetingErr[id]; err != nil {
		return nil, err
	}
	if m, ok := f.meetings[id]; ok {
		return m, nil
	}
	return &notubiz.Meeting{ID: id}, nil
}

func (f *fakeFetcher) add(e notubiz.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeFetcher) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = slices.DeleteFunc(f.events, func(e notubiz.Event) bool { return e.ID() == id })
}

// titleValidator rejects records without a title.
type titleValidator struct{}

func (titleValidator) Validate(data map[string]any, _, _ string) []string {
	if s, _ := data["titel"].(string); s == "" {
		return []string{"/titel: property is required"}
	}
	return nil
}

type dispatched struct {
	event   string
	payload any
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []dispatched
}

func (d *fakeDispatcher) Dispatch(_ context.Context, event string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, dispatched{event: event, payload: payload})
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type fakeIndexer struct {
	mu      sync.Mutex
	upserts []string
	deletes []string
}

func (i *fakeIndexer) IndexUpsert(_ context.Context, obj *store.Object, _ bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.upserts = append(i.upserts, obj.ID)
	return nil
}

func (i *fakeIndexer) IndexDelete(_ context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deletes = append(i.deletes, id)
	return nil
}

func testScope() Scope {
	return Scope{
		Source:       "notubiz-source",
		Schema:       "woo-publicatie",
		Mapping:      "notubiz-event",
		Filter:       notubiz.Filter{OrganisationID: "1234"},
		OIN:          "00000001234567890000",
		Organisation: "Gemeente Voorbeeld",
		AutoPublish:  true,
		Category:     DefaultCategory,
	}
}

func testMapper() *mapping.Engine {
	return mapping.NewEngine(&mapping.Definition{
		Reference: "notubiz-event",
		Mapping: map[string]string{
			"titel":           "{{ title }}",
			"bijlagen":        "{{ bijlagen }}",
			"organisatie":     "{{ organisatie }}",
			"publicatiedatum": "{{ creation_date }}",
		},
	})
}

type harness struct {
	fetcher    *fakeFetcher
	store      *store.Store
	dispatcher *fakeDispatcher
	indexer    *fakeIndexer
	svc        *Service
}

func newHarness(events ...notubiz.Event) *harness {
	h := &harness{
		fetcher:    &fakeFetcher{events: events},
		store:      store.New(store.NewMemoryBackend()),
		dispatcher: &fakeDispatcher{},
		indexer:    &fakeIndexer{},
	}
	h.svc = NewService(h.fetcher, testMapper(), titleValidator{}, h.store, h.dispatcher, WithIndexer(h.indexer))
	return h
}

func event(id, title string) notubiz.Event {
	e := notubiz.Event{"id": id}
	if title != "" {
		e["title"] = title
	}
	return e
}

// seed stores an object as if it was synchronized by an earlier run.
func (h *harness) seed(t *testing.T, id, category string) *store.Object {
	t.Helper()
	obj, _, err := h.store.UpsertBySourceLink(context.Background(), testScope().linkKey(id),
		map[string]any{"titel": "old " + id, "categorie": category})
	require.NoError(t, err)
	return obj
}

func (h *harness) hasLink(t *testing.T, id string) bool {
	t.Helper()
	_, err := h.store.FindLinkBySource(context.Background(), testScope().linkKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestSyncBatchSkipsInvalidAndDeletesStale(t *testing.T) {
	h := newHarness(event("1", "Raad"), event("2", ""), event("3", "Commissie"))
	stale := h.seed(t, "99", DefaultCategory)
	h.seed(t, "98", "Andere categorie")

	report, err := h.svc.SyncBatch(context.Background(), testScope())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Skipped)
	assert.Contains(t, report.SkipReasons["2"], "titel")
	assert.Equal(t, 1, report.Deleted)
	assert.False(t, report.StaleDeleteSkipped)

	assert.True(t, h.hasLink(t, "1"))
	assert.False(t, h.hasLink(t, "2"))
	assert.True(t, h.hasLink(t, "3"))
	assert.False(t, h.hasLink(t, "99"))
	assert.True(t, h.hasLink(t, "98"), "objects of another category are left alone")
	assert.Contains(t, h.indexer.deletes, stale.ID)
}

// meetingHookFetcher runs onMeeting before serving the meeting of event id.
type meetingHookFetcher struct {
	*fakeFetcher
	id        string
	onMeeting func(ctx context.Context)
}

func (f *meetingHookFetcher) FetchMeeting(ctx context.Context, id string) (*notubiz.Meeting, error) {
	if id == f.id && f.onMeeting != nil {
		f.onMeeting(ctx)
	}
	return f.fakeFetcher.FetchMeeting(ctx, id)
}

func TestSyncBatchKeepsObjectsSyncedDuringRun(t *testing.T) {
	h := newHarness(event("1", "Raad"), event("2", "Commissie"))
	stale := h.seed(t, "98", DefaultCategory)

	fetcher := &meetingHookFetcher{fakeFetcher: h.fetcher, id: "1"}
	svc := NewService(fetcher, testMapper(), titleValidator{}, h.store, h.dispatcher, WithIndexer(h.indexer))

	// Event 99 is published after the batch fetched its events and arrives
	// through a notification while the batch is still running.
	var out Outcome
	fetcher.onMeeting = func(ctx context.Context) {
		h.fetcher.add(event("99", "Spoeddebat"))
		out = svc.SyncOne(ctx, testScope(), "99")
	}

	report, err := svc.SyncBatch(context.Background(), testScope())
	require.NoError(t, err)
	require.Equal(t, StatusDone, out.Status, out.Message)

	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 1, report.Deleted)
	assert.True(t, h.hasLink(t, "99"), "object synced during the run is not stale")
	assert.False(t, h.hasLink(t, "98"))
	assert.Equal(t, []string{stale.ID}, h.indexer.deletes)
}

func TestSyncBatchStampsCustomFields(t *testing.T) {
	h := newHarness(event("1", "Raad"))

	report, err := h.svc.SyncBatch(context.Background(), testScope())
	require.NoError(t, err)
	require.Len(t, report.Objects, 1)

	data := report.Objects[0].Data
	assert.Equal(t, DefaultCategory, data["categorie"])
	assert.Equal(t, true, data["autoPublish"])
	assert.Equal(t, map[string]any{"oin": "00000001234567890000", "naam": "Gemeente Voorbeeld"}, data["organisatie"])
}

func TestSyncBatchIsIdempotent(t *testing.T) {
	h := newHarness(event("1", "Raad"), event("2", "Commissie"))
	ctx := context.Background()

	first, err := h.svc.SyncBatch(ctx, testScope())
	require.NoError(t, err)
	second, err := h.svc.SyncBatch(ctx, testScope())
	require.NoError(t, err)

	assert.Equal(t, 2, first.Created)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, 0, second.Deleted)

	links, err := h.store.ListLinks(ctx, "notubiz-source", "woo-publicatie")
	require.NoError(t, err)
	assert.Len(t, links, 2)
	assert.Len(t, h.indexer.upserts, 2, "unchanged objects are not re-indexed")
}

func TestSyncBatchConvergesAfterUpstreamRemoval(t *testing.T) {
	h := newHarness(event("1", "Raad"), event("2", "Commissie"))
	ctx := context.Background()

	_, err := h.svc.SyncBatch(ctx, testScope())
	require.NoError(t, err)

	h.fetcher.remove("2")
	report, err := h.svc.SyncBatch(ctx, testScope())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Deleted)
	assert.True(t, h.hasLink(t, "1"))
	assert.False(t, h.hasLink(t, "2"))
}

func TestSyncBatchPartialFetchKeepsStaleObjects(t *testing.T) {
	h := newHarness(event("1", "Raad"))
	h.fetcher.batchErr = fmt.Errorf("page 3: %w", notubiz.ErrPartialFetch)
	h.seed(t, "99", DefaultCategory)

	report, err := h.svc.SyncBatch(context.Background(), testScope())
	require.NoError(t, err)

	assert.True(t, report.Partial)
	assert.True(t, report.StaleDeleteSkipped)
	assert.NotEmpty(t, report.FetchError)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 0, report.Deleted)
	assert.True(t, h.hasLink(t, "99"))
}

func TestSyncBatchWithoutEventsKeepsStore(t *testing.T) {
	h := newHarness()
	h.seed(t, "99", DefaultCategory)

	report, err := h.svc.SyncBatch(context.Background(), testScope())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Fetched)
	assert.True(t, report.StaleDeleteSkipped)
	assert.True(t, h.hasLink(t, "99"))
}

func TestSyncBatchAllInvalidKeepsStore(t *testing.T) {
	h := newHarness(event("1", ""))
	h.seed(t, "99", DefaultCategory)

	report, err := h.svc.SyncBatch(context.Background(), testScope())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.True(t, report.StaleDeleteSkipped)
	assert.True(t, h.hasLink(t, "99"))
}

func TestSyncBatchRejectsInvalidScope(t *testing.T) {
	h := newHarness()
	scope := testScope()
	scope.Filter.OrganisationID = ""

	_, err := h.svc.SyncBatch(context.Background(), scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "organisation id")
}

func TestSyncBatchAppliesGremiaAllowlist(t *testing.T) {
	h := newHarness(event("1", "Raad"), event("2", "Commissie"), event("3", "Onbekend"))
	h.fetcher.meetings = map[string]*notubiz.Meeting{
		"1": {ID: "m1", Gremium: &notubiz.Gremium{ID: "7"}},
		"2": {ID: "m2", Gremium: &notubiz.Gremium{ID: "8"}},
	}
	scope := testScope()
	scope.Filter.GremiaIDs = []string{"7"}

	report, err := h.svc.SyncBatch(context.Background(), scope)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 1, report.Skipped)
	assert.False(t, h.hasLink(t, "2"))
	assert.True(t, h.hasLink(t, "3"), "a meeting without gremium passes")
}

func TestSyncBatchMergesAndDispatchesDocuments(t *testing.T) {
	h := newHarness(event("1", "Raad"))
	h.fetcher.meetings = map[string]*notubiz.Meeting{
		"1": {
			ID:        "m1",
			Documents: []notubiz.Document{{"id": "d1", "title": "Agenda"}},
			AgendaItems: []notubiz.AgendaItem{
				{ID: "a1", Documents: []notubiz.Document{{"id": "d2", "title": "Besluit"}}},
			},
		},
	}

	report, err := h.svc.SyncBatch(context.Background(), testScope())
	require.NoError(t, err)
	require.Len(t, report.Objects, 1)

	docs := DocumentsOf(report.Objects[0])
	require.Len(t, docs, 2)
	assert.Equal(t, "d1", docs[0].(map[string]any)["id"])
	assert.Equal(t, "d2", docs[1].(map[string]any)["id"])

	require.Equal(t, 2, h.dispatcher.count())
	for _, d := range h.dispatcher.events {
		assert.Equal(t, EventDocumentCreated, d.event)
		assert.Equal(t, "notubiz-source", d.payload.(DocumentEvent).Source)
	}
}

func TestSyncBatchContinuesWithoutMeeting(t *testing.T) {
	h := newHarness(event("1", "Raad"))
	h.fetcher.meetingErr = map[string]error{"1": fmt.Errorf("%w: 500", notubiz.ErrTransport)}

	report, err := h.svc.SyncBatch(context.Background(), testScope())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Zero(t, h.dispatcher.count())
}

func TestSyncBatchWithWorkers(t *testing.T) {
	var events []notubiz.Event
	for i := range 25 {
		events = append(events, event(fmt.Sprint(i+1), fmt.Sprintf("Vergadering %d", i+1)))
	}
	h := newHarness(events...)
	h.svc = NewService(h.fetcher, testMapper(), titleValidator{}, h.store, h.dispatcher, WithWorkers(4))

	report, err := h.svc.SyncBatch(context.Background(), testScope())
	require.NoError(t, err)

	assert.Equal(t, 25, report.Synced)
	assert.Equal(t, 25, report.Created)
	links, err := h.store.ListLinks(context.Background(), "notubiz-source", "woo-publicatie")
	require.NoError(t, err)
	assert.Len(t, links, 25)
}

func TestDeleteOneRefusesWhenStillUpstream(t *testing.T) {
	h := newHarness(event("42", "Raad"))
	h.seed(t, "42", DefaultCategory)

	out := h.svc.DeleteOne(context.Background(), testScope(), "42", DefaultCategory)

	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, MsgStillExists, out.Message)
	assert.ErrorIs(t, out.Err, ErrStillExists)
	assert.True(t, h.hasLink(t, "42"))
}

func TestDeleteOneRemovesObject(t *testing.T) {
	h := newHarness()
	obj := h.seed(t, "42", DefaultCategory)

	out := h.svc.DeleteOne(context.Background(), testScope(), "42", DefaultCategory)

	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, MsgDeleted, out.Message)
	assert.False(t, h.hasLink(t, "42"))
	_, err := h.store.GetObject(context.Background(), obj.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{obj.ID}, h.indexer.deletes)
}

func TestDeleteOneWithoutLink(t *testing.T) {
	h := newHarness()

	out := h.svc.DeleteOne(context.Background(), testScope(), "42", DefaultCategory)

	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, MsgNothingToDelete, out.Message)
}

func TestDeleteOneCategoryMismatch(t *testing.T) {
	h := newHarness()
	h.seed(t, "42", "Andere categorie")

	out := h.svc.DeleteOne(context.Background(), testScope(), "42", DefaultCategory)

	assert.Equal(t, StatusRejected, out.Status)
	assert.ErrorIs(t, out.Err, ErrCategoryMismatch)
	assert.True(t, h.hasLink(t, "42"))
}

func TestDeleteOneVerifyFailureIsRetryable(t *testing.T) {
	h := newHarness()
	h.fetcher.oneErr = fmt.Errorf("%w: 502", notubiz.ErrTransport)
	h.seed(t, "42", DefaultCategory)

	out := h.svc.DeleteOne(context.Background(), testScope(), "42", DefaultCategory)

	assert.Equal(t, StatusRejected, out.Status)
	assert.True(t, out.Retryable)
	assert.True(t, h.hasLink(t, "42"))
}

func TestSyncOneStoresEvent(t *testing.T) {
	h := newHarness(event("5", "Raad"))
	h.fetcher.meetings = map[string]*notubiz.Meeting{
		"5": {ID: "m5", CreationDate: "2024-01-02 10:00:00", Documents: []notubiz.Document{{"id": "d1"}}},
	}

	out := h.svc.SyncOne(context.Background(), testScope(), "5")

	require.Equal(t, StatusDone, out.Status, out.Message)
	require.NotNil(t, out.Object)
	assert.Equal(t, "Raad", out.Object.Data["titel"])
	assert.Equal(t, "2024-01-02 10:00:00", out.Object.Data["publicatiedatum"])
	assert.True(t, h.hasLink(t, "5"))
	assert.Equal(t, 1, h.dispatcher.count())
}

func TestSyncOneMeetingFailure(t *testing.T) {
	h := newHarness(event("5", "Raad"))
	h.fetcher.meetingErr = map[string]error{"5": fmt.Errorf("%w: 503", notubiz.ErrTransport)}

	out := h.svc.SyncOne(context.Background(), testScope(), "5")

	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, MsgMeetingFailed, out.Message)
	assert.True(t, out.Retryable)
	assert.False(t, h.hasLink(t, "5"))
}

func TestSyncOneNotFound(t *testing.T) {
	h := newHarness()

	out := h.svc.SyncOne(context.Background(), testScope(), "5")

	assert.Equal(t, StatusRejected, out.Status)
	assert.ErrorIs(t, out.Err, notubiz.ErrNotFound)
	assert.False(t, out.Retryable)
}

func TestSyncOneValidationFailure(t *testing.T) {
	h := newHarness(event("5", ""))

	out := h.svc.SyncOne(context.Background(), testScope(), "5")

	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, MsgValidationFailed, out.Message)
	assert.ErrorIs(t, out.Err, ErrValidation)
}

func TestSyncOneGremiumMismatch(t *testing.T) {
	h := newHarness(event("5", "Raad"))
	h.fetcher.meetings = map[string]*notubiz.Meeting{"5": {ID: "m5", Gremium: &notubiz.Gremium{ID: "8"}}}
	scope := testScope()
	scope.Filter.GremiaIDs = []string{"7"}

	out := h.svc.SyncOne(context.Background(), scope, "5")

	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, MsgGremiumMismatch, out.Message)
	assert.False(t, h.hasLink(t, "5"))
}

func TestHandleNotificationRoutes(t *testing.T) {
	h := newHarness(event("5", "Raad"))
	ctx := context.Background()

	out := h.svc.HandleNotification(ctx, testScope(), Notification{
		Actie:       "create",
		ResourceURL: "https://api.notubiz.nl/events/5",
	})
	require.Equal(t, StatusDone, out.Status, out.Message)
	assert.True(t, h.hasLink(t, "5"))

	out = h.svc.HandleNotification(ctx, testScope(), Notification{Actie: "DELETE", ResourceID: "5"})
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, MsgStillExists, out.Message)

	h.fetcher.remove("5")
	out = h.svc.HandleNotification(ctx, testScope(), Notification{Actie: "delete", ResourceID: "5"})
	assert.Equal(t, StatusDone, out.Status)
	assert.False(t, h.hasLink(t, "5"))

	out = h.svc.HandleNotification(ctx, testScope(), Notification{Actie: "update"})
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, MsgMissingResource, out.Message)
}

func TestNotificationSourceID(t *testing.T) {
	tests := []struct {
		name string
		n    Notification
		want string
	}{
		{"resource id", Notification{ResourceID: " 12 ", ResourceURL: "https://x/events/99"}, "12"},
		{"from url", Notification{ResourceURL: "https://api.notubiz.nl/events/77"}, "77"},
		{"trailing slash", Notification{ResourceURL: "https://api.notubiz.nl/events/77/"}, "77"},
		{"empty", Notification{}, ""},
		{"host only", Notification{ResourceURL: "https://api.notubiz.nl"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.n.SourceID())
		})
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-outbox/internal/auth"
	"github.com/ignite/email-outbox/internal/capacity"
	"github.com/ignite/email-outbox/internal/config"
	"github.com/ignite/email-outbox/internal/domain"
	"github.com/ignite/email-outbox/internal/outbox"
)

type apiRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*domain.OutboxEntry
}

func newAPIRepo() *apiRepo {
	return &apiRepo{entries: map[uuid.UUID]*domain.OutboxEntry{}}
}

func (r *apiRepo) Get(_ context.Context, projectID, id uuid.UUID) (*domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.ProjectID != projectID {
		return nil, outbox.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *apiRepo) List(_ context.Context, projectID uuid.UUID, f outbox.ListFilter) ([]domain.OutboxEntry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OutboxEntry
	for _, e := range r.entries {
		if e.ProjectID != projectID {
			continue
		}
		if f.Status != nil && e.Status() != *f.Status {
			continue
		}
		if f.SimpleStatus != nil && e.SimpleStatus() != *f.SimpleStatus {
			continue
		}
		out = append(out, *e)
	}
	return out, len(out), nil
}

func (r *apiRepo) CreateBatch(_ context.Context, entries []*domain.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		cp := *e
		r.entries[e.ID] = &cp
	}
	return nil
}

func (r *apiRepo) Update(_ context.Context, projectID, id uuid.UUID, p outbox.Patch) (*domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.ProjectID != projectID {
		return nil, outbox.ErrNotFound
	}
	if !e.IsEditable() {
		return nil, outbox.ErrNotEditable
	}
	if p.TemplateSource != nil {
		e.TemplateSource = *p.TemplateSource
	}
	if p.ScheduledAt != nil {
		e.ScheduledAt = *p.ScheduledAt
	}
	if p.IsPaused != nil {
		e.IsPaused = *p.IsPaused
	}
	if p.SkipDeliverabilityCheck != nil {
		e.SkipDeliverabilityCheck = *p.SkipDeliverabilityCheck
	}
	if p.SetSkipped != nil {
		e.SkippedReason = p.SetSkipped
		e.SkippedDetails = p.SetSkippedDetails
	}
	if p.ClearQueued {
		e.IsQueued = false
	}
	cp := *e
	return &cp, nil
}

func (r *apiRepo) RecordDeliveryEvent(_ context.Context, projectID, id uuid.UUID, event outbox.DeliveryEvent, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.ProjectID != projectID {
		return outbox.ErrNotFound
	}
	if event == outbox.EventOpened && e.OpenedAt == nil {
		e.OpenedAt = &at
	}
	return nil
}

type apiProjects struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*domain.Project
}

func (r *apiProjects) GetProject(_ context.Context, id uuid.UUID) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, outbox.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *apiProjects) DeliveryStats(context.Context, uuid.UUID, time.Time) (capacity.DeliveryStats, error) {
	return capacity.DeliveryStats{}, nil
}

func (r *apiProjects) ActivateBoost(_ context.Context, id uuid.UUID, now, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return outbox.ErrProjectNotFound
	}
	if p.BoostExpiresAt != nil && p.BoostExpiresAt.After(now) {
		return outbox.ErrBoostAlive
	}
	p.BoostExpiresAt = &expiresAt
	return nil
}

func (r *apiProjects) GetProjectByCredentials(ctx context.Context, id uuid.UUID, apiKey string, access domain.AccessType) (*domain.Project, error) {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	switch access {
	case domain.AccessServer:
		if p.ServerAPIKey != apiKey {
			return nil, outbox.ErrProjectNotFound
		}
	case domain.AccessAdmin:
		if p.AdminAPIKey != apiKey {
			return nil, outbox.ErrProjectNotFound
		}
	default:
		return nil, outbox.ErrProjectNotFound
	}
	return p, nil
}

type testEnv struct {
	router  http.Handler
	repo    *apiRepo
	project *domain.Project
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	project := &domain.Project{
		ID:           uuid.New(),
		DisplayName:  "Acme",
		ServerAPIKey: "server-key",
		AdminAPIKey:  "admin-key",
	}
	repo := newAPIRepo()
	projects := &apiProjects{projects: map[uuid.UUID]*domain.Project{project.ID: project}}

	cfg := config.CapacityConfig{
		BaseHourlyRate:       10000,
		BoostDurationMinutes: 60,
		BoostMultiplier:      4,
		MinPenaltyFactor:     0.1,
		SpamWeight:           50,
	}
	svc := outbox.NewService(repo, projects, cfg)

	return &testEnv{
		router:  SetupRoutes(NewHandlers(svc), projects),
		repo:    repo,
		project: project,
	}
}

func (env *testEnv) request(t *testing.T, method, path string, body any, access domain.AccessType, apiKey string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderProjectID, env.project.ID.String())
	req.Header.Set(auth.HeaderAccessType, string(access))
	req.Header.Set(auth.HeaderAPIKey, apiKey)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) serverRequest(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	return env.request(t, method, path, body, domain.AccessServer, "server-key")
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthNoAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejections(t *testing.T) {
	env := newTestEnv(t)

	t.Run("wrong key is 401", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/api/v1/emails/outbox", nil, domain.AccessServer, "wrong-key")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing headers is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/emails/outbox", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("server key on admin endpoint is 403", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/api/v1/emails/capacity-boost", nil, domain.AccessServer, "server-key")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin key works on server endpoints", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/api/v1/emails/outbox", nil, domain.AccessAdmin, "admin-key")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSendEmailEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.serverRequest(t, http.MethodPost, "/api/v1/emails/send-email", map[string]any{
		"emails":                     []string{"dana@example.com"},
		"html":                       "<p>hello</p>",
		"subject":                    "Hello",
		"notification_category_name": "Transactional",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	emails := body["emails"].([]any)
	require.Len(t, emails, 1)
	first := emails[0].(map[string]any)
	assert.Equal(t, "preparing", first["status"])
	assert.Equal(t, "in-progress", first["simple_status"])
	assert.NotEmpty(t, first["id"])
}

func TestSendEmailSchemaError(t *testing.T) {
	env := newTestEnv(t)

	// html without a subject is rejected before anything is stored.
	rec := env.serverRequest(t, http.MethodPost, "/api/v1/emails/send-email", map[string]any{
		"emails":                     []string{"dana@example.com"},
		"html":                       "<p>hello</p>",
		"notification_category_name": "Transactional",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "SCHEMA_ERROR", body["code"])
	assert.NotEmpty(t, body["details"])
	assert.Empty(t, env.repo.entries)
}

func TestGetSentEntryPayload(t *testing.T) {
	env := newTestEnv(t)

	created := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	startedRendering := created.Add(time.Second)
	finishedRendering := created.Add(2 * time.Second)
	startedSending := created.Add(3 * time.Second)
	finishedSending := created.Add(4 * time.Second)
	subject := "Welcome"
	html := "<p>hi</p>"
	text := "hi"
	category := domain.CategoryTransactionalID
	transactional := true
	canTrack := true
	entry := &domain.OutboxEntry{
		ID:                      uuid.New(),
		ProjectID:               env.project.ID,
		TemplateSource:          "<p>hi</p>",
		To:                      domain.Recipient{Type: domain.RecipientCustomEmails, Emails: []string{"a@example.com"}},
		StartedRenderingAt:      &startedRendering,
		FinishedRenderingAt:     &finishedRendering,
		RenderedSubject:         &subject,
		RenderedHTML:            &html,
		RenderedText:            &text,
		RenderedCategoryID:      &category,
		RenderedIsTransactional: &transactional,
		StartedSendingAt:        &startedSending,
		FinishedSendingAt:       &finishedSending,
		CanHaveDeliveryInfo:     &canTrack,
		CreatedAt:               created,
		UpdatedAt:               finishedSending,
	}
	require.NoError(t, env.repo.CreateBatch(context.Background(), []*domain.OutboxEntry{entry}))

	rec := env.serverRequest(t, http.MethodGet, "/api/v1/emails/outbox/"+entry.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "sent", body["status"])
	assert.Equal(t, "ok", body["simple_status"])
	assert.Equal(t, true, body["has_rendered"])
	assert.Equal(t, true, body["has_delivered"])
	assert.Equal(t, true, body["is_transactional"])
	assert.Equal(t, true, body["can_have_delivery_info"])
	assert.Equal(t, "Welcome", body["subject"])
	assert.Equal(t, "<p>hi</p>", body["html"])
	assert.Equal(t, "hi", body["text"])
	assert.Equal(t, category, body["notification_category_id"])
	assert.EqualValues(t, startedRendering.UnixMilli(), body["started_rendering_at_millis"])
	assert.EqualValues(t, finishedRendering.UnixMilli(), body["rendered_at_millis"])
	assert.EqualValues(t, startedSending.UnixMilli(), body["started_sending_at_millis"])
	// No delivery event yet, so transport handoff counts as delivery.
	assert.EqualValues(t, finishedSending.UnixMilli(), body["delivered_at_millis"])
}

func TestGetOutboxEntryCrossProject(t *testing.T) {
	env := newTestEnv(t)

	foreign := &domain.OutboxEntry{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
	}
	require.NoError(t, env.repo.CreateBatch(context.Background(), []*domain.OutboxEntry{foreign}))

	rec := env.serverRequest(t, http.MethodGet, "/api/v1/emails/outbox/"+foreign.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchTerminalEntryConflict(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now()
	canTrack := true
	sent := &domain.OutboxEntry{
		ID:                  uuid.New(),
		ProjectID:           env.project.ID,
		FinishedSendingAt:   &now,
		CanHaveDeliveryInfo: &canTrack,
	}
	require.NoError(t, env.repo.CreateBatch(context.Background(), []*domain.OutboxEntry{sent}))

	rec := env.serverRequest(t, http.MethodPatch, "/api/v1/emails/outbox/"+sent.ID.String(), map[string]any{
		"is_paused": true,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "EMAIL_NOT_EDITABLE", body["code"])
}

func TestPatchCancel(t *testing.T) {
	env := newTestEnv(t)

	entry := &domain.OutboxEntry{
		ID:             uuid.New(),
		ProjectID:      env.project.ID,
		TemplateSource: "hello",
		To:             domain.Recipient{Type: domain.RecipientCustomEmails, Emails: []string{"a@example.com"}},
		IsPaused:       true,
	}
	require.NoError(t, env.repo.CreateBatch(context.Background(), []*domain.OutboxEntry{entry}))

	rec := env.serverRequest(t, http.MethodPatch, "/api/v1/emails/outbox/"+entry.ID.String(), map[string]any{
		"cancel": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "skipped", body["status"])
	assert.Equal(t, string(domain.SkipManuallyCancelled), body["skipped_reason"])
	assert.Equal(t, false, body["is_paused"])
}

func TestCapacityBoostEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/api/v1/emails/capacity-boost", nil, domain.AccessAdmin, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotNil(t, body["boost_expires_at_millis"])

	rec = env.request(t, http.MethodPost, "/api/v1/emails/capacity-boost", nil, domain.AccessAdmin, "admin-key")
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "EMAIL_CAPACITY_BOOST_ALIVE", body["code"])
}

func TestDeliveryInfoEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.serverRequest(t, http.MethodGet, "/api/v1/emails/delivery-info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	capacityInfo := body["capacity"].(map[string]any)
	assert.InDelta(t, 2.7777, capacityInfo["rate_per_second"].(float64), 0.001)
	assert.Equal(t, 1.0, capacityInfo["penalty_factor"])
	assert.Equal(t, false, capacityInfo["is_boost_active"])
}

func TestRecordEventEndpoint(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now()
	canTrack := true
	entry := &domain.OutboxEntry{
		ID:                  uuid.New(),
		ProjectID:           env.project.ID,
		FinishedSendingAt:   &now,
		CanHaveDeliveryInfo: &canTrack,
	}
	require.NoError(t, env.repo.CreateBatch(context.Background(), []*domain.OutboxEntry{entry}))

	rec := env.serverRequest(t, http.MethodPost, "/api/v1/emails/events", map[string]any{
		"outbox_entry_id":  entry.ID.String(),
		"type":             "opened",
		"timestamp_millis": now.UnixMilli(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := env.repo.Get(context.Background(), env.project.ID, entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.OpenedAt)

	rec = env.serverRequest(t, http.MethodPost, "/api/v1/emails/events", map[string]any{
		"outbox_entry_id": entry.ID.String(),
		"type":            "materialized",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

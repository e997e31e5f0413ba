package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-outbox/internal/capacity"
	"github.com/ignite/email-outbox/internal/config"
	"github.com/ignite/email-outbox/internal/deliverability"
	"github.com/ignite/email-outbox/internal/directory"
	"github.com/ignite/email-outbox/internal/domain"
	"github.com/ignite/email-outbox/internal/render"
	"github.com/ignite/email-outbox/internal/repository/postgres"
)

type fakeStore struct {
	mu sync.Mutex

	delta       time.Duration
	renderQueue []domain.OutboxEntry
	sendQueue   map[uuid.UUID][]domain.OutboxEntry

	resetStuck int
	stuckSends []uuid.UUID

	completed     map[uuid.UUID]postgres.RenderOutcome
	failed        map[uuid.UUID]string
	succeeded     []uuid.UUID
	skipped       map[uuid.UUID]domain.SkippedReason
	errored       map[uuid.UUID]string
	attemptErrors map[uuid.UUID]domain.JSON
	retried       map[uuid.UUID]time.Time
	unclaimed     []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sendQueue:     map[uuid.UUID][]domain.OutboxEntry{},
		completed:     map[uuid.UUID]postgres.RenderOutcome{},
		failed:        map[uuid.UUID]string{},
		skipped:       map[uuid.UUID]domain.SkippedReason{},
		errored:       map[uuid.UUID]string{},
		attemptErrors: map[uuid.UUID]domain.JSON{},
		retried:       map[uuid.UUID]time.Time{},
	}
}

func (s *fakeStore) TickDelta(context.Context, string, time.Time) (time.Duration, error) {
	return s.delta, nil
}

func (s *fakeStore) ClaimForRender(_ context.Context, _ uuid.UUID, limit int, _ time.Time) ([]domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.renderQueue) > limit {
		claimed := s.renderQueue[:limit]
		s.renderQueue = s.renderQueue[limit:]
		return claimed, nil
	}
	claimed := s.renderQueue
	s.renderQueue = nil
	return claimed, nil
}

func (s *fakeStore) CompleteRender(_ context.Context, id uuid.UUID, out postgres.RenderOutcome, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = out
	return nil
}

func (s *fakeStore) FailRender(_ context.Context, id uuid.UUID, message string, _ domain.JSON, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = message
	return nil
}

func (s *fakeStore) ResetStuckRenders(context.Context, time.Time) (int, error) {
	return s.resetStuck, nil
}

func (s *fakeStore) QueueReady(context.Context, time.Time) (int, error) { return 0, nil }

func (s *fakeStore) ProjectsWithQueued(context.Context, time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.sendQueue))
	for id := range s.sendQueue {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) ClaimForSend(_ context.Context, projectID uuid.UUID, _ int, _ time.Time) ([]domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := s.sendQueue[projectID]
	delete(s.sendQueue, projectID)
	return claimed, nil
}

func (s *fakeStore) FinishSendSuccess(_ context.Context, id uuid.UUID, _ bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded = append(s.succeeded, id)
	return nil
}

func (s *fakeStore) FinishSendSkipped(_ context.Context, id uuid.UUID, reason domain.SkippedReason, _ domain.JSON, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped[id] = reason
	return nil
}

func (s *fakeStore) FinishSendError(_ context.Context, id uuid.UUID, _ string, _ domain.JSON, internal string, attemptError domain.JSON, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored[id] = internal
	s.attemptErrors[id] = attemptError
	return nil
}

func (s *fakeStore) ScheduleRetry(_ context.Context, id uuid.UUID, nextRetryAt time.Time, _ domain.JSON) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried[id] = nextRetryAt
	return nil
}

func (s *fakeStore) Unclaim(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unclaimed = append(s.unclaimed, id)
	return nil
}

func (s *fakeStore) StuckSends(context.Context, time.Time) ([]uuid.UUID, error) {
	return s.stuckSends, nil
}

type fakeDirectory struct {
	users        map[string]*domain.User
	unsubscribed map[string]bool
	err          error
}

func (d *fakeDirectory) GetUser(_ context.Context, _ uuid.UUID, userID string) (*domain.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	u, ok := d.users[userID]
	if !ok {
		return nil, directory.ErrUserNotFound
	}
	return u, nil
}

func (d *fakeDirectory) IsUnsubscribed(_ context.Context, _ uuid.UUID, userID, _ string) (bool, error) {
	return d.unsubscribed[userID], nil
}

type fakeRenderer struct {
	fn func(req render.Request) (*render.Result, *render.Error)
}

func (r *fakeRenderer) Render(req render.Request) (*render.Result, *render.Error) {
	return r.fn(req)
}

type fakeChecker struct {
	undeliverable map[string]bool
}

func (c *fakeChecker) Check(_ context.Context, email string) deliverability.Verdict {
	if c.undeliverable[email] {
		return deliverability.Verdict{Deliverable: false, Reason: "undeliverable"}
	}
	return deliverability.Verdict{Deliverable: true}
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []*Message
	err       error
	failTimes int
	trackable bool
}

func (s *fakeSender) Send(_ context.Context, msg *Message) (*SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && (s.failTimes == 0 || len(s.sent) < s.failTimes) {
		return nil, s.err
	}
	s.sent = append(s.sent, msg)
	return &SendResult{MessageID: "msg-" + msg.EntryID, SentAt: time.Now()}, nil
}

func (s *fakeSender) CanHaveDeliveryInfo() bool { return s.trackable }

type fakeProjects struct {
	project *domain.Project
	stats   capacity.DeliveryStats
}

func (p *fakeProjects) GetProject(_ context.Context, id uuid.UUID) (*domain.Project, error) {
	if p.project == nil || p.project.ID != id {
		return nil, errors.New("project not found")
	}
	return p.project, nil
}

func (p *fakeProjects) DeliveryStats(context.Context, uuid.UUID, time.Time) (capacity.DeliveryStats, error) {
	return p.stats, nil
}

func (p *fakeProjects) ActivateBoost(context.Context, uuid.UUID, time.Time, time.Time) error {
	return nil
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		TickIntervalSeconds:   5,
		RenderBatchSize:       10,
		SendBatchSize:         10,
		StuckRenderMinutes:    20,
		StuckSendMinutes:      20,
		MaxSendRetries:        5,
		RetryBaseDelaySeconds: 20,
	}
}

func testCapacityConfig() config.CapacityConfig {
	return config.CapacityConfig{
		BaseHourlyRate:       10000,
		BoostDurationMinutes: 60,
		BoostMultiplier:      4,
		MinPenaltyFactor:     0.1,
		SpamWeight:           50,
	}
}

func newTestPipeline(store *fakeStore, projects *fakeProjects, dir *fakeDirectory, sender *fakeSender) *Pipeline {
	return &Pipeline{
		store:    store,
		projects: projects,
		dir:      dir,
		renderer: &fakeRenderer{fn: func(render.Request) (*render.Result, *render.Error) {
			return &render.Result{
				Subject:         "hi",
				HTML:            "<p>hi</p>",
				Text:            "hi",
				CategoryID:      domain.CategoryTransactionalID,
				IsTransactional: true,
			}, nil
		}},
		checker:  &fakeChecker{undeliverable: map[string]bool{}},
		sender:   sender,
		limiter:  nil,
		calc:     capacity.NewCalculator(testCapacityConfig()),
		cfg:      testWorkerConfig(),
		workerID: uuid.New(),
		rng:      rand.New(rand.NewSource(1)),
		now:      time.Now,
	}
}

func sendableEntry(projectID uuid.UUID, to domain.Recipient, transactional bool) domain.OutboxEntry {
	subject := "hello"
	html := "<p>hello</p>"
	text := "hello"
	category := domain.CategoryTransactionalID
	if !transactional {
		category = domain.CategoryMarketingID
	}
	now := time.Now()
	return domain.OutboxEntry{
		ID:                      uuid.New(),
		ProjectID:               projectID,
		To:                      to,
		TemplateSource:          "hello",
		RenderedSubject:         &subject,
		RenderedHTML:            &html,
		RenderedText:            &text,
		RenderedCategoryID:      &category,
		RenderedIsTransactional: &transactional,
		StartedSendingAt:        &now,
	}
}

func userWithEmail(projectID uuid.UUID, userID, email string) *domain.User {
	return &domain.User{
		ID:        userID,
		ProjectID: projectID,
		Channels: []domain.ContactChannel{
			{Type: domain.ContactChannelEmail, Value: email, IsPrimary: true},
		},
	}
}

func TestRenderBatch(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()

	subject := "Manual subject"
	text := "plain part"
	good := domain.OutboxEntry{ID: uuid.New(), ProjectID: projectID, TemplateSource: "hello {{ name }}"}
	bad := domain.OutboxEntry{ID: uuid.New(), ProjectID: projectID, TemplateSource: "{% broken"}
	raw := domain.OutboxEntry{
		ID: uuid.New(), ProjectID: projectID, TemplateSource: "<p>raw</p>",
		OverrideSubject:    &subject,
		OverrideCategoryID: ptr(domain.CategoryTransactionalID),
		OverrideText:       &text,
	}
	store.renderQueue = []domain.OutboxEntry{good, bad, raw}

	var requests []render.Request
	p := newTestPipeline(store, &fakeProjects{}, &fakeDirectory{}, &fakeSender{})
	p.renderer = &fakeRenderer{fn: func(req render.Request) (*render.Result, *render.Error) {
		requests = append(requests, req)
		if req.Source == bad.TemplateSource {
			return nil, &render.Error{Message: "the template could not be parsed"}
		}
		return &render.Result{Subject: "s", HTML: "h", CategoryID: domain.CategoryTransactionalID, IsTransactional: true}, nil
	}}

	p.renderBatch(context.Background(), time.Now())

	require.Len(t, store.completed, 2)
	assert.Equal(t, "s", store.completed[good.ID].Subject)
	require.Len(t, store.failed, 1)
	assert.Equal(t, "the template could not be parsed", store.failed[bad.ID])

	// Raw-html overrides travel with the request.
	require.Len(t, requests, 3)
	last := requests[2]
	require.NotNil(t, last.OverrideSubject)
	assert.Equal(t, "Manual subject", *last.OverrideSubject)
	require.NotNil(t, last.OverrideText)
	assert.Equal(t, "plain part", *last.OverrideText)
}

func ptr(s string) *string { return &s }

func TestSendOneSuccess(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()
	sender := &fakeSender{trackable: true}
	dir := &fakeDirectory{users: map[string]*domain.User{
		"u1": userWithEmail(projectID, "u1", "u1@example.com"),
	}}
	p := newTestPipeline(store, &fakeProjects{}, dir, sender)

	entry := sendableEntry(projectID, domain.Recipient{
		Type:   domain.RecipientUserPrimaryEmail,
		UserID: "u1",
	}, true)
	p.sendOne(context.Background(), &entry, 1.0)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"u1@example.com"}, sender.sent[0].To)
	assert.Equal(t, entry.ID.String(), sender.sent[0].EntryID)
	assert.Equal(t, []uuid.UUID{entry.ID}, store.succeeded)
	assert.Empty(t, store.skipped)
}

func TestSendOneSkipsDeletedUser(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()
	sender := &fakeSender{}
	p := newTestPipeline(store, &fakeProjects{}, &fakeDirectory{users: map[string]*domain.User{}}, sender)

	entry := sendableEntry(projectID, domain.Recipient{
		Type:   domain.RecipientUserPrimaryEmail,
		UserID: "gone",
	}, true)
	p.sendOne(context.Background(), &entry, 1.0)

	assert.Empty(t, sender.sent)
	assert.Equal(t, domain.SkipUserAccountDeleted, store.skipped[entry.ID])
}

func TestSendOneSkipsNoPrimaryEmail(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()
	dir := &fakeDirectory{users: map[string]*domain.User{
		"u1": {ID: "u1", ProjectID: projectID},
	}}
	p := newTestPipeline(store, &fakeProjects{}, dir, &fakeSender{})

	entry := sendableEntry(projectID, domain.Recipient{
		Type:   domain.RecipientUserPrimaryEmail,
		UserID: "u1",
	}, true)
	p.sendOne(context.Background(), &entry, 1.0)

	assert.Equal(t, domain.SkipUserHasNoPrimaryEmail, store.skipped[entry.ID])
}

func TestSendOneSkipsEmptyCustomEmails(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()
	p := newTestPipeline(store, &fakeProjects{}, &fakeDirectory{}, &fakeSender{})

	entry := sendableEntry(projectID, domain.Recipient{
		Type: domain.RecipientCustomEmails,
	}, true)
	p.sendOne(context.Background(), &entry, 1.0)

	assert.Equal(t, domain.SkipNoEmailProvided, store.skipped[entry.ID])
}

func TestSendOneUnsubscribed(t *testing.T) {
	projectID := uuid.New()
	dir := &fakeDirectory{
		users: map[string]*domain.User{
			"u1": userWithEmail(projectID, "u1", "u1@example.com"),
		},
		unsubscribed: map[string]bool{"u1": true},
	}

	t.Run("marketing is suppressed", func(t *testing.T) {
		store := newFakeStore()
		sender := &fakeSender{}
		p := newTestPipeline(store, &fakeProjects{}, dir, sender)

		entry := sendableEntry(projectID, domain.Recipient{
			Type:   domain.RecipientUserPrimaryEmail,
			UserID: "u1",
		}, false)
		p.sendOne(context.Background(), &entry, 1.0)

		assert.Empty(t, sender.sent)
		assert.Equal(t, domain.SkipUserUnsubscribed, store.skipped[entry.ID])
	})

	t.Run("transactional always goes out", func(t *testing.T) {
		store := newFakeStore()
		sender := &fakeSender{}
		p := newTestPipeline(store, &fakeProjects{}, dir, sender)

		entry := sendableEntry(projectID, domain.Recipient{
			Type:   domain.RecipientUserPrimaryEmail,
			UserID: "u1",
		}, true)
		p.sendOne(context.Background(), &entry, 1.0)

		require.Len(t, sender.sent, 1)
		assert.Empty(t, store.skipped)
	})
}

func TestSendOneDeliverability(t *testing.T) {
	projectID := uuid.New()

	t.Run("undeliverable address is skipped", func(t *testing.T) {
		store := newFakeStore()
		sender := &fakeSender{}
		p := newTestPipeline(store, &fakeProjects{}, &fakeDirectory{}, sender)
		p.checker = &fakeChecker{undeliverable: map[string]bool{"bad@example.com": true}}

		entry := sendableEntry(projectID, domain.Recipient{
			Type:   domain.RecipientCustomEmails,
			Emails: []string{"bad@example.com"},
		}, true)
		p.sendOne(context.Background(), &entry, 1.0)

		assert.Empty(t, sender.sent)
		assert.Equal(t, domain.SkipLikelyNotDeliverable, store.skipped[entry.ID])
	})

	t.Run("undeliverable addresses are filtered, deliverable ones sent", func(t *testing.T) {
		store := newFakeStore()
		sender := &fakeSender{}
		p := newTestPipeline(store, &fakeProjects{}, &fakeDirectory{}, sender)
		p.checker = &fakeChecker{undeliverable: map[string]bool{"bad@example.com": true}}

		entry := sendableEntry(projectID, domain.Recipient{
			Type:   domain.RecipientCustomEmails,
			Emails: []string{"bad@example.com", "good@example.com"},
		}, true)
		p.sendOne(context.Background(), &entry, 1.0)

		require.Len(t, sender.sent, 1)
		assert.Equal(t, []string{"good@example.com"}, sender.sent[0].To)
	})

	t.Run("skip flag bypasses the check", func(t *testing.T) {
		store := newFakeStore()
		sender := &fakeSender{}
		p := newTestPipeline(store, &fakeProjects{}, &fakeDirectory{}, sender)
		p.checker = &fakeChecker{undeliverable: map[string]bool{"bad@example.com": true}}

		entry := sendableEntry(projectID, domain.Recipient{
			Type:   domain.RecipientCustomEmails,
			Emails: []string{"bad@example.com"},
		}, true)
		entry.SkipDeliverabilityCheck = true
		p.sendOne(context.Background(), &entry, 1.0)

		require.Len(t, sender.sent, 1)
	})
}

func TestSendOneRetryPolicy(t *testing.T) {
	projectID := uuid.New()
	to := domain.Recipient{Type: domain.RecipientCustomEmails, Emails: []string{"a@example.com"}}

	t.Run("transient failure schedules a retry with backoff", func(t *testing.T) {
		store := newFakeStore()
		sender := &fakeSender{err: errors.New("connection reset")}
		p := newTestPipeline(store, &fakeProjects{}, &fakeDirectory{}, sender)
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		p.now = func() time.Time { return now }

		entry := sendableEntry(projectID, to, true)
		p.sendOne(context.Background(), &entry, 1.0)

		retryAt, ok := store.retried[entry.ID]
		require.True(t, ok)
		// First retry: (rand+0.5) * 20s * 2, so between 20s and 60s out.
		assert.GreaterOrEqual(t, retryAt.Sub(now), 20*time.Second)
		assert.LessOrEqual(t, retryAt.Sub(now), 60*time.Second)
		assert.Empty(t, store.errored)
	})

	t.Run("permanent failure finishes immediately", func(t *testing.T) {
		store := newFakeStore()
		sender := &fakeSender{err: &SendError{Err: errors.New("address rejected"), Permanent: true}}
		p := newTestPipeline(store, &fakeProjects{}, &fakeDirectory{}, sender)

		entry := sendableEntry(projectID, to, true)
		p.sendOne(context.Background(), &entry, 1.0)

		assert.Empty(t, store.retried)
		assert.Equal(t, "address rejected", store.errored[entry.ID])
	})

	t.Run("exhausted attempts finish with an error", func(t *testing.T) {
		store := newFakeStore()
		sender := &fakeSender{err: errors.New("connection reset")}
		p := newTestPipeline(store, &fakeProjects{}, &fakeDirectory{}, sender)

		entry := sendableEntry(projectID, to, true)
		entry.SendRetries = 4
		p.sendOne(context.Background(), &entry, 1.0)

		assert.Empty(t, store.retried)
		assert.Equal(t, "connection reset", store.errored[entry.ID])

		// The exhausting attempt is folded into the per-attempt history too.
		history := store.attemptErrors[entry.ID]
		require.Contains(t, history, "5")
		final := history["5"].(map[string]any)
		assert.Equal(t, "connection reset", final["error"])
	})
}

func TestRunOnceSendsQueuedMail(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()
	store.delta = 10 * time.Second

	e1 := sendableEntry(projectID, domain.Recipient{Type: domain.RecipientCustomEmails, Emails: []string{"a@example.com"}}, true)
	e2 := sendableEntry(projectID, domain.Recipient{Type: domain.RecipientCustomEmails, Emails: []string{"b@example.com"}}, true)
	store.sendQueue[projectID] = []domain.OutboxEntry{e1, e2}

	sender := &fakeSender{trackable: true}
	projects := &fakeProjects{project: &domain.Project{ID: projectID}}
	p := newTestPipeline(store, projects, &fakeDirectory{}, sender)

	p.RunOnce(context.Background())

	assert.Len(t, sender.sent, 2)
	assert.Len(t, store.succeeded, 2)
}

func TestRunOnceSkipsProjectWithoutQuota(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()
	// No elapsed time means no budget to spend.
	store.delta = 0

	entry := sendableEntry(projectID, domain.Recipient{Type: domain.RecipientCustomEmails, Emails: []string{"a@example.com"}}, true)
	store.sendQueue[projectID] = []domain.OutboxEntry{entry}

	sender := &fakeSender{}
	p := newTestPipeline(store, &fakeProjects{project: &domain.Project{ID: projectID}}, &fakeDirectory{}, sender)

	p.RunOnce(context.Background())

	assert.Empty(t, sender.sent)
	assert.Len(t, store.sendQueue[projectID], 1)
}

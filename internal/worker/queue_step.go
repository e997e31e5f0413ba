package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/capacity"
	"github.com/ignite/email-outbox/internal/config"
	"github.com/ignite/email-outbox/internal/deliverability"
	"github.com/ignite/email-outbox/internal/directory"
	"github.com/ignite/email-outbox/internal/domain"
	"github.com/ignite/email-outbox/internal/outbox"
	"github.com/ignite/email-outbox/internal/pkg/logger"
	"github.com/ignite/email-outbox/internal/render"
	"github.com/ignite/email-outbox/internal/repository/postgres"
)

// Renderer is the template engine surface the pipeline needs.
type Renderer interface {
	Render(req render.Request) (*render.Result, *render.Error)
}

// Checker is the deliverability surface the pipeline needs.
type Checker interface {
	Check(ctx context.Context, email string) deliverability.Verdict
}

// Pipeline executes one pass of the outbox state machine: recover stuck
// renders, render, queue due entries, and send within capacity.
type Pipeline struct {
	store    Store
	projects outbox.ProjectRepository
	dir      Directory
	renderer Renderer
	checker  Checker
	sender   Sender
	limiter  *SendLimiter
	calc     *capacity.Calculator
	cfg      config.WorkerConfig

	workerID uuid.UUID
	rng      *rand.Rand
	now      func() time.Time
}

// NewPipeline wires a pipeline. limiter may be nil.
func NewPipeline(
	store Store,
	projects outbox.ProjectRepository,
	dir Directory,
	renderer Renderer,
	checker Checker,
	sender Sender,
	limiter *SendLimiter,
	workerCfg config.WorkerConfig,
	capacityCfg config.CapacityConfig,
) *Pipeline {
	return &Pipeline{
		store:    store,
		projects: projects,
		dir:      dir,
		renderer: renderer,
		checker:  checker,
		sender:   sender,
		limiter:  limiter,
		calc:     capacity.NewCalculator(capacityCfg),
		cfg:      workerCfg,
		workerID: uuid.New(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// RunOnce executes one tick. Each step is independent; a failing step logs
// and the tick continues, so one bad query cannot wedge the whole machine.
func (p *Pipeline) RunOnce(ctx context.Context) {
	now := p.now()

	if n, err := p.store.ResetStuckRenders(ctx, now.Add(-p.cfg.StuckRenderTimeout())); err != nil {
		logger.Error("reset stuck renders failed", "error", err.Error())
	} else if n > 0 {
		logger.Warn("reclaimed stuck renders", "count", n)
	}

	p.renderBatch(ctx, now)

	if _, err := p.store.QueueReady(ctx, now); err != nil {
		logger.Error("queue ready failed", "error", err.Error())
	}

	p.sendPlanned(ctx, now)

	if ids, err := p.store.StuckSends(ctx, now.Add(-p.cfg.StuckSendTimeout())); err != nil {
		logger.Error("stuck send scan failed", "error", err.Error())
	} else {
		for _, id := range ids {
			// Not auto-retried: a send that vanished mid-flight may have
			// reached the transport, and retrying risks a duplicate.
			logger.Error("outbox entry stuck in sending, needs manual intervention",
				"entry_id", id.String())
		}
	}
}

func (p *Pipeline) renderBatch(ctx context.Context, now time.Time) {
	entries, err := p.store.ClaimForRender(ctx, p.workerID, p.cfg.RenderBatchSize, now)
	if err != nil {
		logger.Error("claim for render failed", "error", err.Error())
		return
	}

	for i := range entries {
		e := &entries[i]
		res, rerr := p.renderer.Render(render.Request{
			Source:             e.TemplateSource,
			ThemeID:            e.ThemeID,
			Variables:          p.renderVariables(ctx, e),
			OverrideSubject:    e.OverrideSubject,
			OverrideCategoryID: e.OverrideCategoryID,
			OverrideText:       e.OverrideText,
		})
		if rerr != nil {
			if err := p.store.FailRender(ctx, e.ID, rerr.Message, rerr.Details, rerr.Internal, p.now()); err != nil {
				logger.Error("record render failure failed",
					"entry_id", e.ID.String(),
					"error", err.Error())
			}
			continue
		}

		out := postgres.RenderOutcome{
			Subject:         res.Subject,
			HTML:            res.HTML,
			Text:            res.Text,
			CategoryID:      res.CategoryID,
			IsTransactional: res.IsTransactional,
		}
		if err := p.store.CompleteRender(ctx, e.ID, out, p.now()); err != nil {
			logger.Error("record render result failed",
				"entry_id", e.ID.String(),
				"error", err.Error())
		}
	}
}

// renderVariables layers the directory context under the caller-provided
// variables. Caller variables win on collision. A failed user lookup does
// not block rendering; send-time resolution is the authority on recipient
// existence.
func (p *Pipeline) renderVariables(ctx context.Context, e *domain.OutboxEntry) map[string]any {
	vars := make(map[string]any, len(e.Variables)+2)

	if e.To.UserID != "" {
		if user, err := p.dir.GetUser(ctx, e.ProjectID, e.To.UserID); err == nil {
			u := map[string]any{
				"id":           user.ID,
				"display_name": user.DisplayName,
			}
			if email, ok := user.PrimaryEmail(); ok {
				u["email"] = email
			}
			vars["user"] = u
			vars["unsubscribe_url"] = fmt.Sprintf(
				"/api/v1/users/%s/notification-preferences?project_id=%s",
				user.ID, e.ProjectID)
		}
	}

	for k, v := range e.Variables {
		vars[k] = v
	}
	return vars
}

// sendPlanned portions the elapsed-time send budget across projects with
// queued mail and sends each project's share.
func (p *Pipeline) sendPlanned(ctx context.Context, now time.Time) {
	delta, err := p.store.TickDelta(ctx, "send-plan", now)
	if err != nil {
		logger.Error("tick cursor failed", "error", err.Error())
		return
	}
	if delta <= 0 {
		return
	}
	// A long gap (downtime) must not dump a huge burst at once.
	if delta > time.Minute {
		delta = time.Minute
	}

	projectIDs, err := p.store.ProjectsWithQueued(ctx, now)
	if err != nil {
		logger.Error("queued project scan failed", "error", err.Error())
		return
	}

	for _, projectID := range projectIDs {
		if ctx.Err() != nil {
			return
		}
		p.sendForProject(ctx, projectID, delta, now)
	}
}

func (p *Pipeline) sendForProject(ctx context.Context, projectID uuid.UUID, delta time.Duration, now time.Time) {
	project, err := p.projects.GetProject(ctx, projectID)
	if err != nil {
		logger.Error("project lookup failed",
			"project_id", projectID.String(),
			"error", err.Error())
		return
	}
	stats, err := p.projects.DeliveryStats(ctx, projectID, now)
	if err != nil {
		logger.Error("delivery stats failed",
			"project_id", projectID.String(),
			"error", err.Error())
		return
	}

	rate := p.calc.RatePerSecond(stats, project.BaseHourlyRate,
		capacity.BoostActive(project.BoostExpiresAt, now))
	quota := capacity.Quota(rate, delta.Seconds(), p.rng)
	if quota <= 0 {
		return
	}
	if quota > p.cfg.SendBatchSize {
		quota = p.cfg.SendBatchSize
	}

	entries, err := p.store.ClaimForSend(ctx, projectID, quota, now)
	if err != nil {
		logger.Error("claim for send failed",
			"project_id", projectID.String(),
			"error", err.Error())
		return
	}

	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		p.sendOne(ctx, &entries[i], rate)
	}
}

// sendOne re-evaluates skip conditions at the moment of sending, then hands
// the message to the transport. Skips are terminal outcomes, not errors.
func (p *Pipeline) sendOne(ctx context.Context, e *domain.OutboxEntry, rate float64) {
	now := p.now()

	addresses, userID, skip, err := p.resolveAddresses(ctx, e)
	if err != nil {
		p.retryOrFail(ctx, e, err)
		return
	}
	if skip != nil {
		p.finishSkipped(ctx, e, *skip, nil)
		return
	}

	// Unsubscribe only suppresses disableable categories; transactional
	// mail always goes out.
	if userID != "" && e.RenderedIsTransactional != nil && !*e.RenderedIsTransactional && e.RenderedCategoryID != nil {
		unsubscribed, err := p.dir.IsUnsubscribed(ctx, e.ProjectID, userID, *e.RenderedCategoryID)
		if err != nil {
			p.retryOrFail(ctx, e, err)
			return
		}
		if unsubscribed {
			p.finishSkipped(ctx, e, domain.SkipUserUnsubscribed, domain.JSON{"category_id": *e.RenderedCategoryID})
			return
		}
	}

	if !e.SkipDeliverabilityCheck {
		deliverable := addresses[:0:len(addresses)]
		for _, addr := range addresses {
			if v := p.checker.Check(ctx, addr); v.Deliverable {
				deliverable = append(deliverable, addr)
			}
		}
		if len(deliverable) == 0 {
			p.finishSkipped(ctx, e, domain.SkipLikelyNotDeliverable, domain.JSON{"addresses": len(addresses)})
			return
		}
		addresses = deliverable
	}

	if !p.limiter.Allow(ctx, e.ProjectID.String(), 1, rate) {
		if err := p.store.Unclaim(ctx, e.ID, now.Add(time.Second)); err != nil {
			logger.Error("unclaim failed", "entry_id", e.ID.String(), "error", err.Error())
		}
		return
	}

	msg := &Message{
		To:        addresses,
		EntryID:   e.ID.String(),
		ProjectID: e.ProjectID.String(),
	}
	if e.RenderedSubject != nil {
		msg.Subject = *e.RenderedSubject
	}
	if e.RenderedHTML != nil {
		msg.HTML = *e.RenderedHTML
	}
	if e.RenderedText != nil {
		msg.Text = *e.RenderedText
	}

	if _, err := p.sender.Send(ctx, msg); err != nil {
		p.retryOrFail(ctx, e, err)
		return
	}

	if err := p.store.FinishSendSuccess(ctx, e.ID, p.sender.CanHaveDeliveryInfo(), p.now()); err != nil {
		logger.Error("record send success failed",
			"entry_id", e.ID.String(),
			"error", err.Error())
	}
}

// resolveAddresses maps the recipient union to concrete addresses, or to a
// skip reason when the directory drifted since queue time.
func (p *Pipeline) resolveAddresses(ctx context.Context, e *domain.OutboxEntry) (addresses []string, userID string, skip *domain.SkippedReason, err error) {
	reason := func(r domain.SkippedReason) *domain.SkippedReason { return &r }

	switch e.To.Type {
	case domain.RecipientUserPrimaryEmail:
		user, err := p.dir.GetUser(ctx, e.ProjectID, e.To.UserID)
		if err == directory.ErrUserNotFound {
			return nil, "", reason(domain.SkipUserAccountDeleted), nil
		}
		if err != nil {
			return nil, "", nil, err
		}
		primary, ok := user.PrimaryEmail()
		if !ok {
			return nil, e.To.UserID, reason(domain.SkipUserHasNoPrimaryEmail), nil
		}
		return []string{primary}, e.To.UserID, nil, nil

	case domain.RecipientUserCustomEmails:
		if _, err := p.dir.GetUser(ctx, e.ProjectID, e.To.UserID); err != nil {
			if err == directory.ErrUserNotFound {
				return nil, "", reason(domain.SkipUserAccountDeleted), nil
			}
			return nil, "", nil, err
		}
		if len(e.To.Emails) == 0 {
			return nil, e.To.UserID, reason(domain.SkipNoEmailProvided), nil
		}
		return e.To.Emails, e.To.UserID, nil, nil

	default: // custom-emails
		if len(e.To.Emails) == 0 {
			return nil, "", reason(domain.SkipNoEmailProvided), nil
		}
		return e.To.Emails, "", nil, nil
	}
}

func (p *Pipeline) finishSkipped(ctx context.Context, e *domain.OutboxEntry, reason domain.SkippedReason, details domain.JSON) {
	if err := p.store.FinishSendSkipped(ctx, e.ID, reason, details, p.now()); err != nil {
		logger.Error("record skip failed",
			"entry_id", e.ID.String(),
			"error", err.Error())
		return
	}
	logger.Info("outbox entry skipped",
		"entry_id", e.ID.String(),
		"reason", string(reason))
}

// retryOrFail applies the retry policy to a transport or lookup failure.
func (p *Pipeline) retryOrFail(ctx context.Context, e *domain.OutboxEntry, sendErr error) {
	attempt := e.SendRetries + 1
	attemptError := domain.JSON{
		// Keyed by attempt number so the history accumulates as one object.
		intKey(attempt): map[string]any{
			"error": sendErr.Error(),
			"at":    p.now().UTC().Format(time.RFC3339),
		},
	}

	if IsPermanent(sendErr) || attempt >= p.cfg.MaxSendRetries {
		err := p.store.FinishSendError(ctx, e.ID,
			"the email could not be delivered",
			domain.JSON{"attempts": attempt},
			sendErr.Error(),
			attemptError,
			p.now())
		if err != nil {
			logger.Error("record send error failed",
				"entry_id", e.ID.String(),
				"error", err.Error())
		}
		return
	}

	delay := p.backoff(attempt)
	if err := p.store.ScheduleRetry(ctx, e.ID, p.now().Add(delay), attemptError); err != nil {
		logger.Error("schedule retry failed",
			"entry_id", e.ID.String(),
			"error", err.Error())
		return
	}
	logger.Warn("send failed, retrying",
		"entry_id", e.ID.String(),
		"attempt", attempt,
		"delay", delay.String(),
		"error", sendErr.Error())
}

// backoff is exponential with jitter: (rand+0.5) * base * 2^attempt. The
// jitter range straddles the nominal delay so retries from one failure
// burst spread out both ways.
func (p *Pipeline) backoff(attempt int) time.Duration {
	base := float64(p.cfg.RetryBaseDelay())
	return time.Duration((p.rng.Float64() + 0.5) * base * math.Pow(2, float64(attempt)))
}

func intKey(n int) string {
	return strconv.Itoa(n)
}

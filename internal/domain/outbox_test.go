package domain

import (
	"testing"
	"time"
)

func ts(t time.Time) *time.Time { return &t }

func strp(s string) *string { return &s }

func TestOutboxEntryStatus(t *testing.T) {
	now := time.Now()
	reason := SkipUserUnsubscribed

	tests := []struct {
		name  string
		entry OutboxEntry
		want  Status
	}{
		{"fresh entry", OutboxEntry{}, StatusPreparing},
		{
			"rendering claimed",
			OutboxEntry{StartedRenderingAt: ts(now)},
			StatusRendering,
		},
		{
			"render error",
			OutboxEntry{StartedRenderingAt: ts(now), FinishedRenderingAt: ts(now), RenderError: strp("boom")},
			StatusRenderError,
		},
		{
			"rendered waiting for schedule",
			OutboxEntry{StartedRenderingAt: ts(now), FinishedRenderingAt: ts(now)},
			StatusScheduled,
		},
		{
			"rendered and queued",
			OutboxEntry{StartedRenderingAt: ts(now), FinishedRenderingAt: ts(now), IsQueued: true},
			StatusQueued,
		},
		{
			"claimed for sending",
			OutboxEntry{FinishedRenderingAt: ts(now), IsQueued: true, StartedSendingAt: ts(now)},
			StatusSending,
		},
		{
			"paused wins over queued",
			OutboxEntry{FinishedRenderingAt: ts(now), IsQueued: true, IsPaused: true},
			StatusPaused,
		},
		{
			"paused before rendering",
			OutboxEntry{IsPaused: true},
			StatusPaused,
		},
		{
			"sent",
			OutboxEntry{FinishedRenderingAt: ts(now), StartedSendingAt: ts(now), FinishedSendingAt: ts(now)},
			StatusSent,
		},
		{
			"sent wins over paused",
			OutboxEntry{FinishedSendingAt: ts(now), IsPaused: true},
			StatusSent,
		},
		{
			"server error",
			OutboxEntry{FinishedSendingAt: ts(now), SendServerError: strp("smtp refused")},
			StatusServerError,
		},
		{
			"skipped wins over everything",
			OutboxEntry{FinishedSendingAt: ts(now), SkippedReason: &reason},
			StatusSkipped,
		},
		{
			"bounced",
			OutboxEntry{FinishedSendingAt: ts(now), BouncedAt: ts(now)},
			StatusBounced,
		},
		{
			"delivery delayed",
			OutboxEntry{FinishedSendingAt: ts(now), DeliveryDelayedAt: ts(now)},
			StatusDeliveryDelayed,
		},
		{
			"opened",
			OutboxEntry{FinishedSendingAt: ts(now), DeliveredAt: ts(now), OpenedAt: ts(now)},
			StatusOpened,
		},
		{
			"clicked wins over opened",
			OutboxEntry{FinishedSendingAt: ts(now), OpenedAt: ts(now), ClickedAt: ts(now)},
			StatusClicked,
		},
		{
			"marked as spam wins over clicked",
			OutboxEntry{FinishedSendingAt: ts(now), ClickedAt: ts(now), MarkedAsSpamAt: ts(now)},
			StatusMarkedAsSpam,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.Status(); got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSimpleStatusOf(t *testing.T) {
	tests := []struct {
		status Status
		want   SimpleStatus
	}{
		{StatusPreparing, SimpleInProgress},
		{StatusRendering, SimpleInProgress},
		{StatusScheduled, SimpleInProgress},
		{StatusQueued, SimpleInProgress},
		{StatusSending, SimpleInProgress},
		{StatusPaused, SimpleInProgress},
		{StatusRenderError, SimpleError},
		{StatusServerError, SimpleError},
		{StatusBounced, SimpleError},
		{StatusSkipped, SimpleOK},
		{StatusSent, SimpleOK},
		{StatusDeliveryDelayed, SimpleOK},
		{StatusOpened, SimpleOK},
		{StatusClicked, SimpleOK},
		{StatusMarkedAsSpam, SimpleOK},
	}

	for _, tt := range tests {
		if got := SimpleStatusOf(tt.status); got != tt.want {
			t.Errorf("SimpleStatusOf(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestIsEditable(t *testing.T) {
	now := time.Now()
	reason := SkipManuallyCancelled

	editable := []OutboxEntry{
		{},                           // preparing
		{IsPaused: true},             // paused
		{StartedRenderingAt: ts(now)}, // rendering
		{FinishedRenderingAt: ts(now)},                                                    // scheduled
		{FinishedRenderingAt: ts(now), IsQueued: true},                                    // queued
		{FinishedRenderingAt: ts(now), RenderError: strp("x")},                            // render-error
		{FinishedSendingAt: ts(now), SendServerError: strp("x")},                          // server-error
	}
	for _, e := range editable {
		if !e.IsEditable() {
			t.Errorf("entry in status %q should be editable", e.Status())
		}
	}

	frozen := []OutboxEntry{
		{SkippedReason: &reason},
		{FinishedSendingAt: ts(now)},
		{FinishedSendingAt: ts(now), BouncedAt: ts(now)},
		{FinishedSendingAt: ts(now), OpenedAt: ts(now)},
		{StartedSendingAt: ts(now), FinishedRenderingAt: ts(now)}, // sending
	}
	for _, e := range frozen {
		if e.IsEditable() {
			t.Errorf("entry in status %q should not be editable", e.Status())
		}
	}
}

func TestNotificationCategoryCatalog(t *testing.T) {
	tx, ok := NotificationCategoryByName("Transactional")
	if !ok {
		t.Fatal("Transactional category missing")
	}
	if tx.CanDisable {
		t.Error("Transactional must not be disableable")
	}

	mk, ok := NotificationCategoryByName("Marketing")
	if !ok {
		t.Fatal("Marketing category missing")
	}
	if !mk.CanDisable {
		t.Error("Marketing must be disableable")
	}

	if _, ok := NotificationCategoryByName("Nope"); ok {
		t.Error("unknown category should not resolve")
	}
	if got, ok := NotificationCategoryByID(tx.ID); !ok || got.Name != "Transactional" {
		t.Errorf("ByID(%s) = %+v, %v", tx.ID, got, ok)
	}
}

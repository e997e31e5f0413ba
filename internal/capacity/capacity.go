// Package capacity computes the allowed send rate of a project from its
// delivery history. Everything here is derived on read: the only persisted
// input besides the outbox counters is the project's boost expiry timestamp.
package capacity

import (
	"time"

	"github.com/ignite/email-outbox/internal/config"
)

const secondsPerWeek = 7 * 24 * 60 * 60

// WindowStats are the delivery counters for one rolling window.
type WindowStats struct {
	Sent         int `json:"sent"`
	Bounced      int `json:"bounced"`
	MarkedAsSpam int `json:"marked_as_spam"`
}

// DeliveryStats holds the rolling windows used for rate computation and the
// delivery-info endpoint. Each window counts outbox rows whose phase
// timestamp falls inside it, so a single send shows up in every window at
// once.
type DeliveryStats struct {
	Hour  WindowStats `json:"hour"`
	Day   WindowStats `json:"day"`
	Week  WindowStats `json:"week"`
	Month WindowStats `json:"month"`
}

// Snapshot is the derived capacity state returned by the delivery-info
// endpoint.
type Snapshot struct {
	Stats                DeliveryStats `json:"stats"`
	RatePerSecond        float64       `json:"rate_per_second"`
	PenaltyFactor        float64       `json:"penalty_factor"`
	IsBoostActive        bool          `json:"is_boost_active"`
	BoostExpiresAtMillis *int64        `json:"boost_expires_at_millis,omitempty"`
}

// Calculator derives capacity snapshots from delivery stats.
type Calculator struct {
	cfg config.CapacityConfig
}

func NewCalculator(cfg config.CapacityConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// windowPenalty throttles a single window based on its bounce and spam
// counts. A window with no sends carries no signal and does not throttle.
func (c *Calculator) windowPenalty(w WindowStats) float64 {
	if w.Sent == 0 {
		return 1
	}
	badness := (float64(w.Bounced) + c.cfg.SpamWeight*float64(w.MarkedAsSpam)) / float64(w.Sent)
	p := 1 - badness
	if p < c.cfg.MinPenaltyFactor {
		return c.cfg.MinPenaltyFactor
	}
	if p > 1 {
		return 1
	}
	return p
}

// PenaltyFactor is the worst (lowest) window penalty across the hour, day,
// and week windows. The month window only contributes volume, not penalty.
func (c *Calculator) PenaltyFactor(stats DeliveryStats) float64 {
	p := c.windowPenalty(stats.Hour)
	if d := c.windowPenalty(stats.Day); d < p {
		p = d
	}
	if w := c.windowPenalty(stats.Week); w < p {
		p = w
	}
	return p
}

// BoostActive reports whether a boost expiry is still in the future.
func BoostActive(boostExpiresAt *time.Time, now time.Time) bool {
	return boostExpiresAt != nil && boostExpiresAt.After(now)
}

// RatePerSecond computes the allowed send rate. The weekly baseline grows
// with established volume (the month window) so that projects which have
// proven deliverability earn headroom, and the whole rate is floored at one
// send per minute so a penalized project can still trickle out mail.
func (c *Calculator) RatePerSecond(stats DeliveryStats, baseHourlyRate int, boostActive bool) float64 {
	if baseHourlyRate <= 0 {
		baseHourlyRate = c.cfg.BaseHourlyRate
	}

	weeklyBaseline := float64(baseHourlyRate)*24*7 + 8*float64(stats.Month.Sent)

	mult := 1.0
	if boostActive {
		mult = c.cfg.BoostMultiplier
	}

	ratePerWeek := weeklyBaseline * c.PenaltyFactor(stats) * mult
	if floor := float64(7 * 24 * 60); ratePerWeek < floor {
		ratePerWeek = floor
	}
	return ratePerWeek / secondsPerWeek
}

// Snapshot assembles the full derived capacity state for a project.
func (c *Calculator) Snapshot(stats DeliveryStats, baseHourlyRate int, boostExpiresAt *time.Time, now time.Time) Snapshot {
	active := BoostActive(boostExpiresAt, now)
	snap := Snapshot{
		Stats:         stats,
		RatePerSecond: c.RatePerSecond(stats, baseHourlyRate, active),
		PenaltyFactor: c.PenaltyFactor(stats),
		IsBoostActive: active,
	}
	if active {
		ms := boostExpiresAt.UnixMilli()
		snap.BoostExpiresAtMillis = &ms
	}
	return snap
}

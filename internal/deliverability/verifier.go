// Package deliverability pre-checks recipient addresses before a send is
// attempted. A negative verdict turns into a skip, not an error: mail to an
// address we know will bounce hurts sender reputation more than not sending.
package deliverability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignite/email-outbox/internal/config"
	"github.com/ignite/email-outbox/internal/pkg/httpretry"
	"github.com/ignite/email-outbox/internal/pkg/logger"
)

// TestUndeliverableDomain always verifies as undeliverable, without any
// provider call. Integration tests use it to exercise the skip path
// deterministically.
const TestUndeliverableDomain = "emailable-not-deliverable.example.com"

// Verdict is the outcome of one address check.
type Verdict struct {
	Deliverable bool
	Reason      string
}

// Checker verifies addresses through an Emailable-compatible API. When no
// provider is configured it fails open: every address outside the test
// domain is considered deliverable.
type Checker struct {
	cfg    config.DeliverabilityConfig
	client httpretry.HTTPDoer
}

// NewChecker creates a checker. A nil client gets a retrying default.
func NewChecker(cfg config.DeliverabilityConfig, client httpretry.HTTPDoer) *Checker {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, 2)
	}
	return &Checker{cfg: cfg, client: client}
}

type verifyResponse struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// Check verifies one address. Provider failures fail open with a log line;
// a flaky verification vendor must not stall the outbox.
func (c *Checker) Check(ctx context.Context, email string) Verdict {
	if emailDomain(email) == TestUndeliverableDomain {
		return Verdict{Deliverable: false, Reason: "test domain"}
	}
	if !c.cfg.Enabled || c.cfg.APIKey == "" {
		return Verdict{Deliverable: true}
	}

	verdict, err := c.verify(ctx, email)
	if err != nil {
		logger.Warn("deliverability check failed, allowing send",
			"email", email,
			"error", err.Error())
		return Verdict{Deliverable: true}
	}
	return verdict
}

func (c *Checker) verify(ctx context.Context, email string) (Verdict, error) {
	endpoint := fmt.Sprintf("%s/verify?email=%s&api_key=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.QueryEscape(email),
		url.QueryEscape(c.cfg.APIKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verdict{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("verification API returned %d: %s", resp.StatusCode, string(body))
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Verdict{}, fmt.Errorf("decode verification response: %w", err)
	}

	// Only a definitive negative blocks the send. Risky and unknown
	// addresses go through; bounces feed back into the capacity penalty.
	if vr.State == "undeliverable" {
		return Verdict{Deliverable: false, Reason: vr.Reason}, nil
	}
	return Verdict{Deliverable: true, Reason: vr.Reason}, nil
}

func emailDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}

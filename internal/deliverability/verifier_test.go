package deliverability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/email-outbox/internal/config"
)

func TestCheckTestDomain(t *testing.T) {
	c := NewChecker(config.DeliverabilityConfig{}, nil)

	v := c.Check(context.Background(), "someone@emailable-not-deliverable.example.com")
	assert.False(t, v.Deliverable)

	// Without a provider everything else passes.
	v = c.Check(context.Background(), "someone@example.com")
	assert.True(t, v.Deliverable)
}

func TestCheckProviderStates(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"deliverable", true},
		{"undeliverable", false},
		{"risky", true},
		{"unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "a@b.co", r.URL.Query().Get("email"))
				assert.Equal(t, "key", r.URL.Query().Get("api_key"))
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"state":"` + tt.state + `","reason":"r"}`))
			}))
			defer srv.Close()

			c := NewChecker(config.DeliverabilityConfig{
				Enabled: true,
				BaseURL: srv.URL,
				APIKey:  "key",
			}, srv.Client())

			v := c.Check(context.Background(), "a@b.co")
			assert.Equal(t, tt.want, v.Deliverable)
		})
	}
}

func TestCheckFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewChecker(config.DeliverabilityConfig{
		Enabled: true,
		BaseURL: srv.URL,
		APIKey:  "key",
	}, srv.Client())

	v := c.Check(context.Background(), "a@b.co")
	assert.True(t, v.Deliverable)
}

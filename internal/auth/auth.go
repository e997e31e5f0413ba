// Package auth resolves the calling project from API-key headers and gates
// routes by access type.
package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/domain"
	"github.com/ignite/email-outbox/internal/outbox"
	"github.com/ignite/email-outbox/internal/pkg/httputil"
)

// Request headers carrying the caller's identity.
const (
	HeaderProjectID  = "X-Project-Id"
	HeaderAccessType = "X-Access-Type"
	HeaderAPIKey     = "X-Api-Key"
)

// CredentialStore verifies an API key against a project.
// postgres.ProjectRepo is the production implementation.
type CredentialStore interface {
	GetProjectByCredentials(ctx context.Context, id uuid.UUID, apiKey string, access domain.AccessType) (*domain.Project, error)
}

type contextKey int

const (
	projectKey contextKey = iota
	accessKey
)

// ProjectFrom returns the authenticated project, or nil outside the
// middleware.
func ProjectFrom(ctx context.Context) *domain.Project {
	p, _ := ctx.Value(projectKey).(*domain.Project)
	return p
}

// AccessFrom returns the caller's verified access type.
func AccessFrom(ctx context.Context) domain.AccessType {
	a, _ := ctx.Value(accessKey).(domain.AccessType)
	return a
}

// accessRank orders access types by privilege. Admin keys can call server
// endpoints; the reverse is a 403.
func accessRank(a domain.AccessType) int {
	switch a {
	case domain.AccessClient:
		return 1
	case domain.AccessServer:
		return 2
	case domain.AccessAdmin:
		return 3
	default:
		return 0
	}
}

// Require builds middleware that authenticates the caller and enforces the
// minimum access type. The key is verified before any entry state is read,
// and a wrong key is indistinguishable from a missing project.
func Require(store CredentialStore, minimum domain.AccessType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID, err := uuid.Parse(r.Header.Get(HeaderProjectID))
			if err != nil {
				httputil.ErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed "+HeaderProjectID+" header", nil)
				return
			}

			access := domain.AccessType(r.Header.Get(HeaderAccessType))
			if accessRank(access) == 0 {
				httputil.ErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or unknown "+HeaderAccessType+" header", nil)
				return
			}

			apiKey := r.Header.Get(HeaderAPIKey)
			if apiKey == "" {
				httputil.ErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+HeaderAPIKey+" header", nil)
				return
			}

			project, err := store.GetProjectByCredentials(r.Context(), projectID, apiKey, access)
			if err == outbox.ErrProjectNotFound {
				httputil.ErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid project credentials", nil)
				return
			}
			if err != nil {
				httputil.InternalError(w, err)
				return
			}

			if accessRank(access) < accessRank(minimum) {
				httputil.ErrorCode(w, http.StatusForbidden, "FORBIDDEN", "this endpoint requires "+string(minimum)+" access", nil)
				return
			}

			ctx := context.WithValue(r.Context(), projectKey, project)
			ctx = context.WithValue(ctx, accessKey, access)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

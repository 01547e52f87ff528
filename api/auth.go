/*
auth.go - Session authentication

PURPOSE:
  Resolves the calling user for every authenticated route. Users sign in through
  the web frontend (better-auth); this service never sees passwords. It forwards the
  browser's Cookie header to the frontend's get-session endpoint and trusts the
  user id that comes back.

MODES:
  HTTPSessionVerifier: production. Fail closed: any transport error, non-200,
                       "null" body or missing user id is 401.
  HeaderVerifier:      development and tests. Trusts a header such as X-User-ID.

SEE ALSO:
  - server.go: RequireUser is applied to every route except /health, /metrics
    and the webhook
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/szer/settlement/settlement"
)

// ErrUnauthenticated is returned when no user can be resolved.
var ErrUnauthenticated = errors.New("unauthenticated")

// SessionVerifier resolves the user behind a request.
type SessionVerifier interface {
	UserID(r *http.Request) (settlement.UserID, error)
}

// =============================================================================
// HTTP SESSION VERIFIER
// =============================================================================

// HTTPSessionVerifier asks the auth service who owns the session cookie.
type HTTPSessionVerifier struct {
	URL    string
	Client *http.Client
}

func NewHTTPSessionVerifier(url string) *HTTPSessionVerifier {
	return &HTTPSessionVerifier{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

type getSessionResponse struct {
	User *struct {
		ID string `json:"id"`
	} `json:"user"`
}

func (v *HTTPSessionVerifier) UserID(r *http.Request) (settlement.UserID, error) {
	cookie := r.Header.Get("Cookie")
	if strings.TrimSpace(cookie) == "" {
		return "", fmt.Errorf("%w: no cookie", ErrUnauthenticated)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, v.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json")

	res, err := v.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: session lookup: %v", ErrUnauthenticated, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read session: %v", ErrUnauthenticated, err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: session lookup returned %d", ErrUnauthenticated, res.StatusCode)
	}

	// better-auth answers `null` when the cookie is not a live session.
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return "", fmt.Errorf("%w: no session", ErrUnauthenticated)
	}

	var parsed getSessionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode session: %v", ErrUnauthenticated, err)
	}
	if parsed.User == nil || strings.TrimSpace(parsed.User.ID) == "" {
		return "", fmt.Errorf("%w: session has no user", ErrUnauthenticated)
	}
	return settlement.UserID(parsed.User.ID), nil
}

// =============================================================================
// HEADER VERIFIER
// =============================================================================

// HeaderVerifier trusts a request header. Never use it behind a public listener.
type HeaderVerifier struct {
	Header string
}

func (v HeaderVerifier) UserID(r *http.Request) (settlement.UserID, error) {
	id := strings.TrimSpace(r.Header.Get(v.Header))
	if id == "" {
		return "", fmt.Errorf("%w: missing %s", ErrUnauthenticated, v.Header)
	}
	return settlement.UserID(id), nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type userKey struct{}

// RequireUser rejects requests without a verified user and stores the user id in
// the request context.
func RequireUser(v SessionVerifier, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := v.UserID(r)
			if err != nil {
				if !errors.Is(err, ErrUnauthenticated) {
					log.Warn().Err(err).Msg("session verification failed")
				}
				writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
		})
	}
}

// UserFromContext returns the user set by RequireUser.
func UserFromContext(ctx context.Context) (settlement.UserID, bool) {
	id, ok := ctx.Value(userKey{}).(settlement.UserID)
	return id, ok && id != ""
}

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/szer/settlement/settlement"
)

// newSessionServer answers like better-auth's get-session endpoint.
func newSessionServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Header.Get("Cookie") {
		case "session=good":
			w.Write([]byte(`{"session":{"id":"s1"},"user":{"id":"user-1","email":"a@example.com"}}`))
		case "session=nouser":
			w.Write([]byte(`{"session":{"id":"s2"}}`))
		case "session=boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte(`null`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sessionRequest(cookie string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/points", nil)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	return req
}

func TestHTTPSessionVerifier(t *testing.T) {
	srv := newSessionServer(t)
	v := NewHTTPSessionVerifier(srv.URL)

	userID, err := v.UserID(sessionRequest("session=good"))
	require.NoError(t, err)
	assert.Equal(t, settlement.UserID("user-1"), userID)

	for _, cookie := range []string{"", "session=expired", "session=nouser", "session=boom"} {
		_, err := v.UserID(sessionRequest(cookie))
		assert.ErrorIs(t, err, ErrUnauthenticated, "cookie %q", cookie)
	}
}

func TestHTTPSessionVerifier_FailsClosed(t *testing.T) {
	srv := newSessionServer(t)
	v := NewHTTPSessionVerifier(srv.URL)
	srv.Close()

	_, err := v.UserID(sessionRequest("session=good"))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRequireUser(t *testing.T) {
	var seen settlement.UserID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireUser(HeaderVerifier{Header: "X-User-ID"}, zerolog.Nop())(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/points", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, seen)

	req := httptest.NewRequest(http.MethodGet, "/points", nil)
	req.Header.Set("X-User-ID", "user-9")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, settlement.UserID("user-9"), seen)
}

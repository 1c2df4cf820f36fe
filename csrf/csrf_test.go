package csrf

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoSession = errors.New("no session")

type mapStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMapStore(sessions ...string) *mapStore {
	s := &mapStore{tokens: make(map[string]string)}
	for _, id := range sessions {
		s.tokens[id] = ""
	}
	return s
}

func (s *mapStore) CSRFToken(_ context.Context, sessionToken string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[sessionToken]
	if !ok {
		return "", errNoSession
	}
	return tok, nil
}

func (s *mapStore) SetCSRFToken(_ context.Context, sessionToken, csrfToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[sessionToken]; !ok {
		return errNoSession
	}
	s.tokens[sessionToken] = csrfToken
	return nil
}

func TestIssue_IsIdempotentUntilRotate(t *testing.T) {
	ctx := context.Background()
	g := New(newMapStore("sess-1"))

	first, err := g.Issue(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, first, 64, "32 random bytes hex encoded")

	second, err := g.Issue(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rotated, err := g.Rotate(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, rotated)

	third, err := g.Issue(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, rotated, third)
}

func TestIssue_UnknownSession(t *testing.T) {
	g := New(newMapStore())
	_, err := g.Issue(context.Background(), "missing")
	assert.ErrorIs(t, err, errNoSession)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	g := New(newMapStore("sess-1", "sess-2"))
	token, err := g.Issue(ctx, "sess-1")
	require.NoError(t, err)

	assert.True(t, g.Validate(ctx, "sess-1", token))
	assert.False(t, g.Validate(ctx, "sess-1", ""))
	assert.False(t, g.Validate(ctx, "", token))
	assert.False(t, g.Validate(ctx, "sess-2", token), "tokens are bound to their session")
	assert.False(t, g.Validate(ctx, "missing", token))
	assert.False(t, g.Validate(ctx, "sess-1", token+"0"))
	assert.False(t, g.Validate(ctx, "sess-1", token[:len(token)-1]))

	// Any single-character change is rejected.
	for i := 0; i < len(token); i++ {
		b := []byte(token)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		assert.False(t, g.Validate(ctx, "sess-1", string(b)), "position %d", i)
	}
}

func TestValidate_NeverIssued(t *testing.T) {
	g := New(newMapStore("sess-1"))
	assert.False(t, g.Validate(context.Background(), "sess-1", "anything"))
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()
	store := newMapStore("sess-1")
	var rejected []string
	g := New(store, WithRejectHook(func(r *http.Request, reason string) {
		rejected = append(rejected, reason)
	}))
	token, err := g.Issue(ctx, "sess-1")
	require.NoError(t, err)

	var reached int
	handler := g.Middleware(func(r *http.Request) string {
		return r.Header.Get("X-Session")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name    string
		method  string
		path    string
		session string
		token   string
		want    int
	}{
		{"get is exempt", http.MethodGet, "/api/v1/csrf-token", "", "", http.StatusNoContent},
		{"options is exempt", http.MethodOptions, "/api/v1/messages", "", "", http.StatusNoContent},
		{"login is exempt", http.MethodPost, "/api/v1/login", "", "", http.StatusNoContent},
		{"signup is exempt", http.MethodPost, "/api/v1/signup/", "", "", http.StatusNoContent},
		{"reset is exempt", http.MethodPost, "/api/v1/reset-password", "", "", http.StatusNoContent},
		{"missing header", http.MethodPost, "/api/v1/messages", "sess-1", "", http.StatusForbidden},
		{"wrong token", http.MethodPost, "/api/v1/messages", "sess-1", strings.Repeat("0", 64), http.StatusForbidden},
		{"no session", http.MethodPost, "/api/v1/messages", "", token, http.StatusForbidden},
		{"valid token", http.MethodPost, "/api/v1/messages", "sess-1", token, http.StatusNoContent},
		{"valid token delete", http.MethodDelete, "/api/v1/notifications/3", "sess-1", token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := reached
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.session != "" {
				req.Header.Set("X-Session", tt.session)
			}
			if tt.token != "" {
				req.Header.Set(HeaderName, tt.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusForbidden {
				assert.Equal(t, before, reached, "handler must not run")
				assert.JSONEq(t, `{"error":"invalid CSRF token"}`, rec.Body.String())
			}
		})
	}
	assert.Equal(t, []string{"missing token", "token mismatch", "token mismatch"}, rejected)
}

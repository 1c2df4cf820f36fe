package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funagig/gigrelay/bridge"
	"github.com/funagig/gigrelay/internal/util"
	"github.com/funagig/gigrelay/repository"
	"github.com/funagig/gigrelay/session"
)

type spyPublisher struct {
	mu     sync.Mutex
	events []bridge.EventType
}

func (p *spyPublisher) Publish(_ context.Context, t bridge.EventType, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
}

func newTestAPI(sessions SessionService, store Store, pub bridge.Publisher) *API {
	return New(sessions, store,
		WithPublisher(pub),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	return httptest.NewRequest(method, target, &buf)
}

func withIdentity(req *http.Request, id Identity) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), identityKey, id))
}

func withConversationParam(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("conversationID", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

var alice = Identity{SessionToken: "session-alice", UserID: 1, ClientIP: "203.0.113.9"}

func TestAPI_SendMessage(t *testing.T) {
	t.Parallel()

	conv := repository.Conversation{ID: 7, User1ID: 1, User2ID: 2}

	t.Run("success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := NewMockStore(ctrl)
		pub := &spyPublisher{}
		a := newTestAPI(NewMockSessionService(ctrl), store, pub)

		gomock.InOrder(
			store.EXPECT().Conversation(gomock.Any(), int64(7)).Return(conv, nil),
			store.EXPECT().CreateMessage(gomock.Any(), int64(7), int64(1), "hello").
				Return(repository.Message{ID: 41, ConversationID: 7, SenderID: 1, Content: "hello"}, nil),
			store.EXPECT().AccountByID(gomock.Any(), int64(1)).Return(repository.Account{ID: 1, Name: "Alice"}, nil),
			store.EXPECT().CreateNotification(gomock.Any(), repository.Notification{
				UserID:  2,
				Title:   "New Message",
				Message: "Alice sent you a message",
				Type:    "info",
			}).Return(repository.Notification{ID: 5, UserID: 2, Title: "New Message"}, nil),
		)

		req := withIdentity(jsonRequest(t, http.MethodPost, "/messages", SendMessageRequest{ConversationID: 7, Content: "hello"}), alice)
		rr := httptest.NewRecorder()
		a.SendMessage(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, []bridge.EventType{bridge.EventNewMessage, bridge.EventNewNotification}, pub.events)
	})

	t.Run("notification failure still delivers the message", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := NewMockStore(ctrl)
		pub := &spyPublisher{}
		a := newTestAPI(NewMockSessionService(ctrl), store, pub)

		store.EXPECT().Conversation(gomock.Any(), int64(7)).Return(conv, nil)
		store.EXPECT().CreateMessage(gomock.Any(), int64(7), int64(1), "hello").Return(repository.Message{ID: 41}, nil)
		store.EXPECT().AccountByID(gomock.Any(), int64(1)).Return(repository.Account{}, errors.New("timeout"))
		store.EXPECT().CreateNotification(gomock.Any(), gomock.Any()).Return(repository.Notification{}, errors.New("timeout"))

		req := withIdentity(jsonRequest(t, http.MethodPost, "/messages", SendMessageRequest{ConversationID: 7, Content: "hello"}), alice)
		rr := httptest.NewRecorder()
		a.SendMessage(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, []bridge.EventType{bridge.EventNewMessage}, pub.events)
	})

	t.Run("store failure hides details", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := NewMockStore(ctrl)
		pub := &spyPublisher{}
		a := newTestAPI(NewMockSessionService(ctrl), store, pub)

		store.EXPECT().Conversation(gomock.Any(), int64(7)).Return(conv, nil)
		store.EXPECT().CreateMessage(gomock.Any(), int64(7), int64(1), "hello").
			Return(repository.Message{}, errors.New("pq: relation \"messages\" does not exist"))

		req := withIdentity(jsonRequest(t, http.MethodPost, "/messages", SendMessageRequest{ConversationID: 7, Content: "hello"}), alice)
		rr := httptest.NewRecorder()
		a.SendMessage(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.JSONEq(t, `{"error":"internal server error"}`, rr.Body.String())
		assert.Empty(t, pub.events)
	})

	t.Run("invalid conversation id", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		a := newTestAPI(NewMockSessionService(ctrl), NewMockStore(ctrl), bridge.Nop{})

		req := withIdentity(jsonRequest(t, http.MethodPost, "/messages", SendMessageRequest{ConversationID: -1, Content: "hello"}), alice)
		rr := httptest.NewRecorder()
		a.SendMessage(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestAPI_MarkConversationRead(t *testing.T) {
	t.Parallel()

	t.Run("nothing unread publishes nothing", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := NewMockStore(ctrl)
		pub := &spyPublisher{}
		a := newTestAPI(NewMockSessionService(ctrl), store, pub)

		store.EXPECT().Conversation(gomock.Any(), int64(7)).Return(repository.Conversation{ID: 7, User1ID: 1, User2ID: 2}, nil)
		store.EXPECT().MarkMessagesRead(gomock.Any(), int64(7), int64(1)).Return(int64(0), nil)

		req := withConversationParam(withIdentity(httptest.NewRequest(http.MethodPost, "/conversations/7/read", nil), alice), "7")
		rr := httptest.NewRecorder()
		a.MarkConversationRead(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"updated":0}`, rr.Body.String())
		assert.Empty(t, pub.events)
	})

	t.Run("missing conversation", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := NewMockStore(ctrl)
		a := newTestAPI(NewMockSessionService(ctrl), store, bridge.Nop{})

		store.EXPECT().Conversation(gomock.Any(), int64(8)).Return(repository.Conversation{}, repository.ErrNotFound)

		req := withConversationParam(withIdentity(httptest.NewRequest(http.MethodPost, "/conversations/8/read", nil), alice), "8")
		rr := httptest.NewRecorder()
		a.MarkConversationRead(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestAPI_Login(t *testing.T) {
	t.Parallel()

	hash, err := util.HashPassword("secret", 4)
	require.NoError(t, err)
	account := repository.Account{ID: 1, Name: "Alice", Email: "alice@example.com", PasswordHash: hash}

	t.Run("store failure is not reported as bad credentials", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := NewMockStore(ctrl)
		a := newTestAPI(NewMockSessionService(ctrl), store, bridge.Nop{})

		store.EXPECT().AccountByEmail(gomock.Any(), "alice@example.com").Return(repository.Account{}, errors.New("connection refused"))

		req := withIdentity(jsonRequest(t, http.MethodPost, "/login", LoginRequest{Email: "Alice@Example.com", Password: "secret"}), Identity{ClientIP: "203.0.113.9"})
		rr := httptest.NewRecorder()
		a.Login(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("replaces the previous session", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := NewMockStore(ctrl)
		sessions := NewMockSessionService(ctrl)
		a := newTestAPI(sessions, store, bridge.Nop{})

		expires := time.Now().Add(session.DefaultTTL)
		store.EXPECT().AccountByEmail(gomock.Any(), "alice@example.com").Return(account, nil)
		gomock.InOrder(
			sessions.EXPECT().Invalidate(gomock.Any(), "stale").Return(nil),
			sessions.EXPECT().Create(gomock.Any(), int64(1)).Return(session.Session{Token: "fresh", UserID: 1, ExpiresAt: expires}, nil),
			sessions.EXPECT().SetCSRFToken(gomock.Any(), "fresh", gomock.Any()).Return(nil),
		)

		req := withIdentity(jsonRequest(t, http.MethodPost, "/login", LoginRequest{Email: "alice@example.com", Password: "secret"}), Identity{SessionToken: "stale", UserID: 1})
		rr := httptest.NewRecorder()
		a.Login(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var out LoginResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
		assert.Equal(t, "fresh", out.SessionToken)
		assert.Len(t, out.CSRFToken, 64)

		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, sessionCookieName, cookies[0].Name)
		assert.True(t, cookies[0].HttpOnly)
	})

	t.Run("session creation failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := NewMockStore(ctrl)
		sessions := NewMockSessionService(ctrl)
		a := newTestAPI(sessions, store, bridge.Nop{})

		store.EXPECT().AccountByEmail(gomock.Any(), "alice@example.com").Return(account, nil)
		sessions.EXPECT().Create(gomock.Any(), int64(1)).Return(session.Session{}, errors.New("disk full"))

		req := withIdentity(jsonRequest(t, http.MethodPost, "/login", LoginRequest{Email: "alice@example.com", Password: "secret"}), Identity{})
		rr := httptest.NewRecorder()
		a.Login(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Empty(t, rr.Result().Cookies())
	})
}

func TestAPI_Identity(t *testing.T) {
	t.Parallel()

	probe := func(got *Identity) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*got = identityFromContext(r.Context())
		})
	}

	t.Run("live cookie session", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		sessions := NewMockSessionService(ctrl)
		a := newTestAPI(sessions, NewMockStore(ctrl), bridge.Nop{})

		sessions.EXPECT().Lookup(gomock.Any(), "tok").Return(session.Session{Token: "tok", UserID: 4}, nil)
		sessions.EXPECT().Touch(gomock.Any(), "tok").Return(nil)

		req := httptest.NewRequest(http.MethodGet, "/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "tok"})
		var got Identity
		a.Identity(probe(&got)).ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, Identity{SessionToken: "tok", UserID: 4, ClientIP: "192.0.2.1"}, got)
	})

	t.Run("expired session is anonymous", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		sessions := NewMockSessionService(ctrl)
		a := newTestAPI(sessions, NewMockStore(ctrl), bridge.Nop{})

		sessions.EXPECT().Lookup(gomock.Any(), "old").Return(session.Session{}, session.ErrExpired)

		req := httptest.NewRequest(http.MethodGet, "/csrf-token", nil)
		req.Header.Set("Authorization", "Bearer old")
		var got Identity
		a.Identity(probe(&got)).ServeHTTP(httptest.NewRecorder(), req)

		assert.False(t, got.Authenticated())
		assert.Empty(t, got.SessionToken)

		rr := httptest.NewRecorder()
		a.RequireSession(http.NotFoundHandler()).ServeHTTP(rr, withIdentity(req, got))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

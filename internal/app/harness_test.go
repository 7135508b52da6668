package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"neighborly/api/internal/auth"
	"neighborly/api/internal/model"
	"neighborly/api/internal/rbac"
	"neighborly/api/internal/store"
)

var testSecret = []byte("test-secret")

type harness struct {
	t        *testing.T
	store    *store.MemoryStore
	verifier *auth.Verifier
	service  *Service
	handler  http.Handler
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	var (
		mu    sync.Mutex
		clock = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	)
	memory := store.NewMemoryStoreWithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	})
	opts := Options{Store: memory}
	for _, fn := range configure {
		fn(&opts)
	}
	if opts.Verifier == nil {
		opts.Verifier = auth.NewVerifier(testSecret, time.Hour, nil)
	}
	service, err := New(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &harness{
		t:        t,
		store:    memory,
		verifier: opts.Verifier,
		service:  service,
		handler:  NewHTTPServer(service, "*", nil).Handler(),
	}
}

func (h *harness) token(userID string) string {
	return h.tokenWithRole(userID, rbac.RoleUser)
}

func (h *harness) tokenWithRole(userID string, role rbac.Role) string {
	h.t.Helper()
	token, _, err := h.verifier.Issue(userID, "user "+userID, string(role))
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return token
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *harness) createRequest(token, title string) model.Request {
	h.t.Helper()
	rr := h.do(http.MethodPost, "/requests", token, map[string]any{
		"title":       title,
		"description": "two bags from the pharmacy",
		"category":    "errand",
		"location":    map[string]any{"lat": 32.08, "lng": 34.78},
	})
	expectStatus(h.t, rr, http.StatusCreated)
	return decodeJSON[model.Request](h.t, rr)
}

func (h *harness) listItems(path, token string) []model.Request {
	h.t.Helper()
	rr := h.do(http.MethodGet, path, token, nil)
	expectStatus(h.t, rr, http.StatusOK)
	return decodeJSON[struct {
		Items []model.Request `json:"items"`
	}](h.t, rr).Items
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

type errorBody struct {
	Code    string            `json:"code"`
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	expectStatus(t, rr, status)
	body := decodeJSON[errorBody](t, rr)
	if body.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, body.Code, body.Error)
	}
	return body
}

func containsRequest(items []model.Request, id string) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error {
	return p.err
}

var errDown = errors.New("connection refused")

func newRecorder(h *harness, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

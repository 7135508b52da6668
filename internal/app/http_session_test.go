package app

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"neighborly/api/internal/auth"
	"neighborly/api/internal/chat"
	"neighborly/api/internal/model"
	"neighborly/api/internal/session"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/health", "", nil)
	expectStatus(t, rr, http.StatusOK)
	if ok := decodeJSON[map[string]any](t, rr)["ok"]; ok != true {
		t.Fatalf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodGet, "/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-ID", "abc123")
	rr := newRecorder(h, req)
	if got := rr.Header().Get("X-Request-ID"); got != "abc123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Checks = map[string]Pinger{"redis": stubPinger{}}
	})
	rr := h.do(http.MethodGet, "/ready", "", nil)
	expectStatus(t, rr, http.StatusOK)
	body := decodeJSON[struct {
		OK     bool                      `json:"ok"`
		Checks map[string]map[string]any `json:"checks"`
	}](t, rr)
	if !body.OK || body.Checks["database"]["status"] != "ok" || body.Checks["redis"]["status"] != "ok" {
		t.Fatalf("unexpected ready body: %s", rr.Body.String())
	}
}

func TestReadyEndpointReportsFailingCheck(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Checks = map[string]Pinger{"redis": stubPinger{err: errDown}}
	})
	rr := h.do(http.MethodGet, "/ready", "", nil)
	expectStatus(t, rr, http.StatusServiceUnavailable)
	if !strings.Contains(rr.Body.String(), "connection refused") {
		t.Fatalf("expected error in body: %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodGet, "/requests/open", "", nil)
	rr := h.do(http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "neighborly_api_requests_total") {
		t.Fatal("expected api request counter in metrics output")
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)
	expectError(t, h.do(http.MethodGet, "/nope", "", nil), http.StatusNotFound, "NOT_FOUND")
}

func TestMessagesUnavailableWithoutRedis(t *testing.T) {
	h := newHarness(t)
	a := h.createRequest(h.token("R"), "Chat me")
	expectError(t, h.do(http.MethodGet, "/requests/"+a.ID+"/messages", h.token("R"), nil), http.StatusServiceUnavailable, "UNAVAILABLE")
	expectError(t, h.do(http.MethodPost, "/requests/"+a.ID+"/messages", h.token("R"), map[string]any{"body": "hi"}), http.StatusServiceUnavailable, "UNAVAILABLE")
}

func TestMessagesBetweenParticipants(t *testing.T) {
	client := newRedisClient(t)
	h := newHarness(t, func(o *Options) {
		o.Chat = chat.NewLog(client, 0)
	})
	r, helper := h.token("R"), h.token("H")
	a := h.createRequest(r, "Chat me")
	expectStatus(t, h.do(http.MethodPost, "/requests/"+a.ID+"/accept", helper, map[string]any{"nextStatus": "accepted"}), http.StatusOK)

	rr := h.do(http.MethodPost, "/requests/"+a.ID+"/messages", helper, map[string]any{"body": "  on my way  "})
	expectStatus(t, rr, http.StatusCreated)
	posted := decodeJSON[model.ChatMessage](t, rr)
	if posted.Body != "on my way" || posted.SenderID != "H" || posted.ChatID != a.ID {
		t.Fatalf("unexpected message: %+v", posted)
	}

	rr = h.do(http.MethodGet, "/requests/"+a.ID+"/messages", r, nil)
	expectStatus(t, rr, http.StatusOK)
	messages := decodeJSON[struct {
		Items []model.ChatMessage `json:"items"`
	}](t, rr).Items
	if len(messages) != 1 || messages[0].ID != posted.ID {
		t.Fatalf("expected the posted message, got %+v", messages)
	}

	expectError(t, h.do(http.MethodGet, "/requests/"+a.ID+"/messages", h.token("stranger"), nil), http.StatusForbidden, "FORBIDDEN")
	expectError(t, h.do(http.MethodPost, "/requests/"+a.ID+"/messages", r, map[string]any{"body": "   "}), http.StatusBadRequest, "VALIDATION_ERROR")
	expectError(t, h.do(http.MethodGet, "/requests/missing/messages", r, nil), http.StatusNotFound, "NOT_FOUND")
}

func TestDeleteDropsChatLog(t *testing.T) {
	client := newRedisClient(t)
	h := newHarness(t, func(o *Options) {
		o.Chat = chat.NewLog(client, 0)
	})
	r := h.token("R")
	a := h.createRequest(r, "Short lived")
	expectStatus(t, h.do(http.MethodPost, "/requests/"+a.ID+"/messages", r, map[string]any{"body": "anyone?"}), http.StatusCreated)
	expectStatus(t, h.do(http.MethodDelete, "/requests/"+a.ID, r, nil), http.StatusNoContent)

	n, err := client.Exists(context.Background(), "chat:"+a.ID).Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if n != 0 {
		t.Fatal("expected chat log to be dropped with the request")
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	denylist := session.NewDenylistWithClient(newRedisClient(t))
	verifier := auth.NewVerifier(testSecret, time.Hour, denylist)
	h := newHarness(t, func(o *Options) {
		o.Verifier = verifier
		o.Revoker = denylist
	})
	token := h.token("R")

	expectStatus(t, h.do(http.MethodGet, "/requests/history", token, nil), http.StatusOK)

	rr := h.do(http.MethodPost, "/session/logout", token, nil)
	expectStatus(t, rr, http.StatusOK)
	if revoked := decodeJSON[map[string]any](t, rr)["revoked"]; revoked != true {
		t.Fatalf("expected revoked=true, got %v", revoked)
	}

	expectError(t, h.do(http.MethodGet, "/requests/history", token, nil), http.StatusUnauthorized, "UNAUTHORIZED")
	expectStatus(t, h.do(http.MethodGet, "/requests/history", h.token("R"), nil), http.StatusOK)
}

func TestLogoutWithoutRevoker(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/session/logout", h.token("R"), nil)
	expectStatus(t, rr, http.StatusOK)
	if revoked := decodeJSON[map[string]any](t, rr)["revoked"]; revoked != false {
		t.Fatalf("expected revoked=false, got %v", revoked)
	}
}

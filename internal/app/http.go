package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"neighborly/api/internal/auth"
	"neighborly/api/internal/chat"
	"neighborly/api/internal/geo"
	"neighborly/api/internal/logging"
	"neighborly/api/internal/metrics"
	"neighborly/api/internal/model"
	"neighborly/api/internal/review"
	"neighborly/api/internal/search"
	"neighborly/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logrus.Entry
}

func NewHTTPServer(service *Service, corsOrigin string, log *logrus.Entry) *HTTPServer {
	if log == nil {
		log = logging.Discard()
	}
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	router.Use(s.instrument)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	router.HandleFunc("/requests/open", s.handleListOpen).Methods(http.MethodGet)
	router.HandleFunc("/requests/participating", s.handleListParticipating).Methods(http.MethodGet)
	router.HandleFunc("/requests/history", s.handleListHistory).Methods(http.MethodGet)
	router.HandleFunc("/requests/search", s.handleSearch).Methods(http.MethodGet)
	router.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	router.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	router.HandleFunc("/requests/{id}", s.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/requests/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	router.HandleFunc("/requests/{id}/messages", s.handlePostMessage).Methods(http.MethodPost)

	router.HandleFunc("/reviews/prompts", s.handleCreatePrompts).Methods(http.MethodPost)
	router.HandleFunc("/reviews/prompts", s.handleListPrompts).Methods(http.MethodGet)
	router.HandleFunc("/reviews/prompts/{id}/consume", s.handleConsumePrompt).Methods(http.MethodPatch)

	router.HandleFunc("/session/logout", s.handleLogout).Methods(http.MethodPost)

	// Panics are reported to Sentry, then turned into a 500 by withMiddleware.
	reporter := sentryhttp.New(sentryhttp.Options{Repanic: true})
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
	return corsHandler.Handler(s.withMiddleware(reporter.Handle(router)))
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ready(ctx) {
		if err == nil {
			checks[name] = map[string]any{"status": "ok"}
			continue
		}
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks[name] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body CreateRequestInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	created, err := s.service.CreateRequest(r.Context(), actor, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListOpen(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := s.optionalActor(w, r)
	if !ok {
		return
	}
	query, err := parseOpenQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.service.ListOpen(r.Context(), viewerID, query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleListParticipating(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	items, err := s.service.ListParticipating(r.Context(), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleListHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	items, err := s.service.ListHistory(r.Context(), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := s.optionalActor(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.service.Search(r.Context(), viewerID, search.Query{Text: r.URL.Query().Get("q"), Limit: limit})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body AcceptInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	updated, err := s.service.Accept(r.Context(), actor, mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	updated, err := s.service.Complete(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if err := s.service.Delete(r.Context(), actor, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	items, err := s.service.ListMessages(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body PostMessageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	message, err := s.service.PostMessage(r.Context(), actor, mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (s *HTTPServer) handleCreatePrompts(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body CreatePromptsInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	prompts, err := s.service.CreateReviewPrompts(r.Context(), actor, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"items": prompts})
}

func (s *HTTPServer) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	items, err := s.service.ListReviewPrompts(r.Context(), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleConsumePrompt(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	prompt, err := s.service.ConsumeReviewPrompt(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	revoked, err := s.service.Logout(r.Context(), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revoked": revoked})
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	actor, err := s.service.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.fail(w, r, err)
		return Actor{}, false
	}
	return actor, true
}

// optionalActor returns "" for anonymous callers. A token that is present
// but invalid is still rejected.
func (s *HTTPServer) optionalActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		return "", true
	}
	actor, ok := s.requireActor(w, r)
	return actor.ID, ok
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestIDFrom(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Error("request failed")
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
	}
	writeError(w, status, code, message, details)
}

func parseOpenQuery(r *http.Request) (OpenQuery, error) {
	values := r.URL.Query()
	var query OpenQuery

	limit, err := parseLimit(r)
	if err != nil {
		return OpenQuery{}, err
	}
	query.Limit = limit

	boundKeys := []string{"west", "south", "east", "north"}
	var bounds [4]float64
	present := 0
	for i, key := range boundKeys {
		raw := strings.TrimSpace(values.Get(key))
		if raw == "" {
			continue
		}
		present++
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return OpenQuery{}, invalidField(key, "must be a number")
		}
		bounds[i] = parsed
	}
	switch present {
	case 0:
	case len(boundKeys):
		b := geo.Bounds{West: bounds[0], South: bounds[1], East: bounds[2], North: bounds[3]}
		if err := b.Validate(); err != nil {
			return OpenQuery{}, invalidField("bounds", "must be a valid viewport")
		}
		query.Bounds = &b
	default:
		return OpenQuery{}, invalidField("bounds", "west, south, east and north must be given together")
	}

	rawLat, rawLng := strings.TrimSpace(values.Get("lat")), strings.TrimSpace(values.Get("lng"))
	if rawLat == "" && rawLng == "" {
		return query, nil
	}
	lat, errLat := strconv.ParseFloat(rawLat, 64)
	lng, errLng := strconv.ParseFloat(rawLng, 64)
	details := map[string]string{}
	if errLat != nil {
		details["lat"] = "must be a number"
	}
	if errLng != nil {
		details["lng"] = "must be a number"
	}
	if len(details) > 0 {
		return OpenQuery{}, validationError(details)
	}
	near := model.Location{Lat: lat, Lng: lng}
	if !geo.ValidLocation(near) {
		return OpenQuery{}, invalidField("location", "must be a valid coordinate")
	}
	query.Near = &near
	return query, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, invalidField("limit", "must be a positive integer")
	}
	return limit, nil
}

// instrument records per-route metrics. It runs inside the router so the
// route template is known.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = r.Method + " " + template
			}
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		metrics.RecordHTTP(route, writer.status, time.Since(started).Seconds())
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setResponseHeaders(writer.Header())
		writer.Header().Set("X-Request-ID", requestID)

		defer func() {
			if recovered := recover(); recovered != nil {
				s.log.WithFields(logrus.Fields{
					"request_id": requestID,
					"panic":      fmt.Sprint(recovered),
				}).Error("handler panicked")
				if !writer.wrote {
					writeError(writer, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
				}
			}
			s.log.WithFields(logrus.Fields{
				"request_id":  requestID,
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      writer.status,
				"duration_ms": time.Since(started).Milliseconds(),
			}).Info("request")
		}()

		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func setResponseHeaders(header http.Header) {
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, review.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, review.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, chat.ErrEmptyBody):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", map[string]string{"body": "is required"}
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrRevokedToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

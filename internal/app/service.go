package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"neighborly/api/internal/auth"
	"neighborly/api/internal/chat"
	"neighborly/api/internal/claim"
	"neighborly/api/internal/geo"
	"neighborly/api/internal/logging"
	"neighborly/api/internal/model"
	"neighborly/api/internal/rbac"
	"neighborly/api/internal/review"
	"neighborly/api/internal/search"
	"neighborly/api/internal/store"
	"neighborly/api/internal/util"
	"neighborly/api/internal/visibility"
)

// Actor is the verified caller of one API request.
type Actor struct {
	ID        string
	Name      string
	Role      rbac.Role
	TokenID   string
	ExpiresAt time.Time
}

func (a Actor) IsAdmin() bool {
	return rbac.Can(a.Role, rbac.ActionOverride)
}

func (a Actor) Can(action rbac.Action) bool {
	return rbac.Can(a.Role, action)
}

// Revoker ends a session before its token expires.
type Revoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Store    store.Store
	Verifier *auth.Verifier
	// Search defaults to a store-only search service.
	Search *search.Service
	// Chat and Revoker are optional; without Chat the message routes
	// answer 503.
	Chat    *chat.Log
	Revoker Revoker
	// Checks are reported by /ready next to the store.
	Checks map[string]Pinger
	Logger *logrus.Entry
}

type Service struct {
	store    store.Store
	claims   *claim.Arbitrator
	reviews  *review.Coordinator
	search   *search.Service
	chat     *chat.Log
	revoker  Revoker
	verifier *auth.Verifier
	checks   map[string]Pinger
	log      *logrus.Entry
	newID    func() string
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("app: store is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("app: token verifier is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	searchService := opts.Search
	if searchService == nil {
		searchService = search.NewService(nil, opts.Store, log)
	}
	reviews := review.NewCoordinator(opts.Store, log.WithField("component", "review"))
	return &Service{
		store:    opts.Store,
		claims:   claim.New(opts.Store, reviews, log.WithField("component", "claim")),
		reviews:  reviews,
		search:   searchService,
		chat:     opts.Chat,
		revoker:  opts.Revoker,
		verifier: opts.Verifier,
		checks:   opts.Checks,
		log:      log,
		newID:    func() string { return util.NewID("req") },
	}, nil
}

// Authenticate verifies a bearer token. Every token problem is reported as
// Unauthorized; a failing denylist lookup is a server error.
func (s *Service) Authenticate(ctx context.Context, token string) (Actor, error) {
	if token == "" {
		return Actor{}, unauthorized()
	}
	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrRevokedToken) {
			return Actor{}, unauthorized()
		}
		return Actor{}, fmt.Errorf("verify token: %w", err)
	}
	return Actor{
		ID:        claims.UserID(),
		Name:      claims.Name,
		Role:      rbac.Normalize(claims.Role),
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, actor Actor) (bool, error) {
	if s.revoker == nil {
		return false, nil
	}
	if err := s.revoker.Revoke(ctx, actor.TokenID, actor.ExpiresAt); err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	s.log.WithField("user_id", actor.ID).Info("session revoked")
	return true, nil
}

// Ready pings the store and every configured check. The map holds one entry
// per check; a nil value means healthy.
func (s *Service) Ready(ctx context.Context) map[string]error {
	results := map[string]error{"database": s.store.Ping(ctx)}
	for name, check := range s.checks {
		results[name] = check.Ping(ctx)
	}
	return results
}

func (s *Service) CreateRequest(ctx context.Context, actor Actor, input CreateRequestInput) (model.Request, error) {
	if !actor.Can(rbac.ActionPost) {
		return model.Request{}, forbidden("")
	}
	input.normalize()
	if err := validateInput(input); err != nil {
		return model.Request{}, err
	}

	location := model.Location{Lat: *input.Location.Lat, Lng: *input.Location.Lng}
	request := model.Request{
		ID:          s.newID(),
		Title:       input.Title,
		Description: input.Description,
		Category:    input.Category,
		Reward:      input.Reward,
		RequesterID: actor.ID,
		Status:      model.StatusOpen,
		Location:    location,
		Geohash:     geo.Hash(location),
	}
	if input.Address != nil {
		request.Address = &model.Address{
			City:        input.Address.City,
			Street:      input.Address.Street,
			HouseNumber: input.Address.HouseNumber,
			Notes:       input.Address.Notes,
		}
	}

	created, err := s.store.InsertRequest(ctx, request)
	if err != nil {
		return model.Request{}, fmt.Errorf("create request: %w", err)
	}
	s.search.Track(created)
	s.log.WithFields(logrus.Fields{"request_id": created.ID, "requester_id": actor.ID}).Info("request created")
	return created, nil
}

// OpenQuery narrows the open list to a viewport, the neighborhood of a
// point, or both.
type OpenQuery struct {
	Bounds *geo.Bounds
	Near   *model.Location
	Limit  int
}

func (s *Service) ListOpen(ctx context.Context, viewerID string, q OpenQuery) ([]model.Request, error) {
	filter := store.Filter{
		Statuses:    []model.Status{model.StatusOpen},
		Bounds:      q.Bounds,
		NewestFirst: true,
		Limit:       q.Limit,
	}
	if q.Near != nil {
		filter.GeohashPrefixes = geo.Neighborhood(*q.Near, geo.NeighborhoodPrecision)
	}
	items, err := s.store.ListRequests(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list open requests: %w", err)
	}
	return visibility.Project(items, viewerID), nil
}

// ListParticipating returns the claimed requests the actor takes part in.
func (s *Service) ListParticipating(ctx context.Context, actor Actor) ([]model.Request, error) {
	items, err := s.store.ListRequests(ctx, store.Filter{
		Statuses:      []model.Status{model.StatusAccepted, model.StatusInProgress},
		ParticipantID: actor.ID,
		NewestFirst:   true,
		Unbounded:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("list participating requests: %w", err)
	}
	return visibility.Project(items, actor.ID), nil
}

// ListHistory returns every request the actor took part in, done included.
func (s *Service) ListHistory(ctx context.Context, actor Actor) ([]model.Request, error) {
	items, err := s.store.ListRequests(ctx, store.Filter{
		ParticipantID: actor.ID,
		NewestFirst:   true,
		Unbounded:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("list request history: %w", err)
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, viewerID string, q search.Query) ([]model.Request, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, invalidField("q", "is required")
	}
	items, err := s.search.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search requests: %w", err)
	}
	return visibility.Project(items, viewerID), nil
}

func (s *Service) Accept(ctx context.Context, actor Actor, requestID string, input AcceptInput) (model.Request, error) {
	if err := validateInput(input); err != nil {
		return model.Request{}, err
	}
	if !actor.Can(rbac.ActionClaim) {
		return model.Request{}, forbidden("")
	}
	res, err := s.claims.Accept(ctx, requestID, actor.ID, input.NextStatus)
	if err != nil {
		return model.Request{}, err
	}
	if err := resultError(res); err != nil {
		return model.Request{}, err
	}
	s.search.Track(res.Request)
	return res.Request, nil
}

func (s *Service) Complete(ctx context.Context, actor Actor, requestID string) (model.Request, error) {
	res, err := s.claims.Complete(ctx, requestID, actor.ID, actor.IsAdmin())
	if err != nil {
		return model.Request{}, err
	}
	if err := resultError(res); err != nil {
		return model.Request{}, err
	}
	s.search.Track(res.Request)
	return res.Request, nil
}

func (s *Service) Delete(ctx context.Context, actor Actor, requestID string) error {
	res, err := s.claims.DeleteOpen(ctx, requestID, actor.ID, actor.IsAdmin())
	if err != nil {
		return err
	}
	if err := resultError(res); err != nil {
		return err
	}
	s.search.Forget(requestID)
	if s.chat != nil {
		if err := s.chat.Drop(ctx, requestID); err != nil {
			s.log.WithError(err).WithField("request_id", requestID).Warn("drop chat log")
		}
	}
	return nil
}

// CreateReviewPrompts writes the prompt pair for a completed request the
// actor took part in. Posting again returns the existing prompts and fills
// in a half that an earlier failure left out.
func (s *Service) CreateReviewPrompts(ctx context.Context, actor Actor, input CreatePromptsInput) ([]model.ReviewPrompt, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if !actor.Can(rbac.ActionReview) {
		return nil, forbidden("")
	}
	request, err := s.store.GetRequest(ctx, input.RequestID)
	if err != nil {
		return nil, fmt.Errorf("load request for review: %w", err)
	}
	if !request.IsParticipant(actor.ID) {
		return nil, forbidden("only participants can request reviews")
	}
	if request.Status != model.StatusDone {
		return nil, conflict("request is not completed yet")
	}
	details := map[string]string{}
	if input.RequesterID != request.RequesterID {
		details["requesterId"] = "does not match the request"
	}
	if input.HelperID != request.Helper() {
		details["helperId"] = "does not match the request"
	}
	if len(details) > 0 {
		return nil, validationError(details)
	}

	prompts, err := s.reviews.CreatePair(ctx, request.ID, request.RequesterID, request.Helper(), request.Title)
	if err != nil {
		return nil, fmt.Errorf("create review prompts: %w", err)
	}
	return prompts, nil
}

func (s *Service) ListReviewPrompts(ctx context.Context, actor Actor) ([]model.ReviewPrompt, error) {
	return s.reviews.ListActive(ctx, actor.ID)
}

func (s *Service) ConsumeReviewPrompt(ctx context.Context, actor Actor, promptID string) (model.ReviewPrompt, error) {
	return s.reviews.Consume(ctx, promptID, actor.ID)
}

func (s *Service) ListMessages(ctx context.Context, actor Actor, requestID string) ([]model.ChatMessage, error) {
	if err := s.authorizeChat(ctx, actor, requestID); err != nil {
		return nil, err
	}
	messages, err := s.chat.List(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func (s *Service) PostMessage(ctx context.Context, actor Actor, requestID string, input PostMessageInput) (model.ChatMessage, error) {
	input.Body = strings.TrimSpace(input.Body)
	if err := validateInput(input); err != nil {
		return model.ChatMessage{}, err
	}
	if err := s.authorizeChat(ctx, actor, requestID); err != nil {
		return model.ChatMessage{}, err
	}
	message, err := s.chat.Append(ctx, requestID, actor.ID, input.Body)
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("post message: %w", err)
	}
	return message, nil
}

func (s *Service) authorizeChat(ctx context.Context, actor Actor, requestID string) error {
	if s.chat == nil {
		return unavailable("Chat is not configured")
	}
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request for chat: %w", err)
	}
	if !request.IsParticipant(actor.ID) {
		return forbidden("only participants can use this chat")
	}
	return nil
}

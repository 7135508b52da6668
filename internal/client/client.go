// Package client talks to the Neighborly REST API and keeps polled,
// locally consistent views of the request lists.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"neighborly/api/internal/geo"
	"neighborly/api/internal/model"
)

// ErrAlreadyClaimed matches the error of an accept that lost the race.
// Callers show it to the user and must not retry.
var ErrAlreadyClaimed = errors.New("already claimed by someone else")

// APIError is a non-2xx response carrying the API error body.
type APIError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrAlreadyClaimed && e.Code == "ALREADY_CLAIMED"
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func IsConflict(err error) bool     { return statusOf(err) == http.StatusConflict }
func IsForbidden(err error) bool    { return statusOf(err) == http.StatusForbidden }
func IsNotFound(err error) bool     { return statusOf(err) == http.StatusNotFound }
func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }

type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url: %q", baseURL)
	}
	c := &Client{
		baseURL:    u,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, reqBody, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("json marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("http read: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "HTTP_ERROR"
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("json unmarshal response: %w", err)
	}
	return nil
}

type NewRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Category    model.Category `json:"category"`
	Reward      *string        `json:"reward,omitempty"`
	Location    model.Location `json:"location"`
	Address     *model.Address `json:"address,omitempty"`
}

func (c *Client) CreateRequest(ctx context.Context, in NewRequest) (model.Request, error) {
	var out model.Request
	err := c.doJSON(ctx, http.MethodPost, "/requests", nil, in, &out)
	return out, err
}

// OpenQuery mirrors the filters of GET /requests/open.
type OpenQuery struct {
	Bounds *geo.Bounds
	Near   *model.Location
}

func (q OpenQuery) values() url.Values {
	values := url.Values{}
	if q.Bounds != nil {
		values.Set("west", formatFloat(q.Bounds.West))
		values.Set("south", formatFloat(q.Bounds.South))
		values.Set("east", formatFloat(q.Bounds.East))
		values.Set("north", formatFloat(q.Bounds.North))
	}
	if q.Near != nil {
		values.Set("lat", formatFloat(q.Near.Lat))
		values.Set("lng", formatFloat(q.Near.Lng))
	}
	return values
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type requestItems struct {
	Items []model.Request `json:"items"`
}

func (c *Client) listRequests(ctx context.Context, path string, query url.Values) ([]model.Request, error) {
	var out requestItems
	if err := c.doJSON(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		out.Items = []model.Request{}
	}
	return out.Items, nil
}

func (c *Client) ListOpen(ctx context.Context, q OpenQuery) ([]model.Request, error) {
	return c.listRequests(ctx, "/requests/open", q.values())
}

func (c *Client) ListParticipating(ctx context.Context) ([]model.Request, error) {
	return c.listRequests(ctx, "/requests/participating", nil)
}

func (c *Client) ListHistory(ctx context.Context) ([]model.Request, error) {
	return c.listRequests(ctx, "/requests/history", nil)
}

func (c *Client) Search(ctx context.Context, text string) ([]model.Request, error) {
	return c.listRequests(ctx, "/requests/search", url.Values{"q": {text}})
}

func (c *Client) Accept(ctx context.Context, requestID string, next model.Status) (model.Request, error) {
	var out model.Request
	err := c.doJSON(ctx, http.MethodPost, "/requests/"+url.PathEscape(requestID)+"/accept", nil, map[string]any{"nextStatus": next}, &out)
	return out, err
}

func (c *Client) Complete(ctx context.Context, requestID string) (model.Request, error) {
	var out model.Request
	err := c.doJSON(ctx, http.MethodPost, "/requests/"+url.PathEscape(requestID)+"/complete", nil, nil, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, requestID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/requests/"+url.PathEscape(requestID), nil, nil, nil)
}

type promptItems struct {
	Items []model.ReviewPrompt `json:"items"`
}

// CreateReviewPrompts asks the server for the prompt pair of a completed
// request. It is safe to call again after a partial failure.
func (c *Client) CreateReviewPrompts(ctx context.Context, r model.Request) ([]model.ReviewPrompt, error) {
	var out promptItems
	err := c.doJSON(ctx, http.MethodPost, "/reviews/prompts", nil, map[string]any{
		"requestId":    r.ID,
		"requesterId":  r.RequesterID,
		"helperId":     r.Helper(),
		"requestTitle": r.Title,
	}, &out)
	return out.Items, err
}

func (c *Client) ListReviewPrompts(ctx context.Context) ([]model.ReviewPrompt, error) {
	var out promptItems
	if err := c.doJSON(ctx, http.MethodGet, "/reviews/prompts", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		out.Items = []model.ReviewPrompt{}
	}
	return out.Items, nil
}

func (c *Client) ConsumeReviewPrompt(ctx context.Context, promptID string) (model.ReviewPrompt, error) {
	var out model.ReviewPrompt
	err := c.doJSON(ctx, http.MethodPatch, "/reviews/prompts/"+url.PathEscape(promptID)+"/consume", nil, nil, &out)
	return out, err
}

func (c *Client) ListMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	var out struct {
		Items []model.ChatMessage `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/requests/"+url.PathEscape(chatID)+"/messages", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		out.Items = []model.ChatMessage{}
	}
	return out.Items, nil
}

func (c *Client) PostMessage(ctx context.Context, chatID, body string) (model.ChatMessage, error) {
	var out model.ChatMessage
	err := c.doJSON(ctx, http.MethodPost, "/requests/"+url.PathEscape(chatID)+"/messages", nil, map[string]string{"body": body}, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/session/logout", nil, nil, nil)
}

package valeconectasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vale Conecta HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Category       string   `json:"category"`
	Status         string   `json:"status"`
	StatusLabel    string   `json:"status_label"`
	ClientID       string   `json:"client_id"`
	ProfessionalID string   `json:"professional_id"`
	PriceCents     *int64   `json:"price_cents"`
	MaterialsCents int64    `json:"materials_cents"`
	TotalCents     int64    `json:"total_cents"`
	DisputeReason  string   `json:"dispute_reason"`
	Next           []string `json:"next"`
}

type Proposal struct {
	ID             string `json:"id"`
	TaskID         string `json:"task_id"`
	ProfessionalID string `json:"professional_id"`
	PriceCents     int64  `json:"price_cents"`
	MaterialsCents int64  `json:"materials_cents"`
	Message        string `json:"message"`
	Status         string `json:"status"`
}

type Message struct {
	ID            int64  `json:"id"`
	TaskID        string `json:"task_id"`
	SenderID      string `json:"sender_id"`
	Text          string `json:"text"`
	AttachmentURL string `json:"attachment_url"`
	System        bool   `json:"system"`
	StatusLabel   string `json:"status_label"`
	CreatedAt     string `json:"created_at"`
}

type Escrow struct {
	TaskID        string `json:"task_id"`
	State         string `json:"state"`
	HeldCents     int64  `json:"held_cents"`
	ReleasedCents int64  `json:"released_cents"`
	RefundedCents int64  `json:"refunded_cents"`
	FeeCents      int64  `json:"fee_cents"`
	PayoutCents   int64  `json:"payout_cents"`
	ReleaseDueAt  string `json:"release_due_at"`
}

type Reputation struct {
	ProfessionalID    string   `json:"professional_id"`
	Rating            float64  `json:"rating"`
	ReviewCount       int      `json:"review_count"`
	ServicesCompleted int      `json:"services_completed"`
	Badges            []string `json:"badges"`
}

type Notification struct {
	ProfessionalID string `json:"professional_id"`
	Badge          string `json:"badge"`
	Message        string `json:"message"`
}

type RatingResult struct {
	Task          Task           `json:"task"`
	Reputation    Reputation     `json:"reputation"`
	Notifications []Notification `json:"notifications"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Message is the pt-BR text from the
// server's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a token from a server started with dev login enabled and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID, role string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID, "role": role}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// CreateTask posts a service request as the client.
func (c *Client) CreateTask(ctx context.Context, title, description, category string) (Task, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"category":    category,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// ListTasks returns tasks visible to the caller, optionally by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// SubmitProposal quotes a price as the professional.
func (c *Client) SubmitProposal(ctx context.Context, taskID string, priceCents, materialsCents int64, message string) (Proposal, error) {
	body := map[string]any{
		"price_cents":     priceCents,
		"materials_cents": materialsCents,
		"message":         message,
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "proposals"), body, &resp)
	return resp, err
}

func (c *Client) Proposals(ctx context.Context, taskID string) ([]Proposal, error) {
	var resp []Proposal
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "proposals"), nil, &resp)
	return resp, err
}

// AcceptProposal schedules the task and holds the payment.
func (c *Client) AcceptProposal(ctx context.Context, taskID, proposalID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "proposals/"+url.PathEscape(proposalID)+"/accept"), struct{}{}, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, taskID string) (Task, error) {
	return c.action(ctx, taskID, "start", struct{}{})
}

func (c *Client) Finish(ctx context.Context, taskID string) (Task, error) {
	return c.action(ctx, taskID, "finish", struct{}{})
}

// Confirm releases the held payment to the professional.
func (c *Client) Confirm(ctx context.Context, taskID string) (Task, error) {
	return c.action(ctx, taskID, "confirm", struct{}{})
}

func (c *Client) Dispute(ctx context.Context, taskID, reason string) (Task, error) {
	return c.action(ctx, taskID, "dispute", map[string]any{"reason": reason})
}

func (c *Client) Cancel(ctx context.Context, taskID, reason string) (Task, error) {
	return c.action(ctx, taskID, "cancel", map[string]any{"reason": reason})
}

// Resolve settles a dispute; outcome is "release" or "refund".
func (c *Client) Resolve(ctx context.Context, taskID, outcome, note string) (Task, error) {
	return c.action(ctx, taskID, "resolve", map[string]any{"outcome": outcome, "note": note})
}

func (c *Client) ContactSupport(ctx context.Context, taskID string) (Task, error) {
	return c.action(ctx, taskID, "support", struct{}{})
}

func (c *Client) Rate(ctx context.Context, taskID string, stars int, comment string) (RatingResult, error) {
	var resp RatingResult
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "rating"), map[string]any{"rating": stars, "comment": comment}, &resp)
	return resp, err
}

func (c *Client) Messages(ctx context.Context, taskID string) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "messages"), nil, &resp)
	return resp, err
}

func (c *Client) SendMessage(ctx context.Context, taskID, text string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "messages"), map[string]any{"text": text}, &resp)
	return resp, err
}

func (c *Client) Escrow(ctx context.Context, taskID string) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "escrow"), nil, &resp)
	return resp, err
}

func (c *Client) Reputation(ctx context.Context, professionalID string) (Reputation, error) {
	var resp Reputation
	err := c.do(ctx, http.MethodGet, "professionals/"+url.PathEscape(professionalID)+"/reputation", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated audit log listing (admin only).
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) action(ctx context.Context, taskID, verb string, body any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, verb), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(id, p string) string {
	out := "tasks/" + url.PathEscape(id)
	if p != "" {
		out += "/" + strings.TrimLeft(p, "/")
	}
	return out
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

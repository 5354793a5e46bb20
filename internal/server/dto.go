package server

import (
	"encoding/json"

	"valeconecta/internal/classify"
	"valeconecta/internal/domain"
	"valeconecta/internal/engine"
	"valeconecta/internal/reputation"
)

// Request payloads

type DevLoginRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Role    string `json:"role" enum:"client,professional,admin"`
}

type CreateTaskRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Address     string `json:"address,omitempty"`
	ScheduledAt string `json:"scheduled_at,omitempty" format:"date-time"`
}

type SubmitProposalRequest struct {
	PriceCents     int64  `json:"price_cents" minimum:"1"`
	MaterialsCents int64  `json:"materials_cents,omitempty" minimum:"0"`
	Message        string `json:"message,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RatingRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

type ResolveRequest struct {
	Outcome string `json:"outcome" enum:"release,refund"`
	Note    string `json:"note,omitempty"`
}

type MessageRequest struct {
	Text          string `json:"text,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
}

type GrantBadgeRequest struct {
	BadgeID string `json:"badge_id" minLength:"1"`
}

type ClassifyRequest struct {
	Text string `json:"text" minLength:"1"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// TaskResponse carries the canonical status and its pt-BR label.
type TaskResponse struct {
	domain.Task
	StatusLabel string          `json:"status_label"`
	TotalCents  int64           `json:"total_cents"`
	Next        []domain.Status `json:"next"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type MessageResponse struct {
	domain.ChatMessage
	System bool   `json:"system"`
	Label  string `json:"status_label,omitempty"`
}

type EscrowResponse struct {
	domain.EscrowEntry
	PayoutCents int64  `json:"payout_cents"`
	Display     string `json:"display"`
}

type BadgeResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type ReputationResponse struct {
	domain.Reputation
	BadgeDetails []BadgeResponse `json:"badge_details"`
}

type RatingResponse struct {
	Task          TaskResponse              `json:"task"`
	Review        domain.Review             `json:"review"`
	Reputation    ReputationResponse        `json:"reputation"`
	Notifications []reputation.Notification `json:"notifications"`
}

type ClassifyResponse struct {
	classify.Suggestion
}

type StatusCount struct {
	Status domain.Status `json:"status"`
	Label  string        `json:"label"`
	Count  int           `json:"count"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		Task:        t,
		StatusLabel: domain.StatusLabel(t.Status),
		TotalCents:  t.TotalCents(),
		Next:        nonNilSlice(engine.Next(t.Status)),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func messageResponse(m domain.ChatMessage) MessageResponse {
	res := MessageResponse{ChatMessage: m, System: m.IsSystem()}
	if m.ToStatus != nil {
		res.Label = domain.StatusLabel(*m.ToStatus)
	}
	return res
}

func escrowResponse(e domain.EscrowEntry) EscrowResponse {
	return EscrowResponse{EscrowEntry: e, PayoutCents: e.PayoutCents(), Display: domain.FormatBRL(e.HeldCents)}
}

func reputationResponse(r domain.Reputation) ReputationResponse {
	r.Badges = nonNilSlice(r.Badges)
	res := ReputationResponse{Reputation: r, BadgeDetails: []BadgeResponse{}}
	for _, id := range r.Badges {
		b, ok := reputation.DefaultRegistry.Lookup(id)
		if !ok {
			continue
		}
		res.BadgeDetails = append(res.BadgeDetails, BadgeResponse{ID: b.ID, Name: b.Name, Description: b.Description, Icon: b.Icon})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

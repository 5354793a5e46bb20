package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"valeconecta/internal/db"
	"valeconecta/internal/domain"
)

// Event types appended by the engine.
const (
	TaskCreated       = "task.created"
	TaskTransitioned  = "task.transitioned"
	ProposalSubmitted = "proposal.submitted"
	MessagePosted     = "chat.message"
	SupportEngaged    = "chat.support"
	EscrowHeld        = "escrow.held"
	EscrowReleased    = "escrow.released"
	EscrowRefunded    = "escrow.refunded"
	ReviewSubmitted   = "review.submitted"
	BadgeEarned       = "badge.earned"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside tx and returns it with its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:         now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}
	var entity any
	if entityID != "" {
		entity = entityID
	}
	err = tx.QueryRowContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?) RETURNING id`),
		evt.TS, evt.Type, evt.EntityKind, entity, evt.ActorID, evt.Payload).Scan(&evt.ID)
	if err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

// Publisher fans committed events out to external consumers.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, domain.Event) error { return nil }

package domain

// Sender ids reserved for messages not authored by a task party.
const (
	SystemSenderID  = "0"
	SupportSenderID = "999"
)

type Task struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Category       string  `json:"category,omitempty"`
	Address        string  `json:"address,omitempty"`
	ScheduledAt    *string `json:"scheduled_at,omitempty" format:"date-time"`
	Status         Status  `json:"status" enum:"open,evaluating,scheduled,in_progress,completed,client_confirmed,rated,disputed,canceled"`
	PriceCents     *int64  `json:"price_cents,omitempty"`
	MaterialsCents int64   `json:"materials_cents"`
	ClientID       string  `json:"client_id"`
	ProfessionalID *string `json:"professional_id,omitempty"`
	DisputeReason  string  `json:"dispute_reason,omitempty"`
	SupportAt      *string `json:"support_engaged_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// AssignedTo reports whether actorID is the task's professional.
func (t Task) AssignedTo(actorID string) bool {
	return t.ProfessionalID != nil && *t.ProfessionalID == actorID
}

// TotalCents is the agreed service price plus materials.
func (t Task) TotalCents() int64 {
	if t.PriceCents == nil {
		return 0
	}
	return *t.PriceCents + t.MaterialsCents
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

type Proposal struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"task_id"`
	ProfessionalID string         `json:"professional_id"`
	PriceCents     int64          `json:"price_cents"`
	MaterialsCents int64          `json:"materials_cents"`
	Message        string         `json:"message,omitempty"`
	Status         ProposalStatus `json:"status" enum:"pending,accepted,rejected"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

type ChatMessage struct {
	ID            int64   `json:"id"`
	TaskID        string  `json:"task_id"`
	SenderID      string  `json:"sender_id"`
	Text          string  `json:"text"`
	AttachmentURL string  `json:"attachment_url,omitempty"`
	FromStatus    *Status `json:"from_status,omitempty"`
	ToStatus      *Status `json:"to_status,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// IsSystem reports whether the message was written by the platform.
func (m ChatMessage) IsSystem() bool { return m.SenderID == SystemSenderID }

type EscrowState string

const (
	EscrowHeld     EscrowState = "held"
	EscrowReleased EscrowState = "released"
	EscrowRefunded EscrowState = "refunded"
)

type EscrowEntry struct {
	TaskID         string      `json:"task_id"`
	HoldID         string      `json:"hold_id"`
	ServiceCents   int64       `json:"service_cents"`
	MaterialsCents int64       `json:"materials_cents"`
	HeldCents      int64       `json:"held_cents"`
	ReleasedCents  int64       `json:"released_cents"`
	RefundedCents  int64       `json:"refunded_cents"`
	FeeCents       int64       `json:"fee_cents"`
	State          EscrowState `json:"state" enum:"held,released,refunded"`
	ReleaseDueAt   *string     `json:"release_due_at,omitempty" format:"date-time"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
	UpdatedAt      string      `json:"updated_at" format:"date-time"`
}

// PayoutCents is what the professional receives after the platform fee.
func (e EscrowEntry) PayoutCents() int64 {
	return e.ReleasedCents - e.FeeCents
}

type Reputation struct {
	ProfessionalID    string   `json:"professional_id"`
	Name              string   `json:"name,omitempty"`
	Rating            float64  `json:"rating"`
	ReviewCount       int      `json:"review_count"`
	ServicesCompleted int      `json:"services_completed"`
	Badges            []string `json:"badges"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

// HasBadge reports whether the badge id is already earned.
func (r Reputation) HasBadge(id string) bool {
	for _, b := range r.Badges {
		if b == id {
			return true
		}
	}
	return false
}

type Review struct {
	ID             string `json:"id"`
	TaskID         string `json:"task_id"`
	ProfessionalID string `json:"professional_id"`
	ClientID       string `json:"client_id"`
	Rating         int    `json:"rating" minimum:"1" maximum:"5"`
	Comment        string `json:"comment,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"valeconecta/internal/domain"
	"valeconecta/internal/engine/auth"
	"valeconecta/internal/escrow"
	"valeconecta/internal/events"
	"valeconecta/internal/notify"
	"valeconecta/internal/payment"
	"valeconecta/internal/repo"
	"valeconecta/internal/reputation"
)

// TaskCreateOptions are parameters for posting a task.
type TaskCreateOptions struct {
	ID          string
	Title       string
	Description string
	Category    string
	Address     string
	ScheduledAt string
}

// CreateTask posts a new open task owned by the calling client.
func (e Engine) CreateTask(ctx context.Context, caller domain.Caller, opts TaskCreateOptions) (domain.Task, error) {
	if err := auth.Authorize(caller, domain.Task{}, auth.CreateTask); err != nil {
		return domain.Task{}, err
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Task{}, domain.Precondition("title is required")
	}
	if opts.Category != "" && !e.config().HasCategory(opts.Category) {
		return domain.Task{}, domain.Precondition("unknown category %q", opts.Category)
	}
	if opts.ScheduledAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.ScheduledAt); err != nil {
			return domain.Task{}, domain.Precondition("scheduled_at must be RFC3339: %v", err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	unlock := e.lockTask(id)
	defer unlock()
	u, err := e.begin(ctx, caller)
	if err != nil {
		return domain.Task{}, err
	}
	defer u.rollback()

	t := domain.Task{
		ID:          id,
		Title:       opts.Title,
		Description: strings.TrimSpace(opts.Description),
		Category:    opts.Category,
		Address:     strings.TrimSpace(opts.Address),
		Status:      domain.StatusOpen,
		ClientID:    caller.ActorID,
		CreatedAt:   u.now,
		UpdatedAt:   u.now,
	}
	if opts.ScheduledAt != "" {
		s := opts.ScheduledAt
		t.ScheduledAt = &s
	}
	if err := e.Repo.InsertTaskTx(ctx, u.tx, t); err != nil {
		return domain.Task{}, domain.Persistence(err)
	}
	if _, err := u.post(domain.ChatMessage{
		TaskID:   t.ID,
		SenderID: domain.SystemSenderID,
		Text:     "Serviço publicado. Aguardando propostas de profissionais.",
		ToStatus: domain.StatusOpen.Ptr(),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := u.event(events.TaskCreated, "task", t.ID, events.EventPayload{"status": t.Status, "category": t.Category}); err != nil {
		return domain.Task{}, err
	}
	if err := u.commit(); err != nil {
		return domain.Task{}, err
	}
	e.logger().Info("task created", "task_id", t.ID, "client_id", t.ClientID, "category", t.Category)
	return t, nil
}

// ProposalOptions are parameters for a professional's quote.
type ProposalOptions struct {
	PriceCents     int64
	MaterialsCents int64
	Message        string
}

// SubmitProposal quotes a price for a task still taking proposals. The
// first proposal moves the task to evaluating.
func (e Engine) SubmitProposal(ctx context.Context, caller domain.Caller, taskID string, opts ProposalOptions) (domain.Proposal, error) {
	if opts.PriceCents <= 0 {
		return domain.Proposal{}, domain.Precondition("price must be positive")
	}
	if opts.MaterialsCents < 0 {
		return domain.Proposal{}, domain.Precondition("materials cost must not be negative")
	}
	var p domain.Proposal
	_, err := e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.SubmitProposal); err != nil {
			return err
		}
		if t.Status != domain.StatusOpen && t.Status != domain.StatusEvaluating {
			return domain.Precondition("task %s is %s and no longer takes proposals", t.ID, t.Status)
		}
		pending, err := e.Repo.HasPendingProposalTx(ctx, u.tx, t.ID, caller.ActorID)
		if err != nil {
			return domain.Persistence(err)
		}
		if pending {
			return domain.Precondition("professional %s already has a pending proposal on task %s", caller.ActorID, t.ID)
		}
		if err := e.Repo.EnsureProfessionalTx(ctx, u.tx, caller.ActorID, "", u.now); err != nil {
			return domain.Persistence(err)
		}
		p = domain.Proposal{
			ID:             uuid.NewString(),
			TaskID:         t.ID,
			ProfessionalID: caller.ActorID,
			PriceCents:     opts.PriceCents,
			MaterialsCents: opts.MaterialsCents,
			Message:        strings.TrimSpace(opts.Message),
			Status:         domain.ProposalPending,
			CreatedAt:      u.now,
			UpdatedAt:      u.now,
		}
		if err := e.Repo.InsertProposalTx(ctx, u.tx, p); err != nil {
			return domain.Persistence(err)
		}
		if err := u.event(events.ProposalSubmitted, "proposal", p.ID, events.EventPayload{
			"task_id": t.ID, "price_cents": p.PriceCents, "materials_cents": p.MaterialsCents,
		}); err != nil {
			return err
		}
		u.alert(notify.Notification{
			Kind:      notify.KindStatusChanged,
			TaskID:    t.ID,
			Recipient: t.ClientID,
			Subject:   "Nova proposta para " + t.Title,
			Body:      "Valor: " + domain.FormatBRL(p.PriceCents+p.MaterialsCents),
		})
		if t.Status == domain.StatusOpen {
			return u.move(t, domain.StatusEvaluating, repo.TaskUpdate{}, "Primeira proposta recebida. O cliente está avaliando as propostas.")
		}
		return nil
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// AcceptProposal assigns the proposal's professional, rejects the other
// pending proposals and holds the agreed amount in escrow.
func (e Engine) AcceptProposal(ctx context.Context, caller domain.Caller, taskID, proposalID string) (domain.Task, error) {
	var entry domain.EscrowEntry
	t, err := e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.AcceptProposal); err != nil {
			return err
		}
		if err := ValidateTransition(t.Status, domain.StatusScheduled); err != nil {
			return err
		}
		p, err := e.Repo.GetProposalTx(ctx, u.tx, proposalID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && p.TaskID != t.ID) {
			return domain.Precondition("proposal %s does not belong to task %s", proposalID, t.ID)
		}
		if err != nil {
			return domain.Persistence(err)
		}
		if p.Status != domain.ProposalPending {
			return domain.Precondition("proposal %s is %s", p.ID, p.Status)
		}
		if err := e.Repo.SetProposalStatusTx(ctx, u.tx, p.ID, domain.ProposalPending, domain.ProposalAccepted, u.now); err != nil {
			if errors.Is(err, repo.ErrStale) {
				return domain.Precondition("proposal %s is no longer pending", p.ID)
			}
			return domain.Persistence(err)
		}
		if _, err := e.Repo.RejectPendingTx(ctx, u.tx, t.ID, p.ID, u.now); err != nil {
			return domain.Persistence(err)
		}
		pro := p.ProfessionalID
		price := p.PriceCents
		materials := p.MaterialsCents
		note := fmt.Sprintf("Proposta aceita. Serviço agendado e %s retido em garantia até a confirmação.", domain.FormatBRL(price+materials))
		if err := u.move(t, domain.StatusScheduled, repo.TaskUpdate{
			ProfessionalID: &pro,
			PriceCents:     &price,
			MaterialsCents: &materials,
		}, note); err != nil {
			return err
		}
		var created bool
		entry, created, err = e.Escrow.HoldTx(ctx, u.tx, t.ID, escrow.Amount{ServiceCents: price, MaterialsCents: materials}, payment.Metadata{
			TaskID:      t.ID,
			ClientID:    t.ClientID,
			Description: t.Title,
		})
		if err != nil {
			return err
		}
		if created {
			u.voids = append(u.voids, entry.HoldID)
		}
		return u.event(events.EscrowHeld, "escrow", t.ID, events.EventPayload{"held_cents": entry.HeldCents, "hold_id": entry.HoldID})
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.logger().Info("proposal accepted", "task_id", t.ID, "proposal_id", proposalID, "held_cents", entry.HeldCents)
	return t, nil
}

// StartService marks the scheduled work as started.
func (e Engine) StartService(ctx context.Context, caller domain.Caller, taskID string) (domain.Task, error) {
	return e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.StartService); err != nil {
			return err
		}
		return u.move(t, domain.StatusInProgress, repo.TaskUpdate{}, "O profissional iniciou o serviço.")
	})
}

// FinishService marks the work as done; funds wait for the client.
func (e Engine) FinishService(ctx context.Context, caller domain.Caller, taskID string) (domain.Task, error) {
	return e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.FinishService); err != nil {
			return err
		}
		return u.move(t, domain.StatusCompleted, repo.TaskUpdate{}, "O profissional concluiu o serviço. Aguardando a confirmação do cliente.")
	})
}

// ConfirmCompletion is the client's acceptance of finished work. It
// releases escrow, or schedules the release when a payout delay is set.
func (e Engine) ConfirmCompletion(ctx context.Context, caller domain.Caller, taskID string) (domain.Task, error) {
	return e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.ConfirmCompletion); err != nil {
			return err
		}
		if err := requireStatus(t.Status, domain.StatusCompleted, domain.StatusClientConfirmed); err != nil {
			return err
		}
		if t.ProfessionalID == nil {
			return domain.Precondition("task %s has no assigned professional", t.ID)
		}
		if err := e.Reputation.RecordCompletionTx(ctx, u.tx, *t.ProfessionalID); err != nil {
			return err
		}
		delay := e.config().Escrow.PayoutDelay
		if delay <= 0 {
			if err := u.move(t, domain.StatusClientConfirmed, repo.TaskUpdate{}, "O cliente confirmou a conclusão. Pagamento liberado ao profissional."); err != nil {
				return err
			}
			return u.release(t)
		}
		due := e.now().Add(delay)
		if err := e.Escrow.ScheduleReleaseTx(ctx, u.tx, t.ID, due); err != nil {
			return err
		}
		note := fmt.Sprintf("O cliente confirmou a conclusão. O pagamento será liberado ao profissional em %s.", due.Format("02/01/2006 15:04"))
		return u.move(t, domain.StatusClientConfirmed, repo.TaskUpdate{}, note)
	})
}

// release pays out the task's escrow inside the unit. The gateway
// capture runs at commit, after every other write.
func (u *unit) release(t *domain.Task) error {
	settle, err := u.e.Escrow.ReleaseTx(u.ctx, u.tx, t.ID)
	if err != nil {
		return err
	}
	u.settles = append(u.settles, settle)
	entry := settle.Entry
	if err := u.event(events.EscrowReleased, "escrow", t.ID, events.EventPayload{
		"released_cents": entry.ReleasedCents, "fee_cents": entry.FeeCents, "payout_cents": entry.PayoutCents(),
	}); err != nil {
		return err
	}
	if t.ProfessionalID != nil {
		u.alert(notify.Notification{
			Kind:      notify.KindPayoutReleased,
			TaskID:    t.ID,
			Recipient: *t.ProfessionalID,
			Subject:   "Pagamento liberado",
			Body:      "Valor líquido: " + domain.FormatBRL(entry.PayoutCents()),
		})
	}
	return nil
}

func (u *unit) refund(t *domain.Task) error {
	settle, err := u.e.Escrow.RefundTx(u.ctx, u.tx, t.ID)
	if err != nil {
		return err
	}
	u.settles = append(u.settles, settle)
	return u.event(events.EscrowRefunded, "escrow", t.ID, events.EventPayload{"refunded_cents": settle.Entry.RefundedCents})
}

// OpenDispute freezes escrow and brings support into the chat. Either
// party may dispute scheduled or running work; finished work only the
// client may dispute.
func (e Engine) OpenDispute(ctx context.Context, caller domain.Caller, taskID, reason string) (domain.Task, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Task{}, domain.Precondition("a dispute reason is required")
	}
	return e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.OpenDispute); err != nil {
			return err
		}
		if err := requirePrecursor(t.Status, domain.StatusDisputed); err != nil {
			return err
		}
		if t.Status == domain.StatusCompleted && !auth.IsOwner(caller, *t) {
			return caller.Deny(string(auth.OpenDispute))
		}
		who := "cliente"
		if caller.Role == domain.RoleProfessional {
			who = "profissional"
		}
		note := fmt.Sprintf("Disputa aberta pelo %s. O pagamento permanece retido até a análise do suporte.", who)
		if err := u.move(t, domain.StatusDisputed, repo.TaskUpdate{DisputeReason: &reason}, note); err != nil {
			return err
		}
		if _, err := u.post(domain.ChatMessage{TaskID: t.ID, SenderID: caller.ActorID, Text: "Motivo da disputa: " + reason}); err != nil {
			return err
		}
		if _, err := u.post(domain.ChatMessage{TaskID: t.ID, SenderID: domain.SupportSenderID, Text: "Olá! Recebemos a disputa e vamos analisar o caso. Em breve entraremos em contato."}); err != nil {
			return err
		}
		u.alert(notify.Notification{
			Kind:    notify.KindDisputeOpened,
			TaskID:  t.ID,
			Subject: "Disputa aberta: " + t.Title,
			Body:    reason,
		})
		return nil
	})
}

// RatingResult is the outcome of a client rating.
type RatingResult struct {
	Task          domain.Task               `json:"task"`
	Review        domain.Review             `json:"review"`
	Reputation    domain.Reputation         `json:"reputation"`
	Notifications []reputation.Notification `json:"notifications"`
}

// SubmitRating records the client's stars, updates the professional's
// reputation, and closes the task as rated.
func (e Engine) SubmitRating(ctx context.Context, caller domain.Caller, taskID string, rating int, comment string) (RatingResult, error) {
	if err := reputation.ValidateRating(rating); err != nil {
		return RatingResult{}, err
	}
	var res RatingResult
	t, err := e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.SubmitRating); err != nil {
			return err
		}
		if err := requireStatus(t.Status, domain.StatusClientConfirmed, domain.StatusRated); err != nil {
			return err
		}
		if t.ProfessionalID == nil {
			return domain.Precondition("task %s has no assigned professional", t.ID)
		}
		proID := *t.ProfessionalID
		u.holdUntilDone(e.Reputation.LockProfessional(proID))

		res.Review = domain.Review{
			ID:             uuid.NewString(),
			TaskID:         t.ID,
			ProfessionalID: proID,
			ClientID:       t.ClientID,
			Rating:         rating,
			Comment:        strings.TrimSpace(comment),
			CreatedAt:      u.now,
		}
		if err := e.Repo.InsertReviewTx(ctx, u.tx, res.Review); err != nil {
			return domain.Persistence(err)
		}
		out, err := e.Reputation.ApplyRatingTx(ctx, u.tx, proID, rating)
		if err != nil {
			return err
		}
		res.Reputation = out.Reputation
		res.Notifications = out.Notifications
		note := fmt.Sprintf("O cliente avaliou o serviço com %d estrela(s).", rating)
		if err := u.move(t, domain.StatusRated, repo.TaskUpdate{}, note); err != nil {
			return err
		}
		if err := u.event(events.ReviewSubmitted, "review", res.Review.ID, events.EventPayload{
			"task_id": t.ID, "professional_id": proID, "rating": rating, "average": out.Reputation.Rating,
		}); err != nil {
			return err
		}
		for _, b := range out.Earned {
			if err := u.event(events.BadgeEarned, "professional", proID, events.EventPayload{"badge": b.ID}); err != nil {
				return err
			}
		}
		for _, n := range out.Notifications {
			u.alert(notify.Notification{
				Kind:      notify.KindBadgeEarned,
				TaskID:    t.ID,
				Recipient: proID,
				Subject:   n.Badge.Name,
				Body:      n.Message,
			})
		}
		return nil
	})
	if err != nil {
		return RatingResult{}, err
	}
	res.Task = t
	return res, nil
}

// CancelTask withdraws a task before work starts. Pending proposals are
// rejected and any held escrow is refunded to the client.
func (e Engine) CancelTask(ctx context.Context, caller domain.Caller, taskID, reason string) (domain.Task, error) {
	reason = strings.TrimSpace(reason)
	return e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.CancelTask); err != nil {
			return err
		}
		if auth.IsAssigned(caller, *t) && t.Status != domain.StatusScheduled {
			return caller.Deny(string(auth.CancelTask))
		}
		if !cancelable[t.Status] {
			return &domain.TransitionError{From: t.Status, To: domain.StatusCanceled}
		}
		held := t.Status == domain.StatusScheduled
		if _, err := e.Repo.RejectPendingTx(ctx, u.tx, t.ID, "", u.now); err != nil {
			return domain.Persistence(err)
		}
		note := "Serviço cancelado."
		if reason != "" {
			note += " Motivo: " + reason + "."
		}
		if held {
			note += " O valor retido foi devolvido ao cliente."
		}
		if err := u.move(t, domain.StatusCanceled, repo.TaskUpdate{}, note); err != nil {
			return err
		}
		if held {
			return u.refund(t)
		}
		return nil
	})
}

// Resolution is the support team's verdict on a dispute.
type Resolution string

const (
	ResolveRelease Resolution = "release"
	ResolveRefund  Resolution = "refund"
)

func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case ResolveRelease, ResolveRefund:
		return r, nil
	default:
		return "", domain.Precondition("resolution must be release or refund, got %q", s)
	}
}

// ResolveDispute settles a disputed task. Release pays the professional,
// counts the service as completed and leaves the task awaiting the
// client's rating; refund cancels it.
func (e Engine) ResolveDispute(ctx context.Context, caller domain.Caller, taskID string, outcome Resolution, note string) (domain.Task, error) {
	if _, err := ParseResolution(string(outcome)); err != nil {
		return domain.Task{}, err
	}
	note = strings.TrimSpace(note)
	return e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.ResolveDispute); err != nil {
			return err
		}
		if t.Status != domain.StatusDisputed {
			return domain.Precondition("task %s is %s, not disputed", t.ID, t.Status)
		}
		text := "Disputa resolvida pelo suporte: pagamento liberado ao profissional."
		to := domain.StatusClientConfirmed
		if outcome == ResolveRefund {
			text = "Disputa resolvida pelo suporte: valor devolvido ao cliente."
			to = domain.StatusCanceled
		}
		if note != "" {
			text += " " + note
		}
		if err := u.move(t, to, repo.TaskUpdate{}, text); err != nil {
			return err
		}
		if outcome == ResolveRefund {
			return u.refund(t)
		}
		if t.ProfessionalID != nil {
			if err := e.Reputation.RecordCompletionTx(ctx, u.tx, *t.ProfessionalID); err != nil {
				return err
			}
		}
		return u.release(t)
	})
}

// ReleaseDuePayouts releases every scheduled payout whose time has come.
// It returns how many were released; failures are logged and retried on
// the next sweep.
func (e Engine) ReleaseDuePayouts(ctx context.Context, limit int) (int, error) {
	due, err := e.Escrow.DueForRelease(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	system := domain.Caller{ActorID: domain.SystemSenderID, Role: domain.RoleAdmin}
	released := 0
	for _, entry := range due {
		_, err := e.withTask(ctx, system, entry.TaskID, func(u *unit, t *domain.Task) error {
			if err := u.release(t); err != nil {
				return err
			}
			return u.system(t.ID, fmt.Sprintf("Pagamento de %s liberado ao profissional.", domain.FormatBRL(entry.HeldCents)))
		})
		if err != nil {
			e.logger().Error("scheduled payout failed", "task_id", entry.TaskID, "err", err)
			continue
		}
		released++
	}
	return released, nil
}

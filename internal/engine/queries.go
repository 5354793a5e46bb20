package engine

import (
	"context"
	"errors"

	"valeconecta/internal/classify"
	"valeconecta/internal/domain"
	"valeconecta/internal/engine/auth"
	"valeconecta/internal/events"
	"valeconecta/internal/notify"
	"valeconecta/internal/repo"
	"valeconecta/internal/reputation"
)

// Task returns a task the caller may see.
func (e Engine) Task(ctx context.Context, caller domain.Caller, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, lookupErr(err)
	}
	if err := auth.Authorize(caller, t, auth.ViewTask); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListTasks scopes f to what the caller may see. Clients see their own
// tasks; professionals browse tasks taking proposals, otherwise only
// tasks assigned to them.
func (e Engine) ListTasks(ctx context.Context, caller domain.Caller, f repo.TaskFilters) ([]domain.Task, error) {
	switch caller.Role {
	case domain.RoleAdmin:
	case domain.RoleClient:
		if f.ClientID != "" && f.ClientID != caller.ActorID {
			return nil, caller.Deny("list other clients' tasks")
		}
		f.ClientID = caller.ActorID
	case domain.RoleProfessional:
		browsing := f.Status == domain.StatusOpen || f.Status == domain.StatusEvaluating
		if f.ProfessionalID != "" && f.ProfessionalID != caller.ActorID {
			return nil, caller.Deny("list other professionals' tasks")
		}
		if !browsing {
			f.ProfessionalID = caller.ActorID
		}
	default:
		return nil, caller.Deny("list tasks")
	}
	tasks, err := e.Repo.ListTasks(ctx, f)
	return tasks, domain.Persistence(err)
}

// Proposals lists a task's proposals. Professionals only see their own.
func (e Engine) Proposals(ctx context.Context, caller domain.Caller, taskID string) ([]domain.Proposal, error) {
	t, err := e.Task(ctx, caller, taskID)
	if err != nil {
		return nil, err
	}
	all, err := e.Repo.ListProposals(ctx, t.ID)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	if caller.Role != domain.RoleProfessional {
		return all, nil
	}
	own := make([]domain.Proposal, 0, len(all))
	for _, p := range all {
		if p.ProfessionalID == caller.ActorID {
			own = append(own, p)
		}
	}
	return own, nil
}

// Ledger returns the escrow entry for a task.
func (e Engine) Ledger(ctx context.Context, caller domain.Caller, taskID string) (domain.EscrowEntry, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.EscrowEntry{}, lookupErr(err)
	}
	if err := auth.Authorize(caller, t, auth.ViewLedger); err != nil {
		return domain.EscrowEntry{}, err
	}
	entry, err := e.Escrow.Entry(ctx, taskID)
	if err != nil {
		return domain.EscrowEntry{}, lookupErr(err)
	}
	return entry, nil
}

// ProfessionalReputation is public.
func (e Engine) ProfessionalReputation(ctx context.Context, professionalID string) (domain.Reputation, error) {
	rep, err := e.Reputation.Reputation(ctx, professionalID)
	return rep, domain.Persistence(err)
}

func (e Engine) Reviews(ctx context.Context, professionalID string, limit int) ([]domain.Review, error) {
	rv, err := e.Repo.ListReviews(ctx, professionalID, limit)
	return rv, domain.Persistence(err)
}

// GrantBadge awards a manual badge. Granting a held badge succeeds
// without a second notification.
func (e Engine) GrantBadge(ctx context.Context, caller domain.Caller, professionalID, badgeID string) (domain.Reputation, error) {
	if err := auth.Authorize(caller, domain.Task{}, auth.GrantBadge); err != nil {
		return domain.Reputation{}, err
	}
	unlock := e.Reputation.LockProfessional(professionalID)
	defer unlock()
	u, err := e.begin(ctx, caller)
	if err != nil {
		return domain.Reputation{}, err
	}
	defer u.rollback()
	b, granted, err := e.Reputation.GrantTx(ctx, u.tx, professionalID, badgeID)
	if err != nil {
		if errors.Is(err, reputation.ErrUnknownBadge) {
			return domain.Reputation{}, domain.Precondition("%v", err)
		}
		return domain.Reputation{}, err
	}
	if granted {
		if err := u.event(events.BadgeEarned, "professional", professionalID, events.EventPayload{"badge": b.ID, "granted_by": caller.ActorID}); err != nil {
			return domain.Reputation{}, err
		}
		u.alert(notify.Notification{
			Kind:      notify.KindBadgeEarned,
			Recipient: professionalID,
			Subject:   b.Name,
			Body:      "Nova conquista desbloqueada: " + b.Name + "! " + b.Description,
		})
	}
	rep, err := e.Repo.GetReputationTx(ctx, u.tx, professionalID)
	if err != nil {
		return domain.Reputation{}, domain.Persistence(err)
	}
	if err := u.commit(); err != nil {
		return domain.Reputation{}, err
	}
	return rep, nil
}

// AuditLog lists recorded events newest first. Staff only.
func (e Engine) AuditLog(ctx context.Context, caller domain.Caller, f repo.EventFilters) ([]domain.Event, error) {
	if !caller.IsAdmin() {
		return nil, caller.Deny("read audit log")
	}
	evts, err := e.Repo.LatestEvents(ctx, f)
	return evts, domain.Persistence(err)
}

// StatusCounts counts tasks per lifecycle status.
func (e Engine) StatusCounts(ctx context.Context) (map[domain.Status]int, error) {
	counts, err := e.Repo.CountTasksByStatus(ctx)
	return counts, domain.Persistence(err)
}

// SuggestCategory proposes one of the configured categories for a task
// description. It never fails; without a model it falls back to keywords.
func (e Engine) SuggestCategory(ctx context.Context, text string) classify.Suggestion {
	cats := e.config().Categories
	if e.Classifier != nil {
		s, err := e.Classifier.Classify(ctx, text, cats)
		if err == nil {
			return s
		}
		e.logger().Warn("category model failed, using keywords", "err", err)
	}
	return classify.Suggest(text, cats)
}

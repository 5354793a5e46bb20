// Package auth decides which caller may act on which task.
package auth

import "valeconecta/internal/domain"

// Action names an operation subject to a role gate.
type Action string

const (
	CreateTask        Action = "create task"
	SubmitProposal    Action = "submit proposal"
	AcceptProposal    Action = "accept proposal"
	StartService      Action = "start service"
	FinishService     Action = "finish service"
	ConfirmCompletion Action = "confirm completion"
	OpenDispute       Action = "open dispute"
	SubmitRating      Action = "submit rating"
	CancelTask        Action = "cancel task"
	ResolveDispute    Action = "resolve dispute"
	PostMessage       Action = "post message"
	ContactSupport    Action = "contact support"
	ViewTask          Action = "view task"
	ViewChat          Action = "view chat"
	ViewLedger        Action = "view ledger"
	GrantBadge        Action = "grant badge"
)

type rule func(c domain.Caller, t domain.Task) bool

func anyClient(c domain.Caller, _ domain.Task) bool { return c.Role == domain.RoleClient }

func anyProfessional(c domain.Caller, _ domain.Task) bool {
	return c.Role == domain.RoleProfessional
}

func admin(c domain.Caller, _ domain.Task) bool { return c.IsAdmin() }

func owner(c domain.Caller, t domain.Task) bool {
	return c.Role == domain.RoleClient && c.ActorID == t.ClientID
}

func assigned(c domain.Caller, t domain.Task) bool {
	return c.Role == domain.RoleProfessional && t.AssignedTo(c.ActorID)
}

// browsing lets any professional look at a task still taking proposals.
func browsing(c domain.Caller, t domain.Task) bool {
	return c.Role == domain.RoleProfessional &&
		(t.Status == domain.StatusOpen || t.Status == domain.StatusEvaluating)
}

func anyOf(rules ...rule) rule {
	return func(c domain.Caller, t domain.Task) bool {
		for _, r := range rules {
			if r(c, t) {
				return true
			}
		}
		return false
	}
}

var party = anyOf(owner, assigned)

var rules = map[Action]rule{
	CreateTask:        anyClient,
	SubmitProposal:    anyProfessional,
	AcceptProposal:    owner,
	StartService:      assigned,
	FinishService:     assigned,
	ConfirmCompletion: owner,
	OpenDispute:       party,
	SubmitRating:      owner,
	CancelTask:        anyOf(owner, assigned, admin),
	ResolveDispute:    admin,
	PostMessage:       anyOf(party, admin),
	ContactSupport:    party,
	ViewTask:          anyOf(party, admin, browsing),
	ViewChat:          anyOf(party, admin),
	ViewLedger:        anyOf(party, admin),
	GrantBadge:        admin,
}

// Authorize returns an *domain.AuthError unless c may perform a on t.
// Callers without an actor id are always denied.
func Authorize(c domain.Caller, t domain.Task, a Action) error {
	if c.ActorID == "" {
		return c.Deny(string(a))
	}
	r, ok := rules[a]
	if !ok || !r(c, t) {
		return c.Deny(string(a))
	}
	return nil
}

// IsOwner reports whether c is the client who created t.
func IsOwner(c domain.Caller, t domain.Task) bool { return owner(c, t) }

// IsAssigned reports whether c is the professional assigned to t.
func IsAssigned(c domain.Caller, t domain.Task) bool { return assigned(c, t) }

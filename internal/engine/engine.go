// Package engine runs the task lifecycle. Every operation checks the
// caller, moves the task along the transition table, and records the
// system chat message and audit event in the same transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"valeconecta/internal/classify"
	"valeconecta/internal/config"
	"valeconecta/internal/db"
	"valeconecta/internal/domain"
	"valeconecta/internal/escrow"
	"valeconecta/internal/events"
	"valeconecta/internal/locks"
	"valeconecta/internal/metrics"
	"valeconecta/internal/notify"
	"valeconecta/internal/payment"
	"valeconecta/internal/repo"
	"valeconecta/internal/reputation"
)

// Broadcaster pushes committed chat messages to live subscribers.
type Broadcaster interface {
	Broadcast(msg domain.ChatMessage)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Escrow     *escrow.Coordinator
	Reputation *reputation.Engine
	Locks      *locks.Keyed
	Publisher  events.Publisher
	Notifier   notify.Notifier
	Chat       Broadcaster
	Classifier classify.Classifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, gw payment.Gateway) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	mode, err := reputation.ParseMode(cfg.Reputation.Notify)
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	lk := locks.New()

	esc := escrow.New(conn, r, gw)
	esc.FeeBasisPoints = cfg.FeeBasisPoints()
	esc.Locks = lk

	rep := reputation.New(conn, r)
	rep.Mode = mode
	rep.Locks = lk

	return Engine{
		DB:         conn,
		Repo:       r,
		Events:     events.Writer{Dialect: dialect, Now: time.Now},
		Config:     cfg,
		Escrow:     esc,
		Reputation: rep,
		Locks:      lk,
		Now:        time.Now,
	}, nil
}

// WithClock points every component at the same clock.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	if e.Escrow != nil {
		e.Escrow.Now = now
	}
	if e.Reputation != nil {
		e.Reputation.Now = now
	}
	return e
}

// WithObservers wires metrics and logging into the engine and its coordinators.
func (e Engine) WithObservers(m *metrics.Metrics, logger *slog.Logger) Engine {
	e.Metrics = m
	e.Logger = logger
	if e.Escrow != nil {
		e.Escrow.Metrics = m
		e.Escrow.Logger = logger
	}
	if e.Reputation != nil {
		e.Reputation.Metrics = m
		e.Reputation.Logger = logger
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string { return e.now().UTC().Format(time.RFC3339) }

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) lockTask(id string) func() {
	if e.Locks == nil {
		return func() {}
	}
	return e.Locks.Lock("task:" + id)
}

// unit is one engine transaction plus the side effects that run only
// once it commits.
type unit struct {
	e        Engine
	ctx      context.Context
	tx       *sql.Tx
	caller   domain.Caller
	now      string
	done     bool
	events   []domain.Event
	messages []domain.ChatMessage
	moves    [][2]domain.Status
	alerts   []notify.Notification
	voids    []string
	settles  []escrow.Settlement
	unlocks  []func()
}

func (e Engine) begin(ctx context.Context, caller domain.Caller) (*unit, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	return &unit{e: e, ctx: ctx, tx: tx, caller: caller, now: e.stamp()}, nil
}

// rollback is a no-op after commit. Gateway holds made inside the unit
// are voided.
func (u *unit) rollback() {
	if u.done {
		return
	}
	u.done = true
	_ = u.tx.Rollback()
	for _, id := range u.voids {
		u.e.Escrow.Void(u.ctx, id)
	}
	u.unlockAll()
}

// commit settles pending escrow at the gateway as the last step before
// the transaction commits. A failed settlement rolls the unit back with
// the funds still held.
func (u *unit) commit() error {
	for i, s := range u.settles {
		if err := s.Apply(u.ctx); err != nil {
			for _, applied := range u.settles[:i] {
				applied.CommitFailed(err)
			}
			u.rollback()
			return err
		}
	}
	if err := u.tx.Commit(); err != nil {
		for _, s := range u.settles {
			s.CommitFailed(err)
		}
		u.rollback()
		return domain.Persistence(err)
	}
	u.done = true
	u.unlockAll()
	u.fanOut()
	return nil
}

// holdUntilDone keeps a lock until the unit commits or rolls back.
func (u *unit) holdUntilDone(unlock func()) { u.unlocks = append(u.unlocks, unlock) }

func (u *unit) unlockAll() {
	for i := len(u.unlocks) - 1; i >= 0; i-- {
		u.unlocks[i]()
	}
	u.unlocks = nil
}

func (u *unit) fanOut() {
	e := u.e
	for _, mv := range u.moves {
		e.Metrics.Transition(string(mv[0]), string(mv[1]))
	}
	if e.Chat != nil {
		for _, m := range u.messages {
			e.Chat.Broadcast(m)
		}
	}
	// Sinks must not outlive or fail the caller's request.
	ctx := context.WithoutCancel(u.ctx)
	if e.Publisher != nil {
		for _, evt := range u.events {
			if err := e.Publisher.Publish(ctx, evt); err != nil {
				e.Metrics.PublishError("events")
				e.logger().Warn("publish event failed", "event_id", evt.ID, "type", evt.Type, "err", err)
			}
		}
	}
	if e.Notifier != nil {
		for _, n := range u.alerts {
			if err := e.Notifier.Notify(ctx, n); err != nil {
				e.Metrics.PublishError("notify")
				e.logger().Warn("notify failed", "kind", n.Kind, "task_id", n.TaskID, "err", err)
			}
		}
	}
}

func (u *unit) event(evtType, kind, id string, payload events.EventPayload) error {
	evt, err := u.e.Events.Append(u.ctx, u.tx, evtType, kind, id, u.caller.ActorID, payload)
	if err != nil {
		return domain.Persistence(err)
	}
	u.events = append(u.events, evt)
	return nil
}

func (u *unit) post(m domain.ChatMessage) (domain.ChatMessage, error) {
	m.CreatedAt = u.now
	saved, err := u.e.Repo.InsertMessageTx(u.ctx, u.tx, m)
	if err != nil {
		return domain.ChatMessage{}, domain.Persistence(err)
	}
	u.messages = append(u.messages, saved)
	return saved, nil
}

func (u *unit) system(taskID, text string) error {
	_, err := u.post(domain.ChatMessage{TaskID: taskID, SenderID: domain.SystemSenderID, Text: text})
	return err
}

func (u *unit) alert(n notify.Notification) { u.alerts = append(u.alerts, n) }

// move applies one lifecycle transition to t, guarded on its current
// status, and records the system message and audit event for it.
func (u *unit) move(t *domain.Task, to domain.Status, upd repo.TaskUpdate, note string) error {
	from := t.Status
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	upd.Status = to
	upd.UpdatedAt = u.now
	if err := u.e.Repo.UpdateTaskTx(u.ctx, u.tx, t.ID, from, upd); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return &domain.TransitionError{From: from, To: to}
		}
		return domain.Persistence(err)
	}
	t.Status = to
	t.UpdatedAt = u.now
	if upd.ProfessionalID != nil {
		t.ProfessionalID = upd.ProfessionalID
	}
	if upd.PriceCents != nil {
		t.PriceCents = upd.PriceCents
	}
	if upd.MaterialsCents != nil {
		t.MaterialsCents = *upd.MaterialsCents
	}
	if upd.DisputeReason != nil {
		t.DisputeReason = *upd.DisputeReason
	}
	if _, err := u.post(domain.ChatMessage{
		TaskID:     t.ID,
		SenderID:   domain.SystemSenderID,
		Text:       note,
		FromStatus: from.Ptr(),
		ToStatus:   to.Ptr(),
	}); err != nil {
		return err
	}
	if err := u.event(events.TaskTransitioned, "task", t.ID, events.EventPayload{"from": from, "to": to}); err != nil {
		return err
	}
	u.moves = append(u.moves, [2]domain.Status{from, to})
	if t.ClientID != "" && t.ClientID != u.caller.ActorID {
		u.alert(statusAlert(*t, t.ClientID))
	}
	if pro := t.ProfessionalID; pro != nil && *pro != u.caller.ActorID {
		u.alert(statusAlert(*t, *pro))
	}
	return nil
}

func statusAlert(t domain.Task, recipient string) notify.Notification {
	return notify.Notification{
		Kind:      notify.KindStatusChanged,
		TaskID:    t.ID,
		Recipient: recipient,
		Subject:   t.Title + ": " + domain.StatusLabel(t.Status),
	}
}

// withTask loads the task under its lock and runs fn in one unit.
func (e Engine) withTask(ctx context.Context, caller domain.Caller, taskID string, fn func(u *unit, t *domain.Task) error) (domain.Task, error) {
	unlock := e.lockTask(taskID)
	defer unlock()
	u, err := e.begin(ctx, caller)
	if err != nil {
		return domain.Task{}, err
	}
	defer u.rollback()
	t, err := e.Repo.GetTaskTx(ctx, u.tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
		return domain.Task{}, domain.Persistence(err)
	}
	if err := fn(u, &t); err != nil {
		return domain.Task{}, err
	}
	if err := u.commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

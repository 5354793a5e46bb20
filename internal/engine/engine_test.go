package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"valeconecta/internal/config"
	"valeconecta/internal/db"
	"valeconecta/internal/domain"
	"valeconecta/internal/engine"
	"valeconecta/internal/migrate"
	"valeconecta/internal/notify"
	"valeconecta/internal/payment"
	"valeconecta/internal/repo"
)

var (
	client   = domain.Caller{ActorID: "cli-1", Role: domain.RoleClient}
	intruder = domain.Caller{ActorID: "cli-2", Role: domain.RoleClient}
	pro      = domain.Caller{ActorID: "pro-1", Role: domain.RoleProfessional}
	rival    = domain.Caller{ActorID: "pro-2", Role: domain.RoleProfessional}
	staff    = domain.Caller{ActorID: "adm-1", Role: domain.RoleAdmin}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	notes []notify.Notification
	chat  []domain.ChatMessage
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) Broadcast(m domain.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat = append(r.chat, m)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

type testEnv struct {
	Engine  engine.Engine
	Gateway *payment.Sandbox
	Clock   *clock
	Sink    *recorder
	Ctx     context.Context
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, fn := range tweak {
		fn(cfg)
	}
	gw := payment.NewSandbox()
	eng, err := engine.New(conn, db.SQLite, cfg, gw)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := &recorder{}
	eng = eng.WithClock(clk.Now)
	eng.Notifier = sink
	eng.Chat = sink
	return testEnv{Engine: eng, Gateway: gw, Clock: clk, Sink: sink, Ctx: context.Background()}
}

func (env testEnv) open(t *testing.T) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, client, engine.TaskCreateOptions{
		Title:    "Pintar parede da sala",
		Category: "Pintura",
		Address:  "Rua das Flores, 10 - São José dos Campos",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) scheduled(t *testing.T) domain.Task {
	t.Helper()
	task := env.open(t)
	p, err := env.Engine.SubmitProposal(env.Ctx, pro, task.ID, engine.ProposalOptions{PriceCents: 10000, Message: "Posso amanhã"})
	if err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	task, err = env.Engine.AcceptProposal(env.Ctx, client, task.ID, p.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return task
}

func (env testEnv) completed(t *testing.T) domain.Task {
	t.Helper()
	task := env.scheduled(t)
	if _, err := env.Engine.StartService(env.Ctx, pro, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	task, err := env.Engine.FinishService(env.Ctx, pro, task.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return task
}

func (env testEnv) status(t *testing.T, id string) domain.Status {
	t.Helper()
	task, err := env.Engine.Task(env.Ctx, staff, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task.Status
}

func (env testEnv) ledger(t *testing.T, id string) domain.EscrowEntry {
	t.Helper()
	entry, err := env.Engine.Ledger(env.Ctx, staff, id)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	return entry
}

func (env testEnv) messages(t *testing.T, id string) []domain.ChatMessage {
	t.Helper()
	msgs, err := env.Engine.Messages(env.Ctx, staff, id)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	return msgs
}

func TestAcceptProposalSchedulesAndHolds(t *testing.T) {
	env := newTestEnv(t)
	task := env.open(t)
	if task.Status != domain.StatusOpen {
		t.Fatalf("expected open, got %s", task.Status)
	}
	chosen, err := env.Engine.SubmitProposal(env.Ctx, pro, task.ID, engine.ProposalOptions{PriceCents: 10000})
	if err != nil {
		t.Fatal(err)
	}
	if got := env.status(t, task.ID); got != domain.StatusEvaluating {
		t.Fatalf("first proposal should move to evaluating, got %s", got)
	}
	other, err := env.Engine.SubmitProposal(env.Ctx, rival, task.ID, engine.ProposalOptions{PriceCents: 9000})
	if err != nil {
		t.Fatal(err)
	}

	task, err = env.Engine.AcceptProposal(env.Ctx, client, task.ID, chosen.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if task.Status != domain.StatusScheduled || !task.AssignedTo("pro-1") || task.PriceCents == nil || *task.PriceCents != 10000 {
		t.Fatalf("unexpected task after accept: %+v", task)
	}
	entry := env.ledger(t, task.ID)
	if entry.State != domain.EscrowHeld || entry.HeldCents != 10000 {
		t.Fatalf("expected 10000 held, got %+v", entry)
	}
	props, err := env.Engine.Proposals(env.Ctx, client, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range props {
		want := domain.ProposalRejected
		if p.ID == chosen.ID {
			want = domain.ProposalAccepted
		}
		if p.Status != want {
			t.Fatalf("proposal %s: expected %s, got %s", p.ID, want, p.Status)
		}
	}
	if _, err := env.Engine.AcceptProposal(env.Ctx, client, task.ID, other.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second accept should be an invalid transition, got %v", err)
	}
	if st := env.Gateway.Stats(); st.Holds != 1 {
		t.Fatalf("expected one gateway hold, got %d", st.Holds)
	}
}

func TestConfirmReleasesEscrow(t *testing.T) {
	env := newTestEnv(t)
	task := env.scheduled(t)
	task, err := env.Engine.StartService(env.Ctx, pro, task.ID)
	if err != nil || task.Status != domain.StatusInProgress {
		t.Fatalf("start: %v %s", err, task.Status)
	}
	task, err = env.Engine.FinishService(env.Ctx, pro, task.ID)
	if err != nil || task.Status != domain.StatusCompleted {
		t.Fatalf("finish: %v %s", err, task.Status)
	}
	task, err = env.Engine.ConfirmCompletion(env.Ctx, client, task.ID)
	if err != nil || task.Status != domain.StatusClientConfirmed {
		t.Fatalf("confirm: %v %s", err, task.Status)
	}
	entry := env.ledger(t, task.ID)
	if entry.State != domain.EscrowReleased || entry.ReleasedCents != 10000 || entry.RefundedCents != 0 {
		t.Fatalf("unexpected ledger %+v", entry)
	}
	if entry.FeeCents != 1000 || entry.PayoutCents() != 9000 {
		t.Fatalf("expected 10%% fee, got fee=%d payout=%d", entry.FeeCents, entry.PayoutCents())
	}
	if st := env.Gateway.Stats(); st.CapturedCents != 10000 {
		t.Fatalf("gateway captured %d", st.CapturedCents)
	}
	rep, err := env.Engine.ProfessionalReputation(env.Ctx, "pro-1")
	if err != nil || rep.ServicesCompleted != 1 {
		t.Fatalf("services completed: %v %+v", err, rep)
	}
}

func TestDisputeFreezesEscrowAndRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t)
	task, err := env.Engine.OpenDispute(env.Ctx, client, task.ID, "wall not painted")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if task.Status != domain.StatusDisputed || task.DisputeReason != "wall not painted" {
		t.Fatalf("unexpected task %+v", task)
	}
	entry := env.ledger(t, task.ID)
	if entry.State != domain.EscrowHeld || entry.ReleasedCents != 0 || entry.RefundedCents != 0 {
		t.Fatalf("escrow should stay held, got %+v", entry)
	}
	var reason, support bool
	for _, m := range env.messages(t, task.ID) {
		if m.SenderID == "cli-1" && strings.Contains(m.Text, "wall not painted") {
			reason = true
		}
		if m.SenderID == domain.SupportSenderID {
			support = true
		}
	}
	if !reason || !support {
		t.Fatalf("expected reason and support messages (reason=%v support=%v)", reason, support)
	}
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("confirm while disputed should fail, got %v", err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, client, task.ID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("cancel while disputed should fail, got %v", err)
	}
	found := false
	for _, k := range env.Sink.kinds() {
		if k == notify.KindDisputeOpened {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dispute alert, got %v", env.Sink.kinds())
	}
}

func TestDisputeRouting(t *testing.T) {
	env := newTestEnv(t)
	done := env.completed(t)
	if _, err := env.Engine.OpenDispute(env.Ctx, pro, done.ID, "cliente sumiu"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("professional may not dispute finished work, got %v", err)
	}
	if _, err := env.Engine.OpenDispute(env.Ctx, client, done.ID, "   "); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("blank reason should fail, got %v", err)
	}
	sched := env.scheduled(t)
	if _, err := env.Engine.OpenDispute(env.Ctx, pro, sched.ID, "endereço não existe"); err != nil {
		t.Fatalf("assigned professional may dispute scheduled work: %v", err)
	}
	open := env.open(t)
	if _, err := env.Engine.OpenDispute(env.Ctx, client, open.ID, "x"); !errors.Is(err, domain.ErrPreconditionFailed) || !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("dispute on open task should be a failed precondition, got %v", err)
	}
}

func TestRatingUpdatesReputationAndNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t)
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE professionals SET rating=4.8, review_count=99, services_completed=100 WHERE id='pro-1'`); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SubmitRating(env.Ctx, client, task.ID, 5, "Excelente")
	if err != nil {
		t.Fatalf("rating: %v", err)
	}
	if res.Task.Status != domain.StatusRated {
		t.Fatalf("expected rated, got %s", res.Task.Status)
	}
	if res.Reputation.ReviewCount != 100 || res.Reputation.Rating < 4.8019 || res.Reputation.Rating > 4.8021 {
		t.Fatalf("unexpected reputation %+v", res.Reputation)
	}
	if len(res.Notifications) != 1 || res.Notifications[0].Badge.ID != "top-pro" {
		t.Fatalf("expected one top-pro notification, got %+v", res.Notifications)
	}
	if _, err := env.Engine.SubmitRating(env.Ctx, client, task.ID, 4, ""); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("second rating should fail, got %v", err)
	}
}

func TestTwoBadgesAtOnceNotifyOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t)
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE professionals SET rating=4.95, review_count=99, services_completed=120 WHERE id='pro-1'`); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SubmitRating(env.Ctx, client, task.ID, 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Reputation.Badges) != 2 || len(res.Notifications) != 1 {
		t.Fatalf("expected 2 badges and 1 notification, got %v / %d", res.Reputation.Badges, len(res.Notifications))
	}
}

func TestRatingPreconditions(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t)
	if _, err := env.Engine.SubmitRating(env.Ctx, client, task.ID, 5, ""); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("rating before confirmation should fail, got %v", err)
	}
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); err != nil {
		t.Fatal(err)
	}
	for _, r := range []int{0, 6} {
		if _, err := env.Engine.SubmitRating(env.Ctx, client, task.ID, r, ""); !errors.Is(err, domain.ErrInvalidRating) {
			t.Fatalf("rating %d: expected invalid rating, got %v", r, err)
		}
	}
	if _, err := env.Engine.SubmitRating(env.Ctx, intruder, task.ID, 5, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("other client rating: %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusClientConfirmed {
		t.Fatalf("rejected ratings must not move the task, got %s", got)
	}
}

func TestUnassignedProfessionalCannotStart(t *testing.T) {
	env := newTestEnv(t)
	task := env.scheduled(t)
	if _, err := env.Engine.StartService(env.Ctx, rival, task.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := env.Engine.StartService(env.Ctx, client, task.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("client may not start, got %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusScheduled {
		t.Fatalf("status changed to %s", got)
	}
	if _, err := env.Engine.FinishService(env.Ctx, pro, task.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("finish before start should be invalid, got %v", err)
	}
}

func TestHoldFailureLeavesTaskEvaluating(t *testing.T) {
	env := newTestEnv(t)
	task := env.open(t)
	p, err := env.Engine.SubmitProposal(env.Ctx, pro, task.ID, engine.ProposalOptions{PriceCents: 10000})
	if err != nil {
		t.Fatal(err)
	}
	env.Gateway.FailHold = errors.New("card declined")
	if _, err := env.Engine.AcceptProposal(env.Ctx, client, task.ID, p.ID); !errors.Is(err, domain.ErrPaymentCaptureFailed) {
		t.Fatalf("expected capture failure, got %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusEvaluating {
		t.Fatalf("task moved to %s", got)
	}
	if _, err := env.Engine.Ledger(env.Ctx, client, task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no ledger entry expected, got %v", err)
	}
	env.Gateway.FailHold = nil
	if _, err := env.Engine.AcceptProposal(env.Ctx, client, task.ID, p.ID); err != nil {
		t.Fatalf("retry accept: %v", err)
	}
}

func TestReleaseFailureKeepsTaskCompleted(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t)
	env.Gateway.FailCapture = errors.New("gateway timeout")
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); !errors.Is(err, domain.ErrPaymentReleaseFailed) {
		t.Fatalf("expected release failure, got %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusCompleted {
		t.Fatalf("task moved to %s", got)
	}
	if entry := env.ledger(t, task.ID); entry.State != domain.EscrowHeld {
		t.Fatalf("escrow should stay held, got %s", entry.State)
	}
	rep, _ := env.Engine.ProfessionalReputation(env.Ctx, "pro-1")
	if rep.ServicesCompleted != 0 {
		t.Fatalf("completion counted despite rollback: %d", rep.ServicesCompleted)
	}
	env.Gateway.FailCapture = nil
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
}

func TestLateWriteFailureLeavesHoldUncaptured(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER fail_release BEFORE INSERT ON events
		WHEN NEW.type LIKE 'escrow.release%'
		BEGIN SELECT RAISE(ABORT, 'events table full'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); err == nil {
		t.Fatalf("expected confirm to fail on the release event")
	}
	if got := env.status(t, task.ID); got != domain.StatusCompleted {
		t.Fatalf("task moved to %s", got)
	}
	if entry := env.ledger(t, task.ID); entry.State != domain.EscrowHeld {
		t.Fatalf("escrow should stay held, got %s", entry.State)
	}
	if st := env.Gateway.Stats(); st.CapturedCents != 0 {
		t.Fatalf("money moved for a rolled back release: %+v", st)
	}

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER fail_release`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if entry := env.ledger(t, task.ID); entry.State != domain.EscrowReleased || entry.ReleasedCents != 10000 {
		t.Fatalf("unexpected ledger %+v", entry)
	}
	if st := env.Gateway.Stats(); st.CapturedCents != 10000 {
		t.Fatalf("gateway captured %d", st.CapturedCents)
	}
}

func TestReleaseConvergesAfterLostLedgerCommit(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t)
	held := env.ledger(t, task.ID)
	// A capture whose ledger commit never landed.
	if err := env.Gateway.Capture(env.Ctx, held.HoldID); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); err != nil {
		t.Fatalf("confirm after earlier capture: %v", err)
	}
	if entry := env.ledger(t, task.ID); entry.State != domain.EscrowReleased {
		t.Fatalf("expected released, got %s", entry.State)
	}
	if st := env.Gateway.Stats(); st.CapturedCents != 10000 {
		t.Fatalf("capture must not repeat, got %d", st.CapturedCents)
	}
}

func TestCancelRefundsHeldEscrow(t *testing.T) {
	env := newTestEnv(t)
	task := env.scheduled(t)
	task, err := env.Engine.CancelTask(env.Ctx, client, task.ID, "mudei de ideia")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", task.Status)
	}
	entry := env.ledger(t, task.ID)
	if entry.State != domain.EscrowRefunded || entry.RefundedCents != 10000 || entry.ReleasedCents != 0 {
		t.Fatalf("unexpected ledger %+v", entry)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, client, task.ID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("cancel twice: %v", err)
	}

	running := env.scheduled(t)
	if _, err := env.Engine.StartService(env.Ctx, pro, running.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, client, running.ID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("cancel in progress should be invalid, got %v", err)
	}

	evaluating := env.open(t)
	if _, err := env.Engine.SubmitProposal(env.Ctx, rival, evaluating.ID, engine.ProposalOptions{PriceCents: 5000}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, rival, evaluating.ID, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("unassigned professional cancel: %v", err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, client, evaluating.ID, ""); err != nil {
		t.Fatalf("cancel evaluating: %v", err)
	}
	props, _ := env.Engine.Proposals(env.Ctx, client, evaluating.ID)
	if len(props) != 1 || props[0].Status != domain.ProposalRejected {
		t.Fatalf("pending proposal should be rejected, got %+v", props)
	}
}

func TestResolveDispute(t *testing.T) {
	env := newTestEnv(t)
	a := env.completed(t)
	if _, err := env.Engine.OpenDispute(env.Ctx, client, a.ID, "serviço incompleto"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, client, a.ID, engine.ResolveRefund, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("client may not resolve, got %v", err)
	}
	a, err := env.Engine.ResolveDispute(env.Ctx, staff, a.ID, engine.ResolveRelease, "Fotos comprovam o serviço.")
	if err != nil || a.Status != domain.StatusClientConfirmed {
		t.Fatalf("resolve release: %v %s", err, a.Status)
	}
	if entry := env.ledger(t, a.ID); entry.State != domain.EscrowReleased {
		t.Fatalf("expected released, got %s", entry.State)
	}
	rep, err := env.Engine.ProfessionalReputation(env.Ctx, "pro-1")
	if err != nil || rep.ServicesCompleted != 1 {
		t.Fatalf("released dispute should count as completed: %v %+v", err, rep)
	}
	if _, err := env.Engine.SubmitRating(env.Ctx, client, a.ID, 3, ""); err != nil {
		t.Fatalf("rating after resolution: %v", err)
	}

	b := env.completed(t)
	if _, err := env.Engine.OpenDispute(env.Ctx, client, b.ID, "parede manchada"); err != nil {
		t.Fatal(err)
	}
	b, err = env.Engine.ResolveDispute(env.Ctx, staff, b.ID, engine.ResolveRefund, "")
	if err != nil || b.Status != domain.StatusCanceled {
		t.Fatalf("resolve refund: %v %s", err, b.Status)
	}
	if entry := env.ledger(t, b.ID); entry.State != domain.EscrowRefunded {
		t.Fatalf("expected refunded, got %s", entry.State)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, staff, b.ID, engine.ResolveRelease, ""); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("second resolution must fail, got %v", err)
	}
	if _, err := engine.ParseResolution("split"); err == nil {
		t.Fatalf("expected unknown resolution error")
	}
}

func TestDelayedPayout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Escrow.PayoutDelay = 72 * time.Hour })
	task := env.completed(t)
	task, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID)
	if err != nil || task.Status != domain.StatusClientConfirmed {
		t.Fatalf("confirm: %v", err)
	}
	entry := env.ledger(t, task.ID)
	if entry.State != domain.EscrowHeld || entry.ReleaseDueAt == nil {
		t.Fatalf("expected scheduled hold, got %+v", entry)
	}
	n, err := env.Engine.ReleaseDuePayouts(env.Ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("nothing due yet: %d %v", n, err)
	}
	env.Clock.Advance(73 * time.Hour)
	n, err = env.Engine.ReleaseDuePayouts(env.Ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one release: %d %v", n, err)
	}
	if entry := env.ledger(t, task.ID); entry.State != domain.EscrowReleased {
		t.Fatalf("expected released, got %s", entry.State)
	}
	if n, _ := env.Engine.ReleaseDuePayouts(env.Ctx, 10); n != 0 {
		t.Fatalf("payout released twice")
	}
}

func TestSupportJoinsOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.scheduled(t)
	task, err := env.Engine.ContactSupport(env.Ctx, pro, task.ID)
	if err != nil || task.SupportAt == nil {
		t.Fatalf("contact support: %v", err)
	}
	if task.Status != domain.StatusScheduled {
		t.Fatalf("support must not change status, got %s", task.Status)
	}
	if _, err := env.Engine.ContactSupport(env.Ctx, client, task.ID); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("second support request: %v", err)
	}
	msg, err := env.Engine.SendMessage(env.Ctx, staff, task.ID, "Vamos resolver.", "")
	if err != nil || msg.SenderID != domain.SupportSenderID {
		t.Fatalf("staff message: %v %+v", err, msg)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, intruder, task.ID, "oi", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("outsider message: %v", err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, client, task.ID, "  ", ""); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("empty message: %v", err)
	}
}

// Every status-change chat message must match an edge of the table and
// an audit event.
func TestChatRecordsEveryTransition(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t)
	if _, err := env.Engine.ConfirmCompletion(env.Ctx, client, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitRating(env.Ctx, client, task.ID, 5, ""); err != nil {
		t.Fatal(err)
	}
	msgs := env.messages(t, task.ID)
	var path []domain.Status
	for _, m := range msgs {
		if m.ToStatus == nil {
			continue
		}
		if !m.IsSystem() {
			t.Fatalf("status message from %s", m.SenderID)
		}
		if m.FromStatus == nil {
			if *m.ToStatus != domain.StatusOpen {
				t.Fatalf("creation message to %s", *m.ToStatus)
			}
		} else if !engine.Allowed(*m.FromStatus, *m.ToStatus) {
			t.Fatalf("message records illegal edge %s -> %s", *m.FromStatus, *m.ToStatus)
		}
		path = append(path, *m.ToStatus)
	}
	want := []domain.Status{domain.StatusOpen, domain.StatusEvaluating, domain.StatusScheduled, domain.StatusInProgress, domain.StatusCompleted, domain.StatusClientConfirmed, domain.StatusRated}
	if len(path) != len(want) {
		t.Fatalf("path %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("path %v, want %v", path, want)
		}
	}
	evts, err := env.Engine.AuditLog(env.Ctx, staff, repo.EventFilters{Type: "task.transitioned", EntityID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != len(want)-1 {
		t.Fatalf("expected %d transition events, got %d", len(want)-1, len(evts))
	}
	if len(env.Sink.chat) < len(msgs) {
		t.Fatalf("broadcast %d of %d messages", len(env.Sink.chat), len(msgs))
	}
	if _, err := env.Engine.AuditLog(env.Ctx, client, repo.EventFilters{}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("client audit log: %v", err)
	}
}

func TestConcurrentConfirmAndDisputeHaveOneWinner(t *testing.T) {
	for i := 0; i < 5; i++ {
		env := newTestEnv(t)
		task := env.completed(t)
		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = env.Engine.ConfirmCompletion(env.Ctx, client, task.ID)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = env.Engine.OpenDispute(env.Ctx, client, task.ID, "faltou acabamento")
		}()
		wg.Wait()
		if (errs[0] == nil) == (errs[1] == nil) {
			t.Fatalf("expected exactly one winner, got %v / %v", errs[0], errs[1])
		}
		entry := env.ledger(t, task.ID)
		switch env.status(t, task.ID) {
		case domain.StatusClientConfirmed:
			if entry.State != domain.EscrowReleased {
				t.Fatalf("confirmed but escrow %s", entry.State)
			}
		case domain.StatusDisputed:
			if entry.State != domain.EscrowHeld {
				t.Fatalf("disputed but escrow %s", entry.State)
			}
		default:
			t.Fatalf("unexpected status")
		}
	}
}

func TestQueriesAreScopedToCaller(t *testing.T) {
	env := newTestEnv(t)
	task := env.scheduled(t)
	if _, err := env.Engine.Task(env.Ctx, intruder, task.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("intruder view: %v", err)
	}
	if _, err := env.Engine.Task(env.Ctx, client, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing task: %v", err)
	}
	open := env.open(t)
	if _, err := env.Engine.Task(env.Ctx, rival, open.ID); err != nil {
		t.Fatalf("professionals browse open tasks: %v", err)
	}
	mine, err := env.Engine.ListTasks(env.Ctx, pro, repo.TaskFilters{})
	if err != nil || len(mine) != 1 || mine[0].ID != task.ID {
		t.Fatalf("assigned list: %v %d", err, len(mine))
	}
	browse, err := env.Engine.ListTasks(env.Ctx, rival, repo.TaskFilters{Status: domain.StatusOpen})
	if err != nil || len(browse) != 1 || browse[0].ID != open.ID {
		t.Fatalf("browse: %v %d", err, len(browse))
	}
	if _, err := env.Engine.ListTasks(env.Ctx, client, repo.TaskFilters{ClientID: "cli-2"}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("listing another client's tasks: %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, pro, engine.TaskCreateOptions{Title: "x"}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("professional creating task: %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, client, engine.TaskCreateOptions{Title: "x", Category: "Mecânica"}); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("unknown category: %v", err)
	}
}

func TestGrantBadge(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GrantBadge(env.Ctx, client, "pro-1", "super-pontual"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("client grant: %v", err)
	}
	rep, err := env.Engine.GrantBadge(env.Ctx, staff, "pro-1", "super-pontual")
	if err != nil || !rep.HasBadge("super-pontual") {
		t.Fatalf("grant: %v %+v", err, rep)
	}
	if _, err := env.Engine.GrantBadge(env.Ctx, staff, "pro-1", "super-pontual"); err != nil {
		t.Fatalf("regrant should be a no-op: %v", err)
	}
	if _, err := env.Engine.GrantBadge(env.Ctx, staff, "pro-1", "nope"); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("unknown badge: %v", err)
	}
	count := 0
	for _, k := range env.Sink.kinds() {
		if k == notify.KindBadgeEarned {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one badge notification, got %d", count)
	}
}

func TestSuggestCategoryFallsBackToKeywords(t *testing.T) {
	env := newTestEnv(t)
	s := env.Engine.SuggestCategory(env.Ctx, "A pia está entupida e a torneira vazando")
	if s.Category != "Encanamento" {
		t.Fatalf("expected Encanamento, got %q", s.Category)
	}
}

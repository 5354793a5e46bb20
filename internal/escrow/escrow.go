// Package escrow keeps the per-task ledger of client funds and guarantees
// that each hold ends in at most one release or refund.
package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"valeconecta/internal/domain"
	"valeconecta/internal/locks"
	"valeconecta/internal/metrics"
	"valeconecta/internal/payment"
	"valeconecta/internal/repo"
)

// Amount splits a hold into its service and materials parts.
type Amount struct {
	ServiceCents   int64
	MaterialsCents int64
}

func (a Amount) Total() int64 { return a.ServiceCents + a.MaterialsCents }

type Coordinator struct {
	DB      *sql.DB
	Repo    repo.Repo
	Gateway payment.Gateway
	Locks   *locks.Keyed
	// FeeBasisPoints is the platform share of the service price, 1000 = 10%.
	FeeBasisPoints int64
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	Now            func() time.Time
}

func New(conn *sql.DB, r repo.Repo, gw payment.Gateway) *Coordinator {
	return &Coordinator{
		DB:             conn,
		Repo:           r,
		Gateway:        gw,
		Locks:          locks.New(),
		FeeBasisPoints: 1000,
		Now:            time.Now,
	}
}

func (c *Coordinator) now() string {
	if c.Now != nil {
		return c.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Coordinator) lock(taskID string) func() {
	if c.Locks == nil {
		c.Locks = locks.New()
	}
	return c.Locks.Lock("escrow:" + taskID)
}

// Fee returns the platform fee for a service price, rounded half up.
func (c *Coordinator) Fee(serviceCents int64) int64 {
	if c.FeeBasisPoints <= 0 || serviceCents <= 0 {
		return 0
	}
	return (serviceCents*c.FeeBasisPoints + 5000) / 10000
}

// Hold captures funds for a task. Calling it again with the same total
// returns the existing entry without touching the gateway.
func (c *Coordinator) Hold(ctx context.Context, taskID string, amount Amount, meta payment.Metadata) (domain.EscrowEntry, error) {
	unlock := c.lock(taskID)
	defer unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscrowEntry{}, domain.Persistence(err)
	}
	defer tx.Rollback()
	entry, created, err := c.HoldTx(ctx, tx, taskID, amount, meta)
	if err != nil {
		return domain.EscrowEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		if created {
			c.Void(ctx, entry.HoldID)
		}
		return domain.EscrowEntry{}, domain.Persistence(err)
	}
	return entry, nil
}

// HoldTx is Hold inside the caller's transaction. created reports whether
// a new gateway hold was made; the caller must Void it if tx rolls back.
func (c *Coordinator) HoldTx(ctx context.Context, tx *sql.Tx, taskID string, amount Amount, meta payment.Metadata) (entry domain.EscrowEntry, created bool, err error) {
	defer func() {
		if created || err != nil {
			c.Metrics.Escrow("hold", entry.HeldCents, err)
		}
	}()
	if amount.ServiceCents <= 0 || amount.MaterialsCents < 0 {
		return entry, false, domain.Precondition("invalid escrow amount %d+%d", amount.ServiceCents, amount.MaterialsCents)
	}
	existing, err := c.Repo.GetEscrowTx(ctx, tx, taskID)
	switch {
	case err == nil:
		if existing.State == domain.EscrowHeld && existing.HeldCents == amount.Total() {
			return existing, false, nil
		}
		return domain.EscrowEntry{}, false, fmt.Errorf("%w: task %s already has a %s escrow of %d", domain.ErrInvalidState, taskID, existing.State, existing.HeldCents)
	case !errors.Is(err, repo.ErrNotFound):
		return domain.EscrowEntry{}, false, domain.Persistence(err)
	}

	if meta.TaskID == "" {
		meta.TaskID = taskID
	}
	holdID, err := c.Gateway.CreateHold(ctx, amount.Total(), meta)
	if err != nil {
		return domain.EscrowEntry{}, false, fmt.Errorf("%w: %v", domain.ErrPaymentCaptureFailed, err)
	}
	now := c.now()
	entry = domain.EscrowEntry{
		TaskID:         taskID,
		HoldID:         holdID,
		ServiceCents:   amount.ServiceCents,
		MaterialsCents: amount.MaterialsCents,
		HeldCents:      amount.Total(),
		State:          domain.EscrowHeld,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.Repo.InsertEscrowTx(ctx, tx, entry); err != nil {
		c.Void(ctx, holdID)
		return domain.EscrowEntry{}, false, domain.Persistence(err)
	}
	c.logger().Info("escrow held", "task_id", taskID, "hold_id", holdID, "held_cents", entry.HeldCents)
	return entry, true, nil
}

// Release pays the full held amount out to the professional.
func (c *Coordinator) Release(ctx context.Context, taskID string) (domain.EscrowEntry, error) {
	return c.settle(ctx, taskID, c.ReleaseTx)
}

// Refund returns the full held amount to the client.
func (c *Coordinator) Refund(ctx context.Context, taskID string) (domain.EscrowEntry, error) {
	return c.settle(ctx, taskID, c.RefundTx)
}

func (c *Coordinator) settle(ctx context.Context, taskID string, fn func(context.Context, *sql.Tx, string) (Settlement, error)) (domain.EscrowEntry, error) {
	unlock := c.lock(taskID)
	defer unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscrowEntry{}, domain.Persistence(err)
	}
	defer tx.Rollback()
	s, err := fn(ctx, tx, taskID)
	if err != nil {
		return domain.EscrowEntry{}, err
	}
	if err := s.Apply(ctx); err != nil {
		return domain.EscrowEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		s.CommitFailed(err)
		return domain.EscrowEntry{}, domain.Persistence(err)
	}
	return s.Entry, nil
}

// Settlement is a release or refund written to the ledger inside a
// transaction whose gateway side has not run yet. Apply must be the last
// step before the transaction commits: a failed Apply rolls the ledger
// back with the funds still held.
//
// Gateway settlement is idempotent per hold, so when the commit after a
// successful Apply fails, the ledger stays held and the next release or
// refund of the same kind converges without moving money twice.
type Settlement struct {
	Entry domain.EscrowEntry
	c     *Coordinator
}

// Apply captures or refunds the hold at the gateway.
func (s Settlement) Apply(ctx context.Context) (err error) {
	c := s.c
	switch s.Entry.State {
	case domain.EscrowReleased:
		defer func() { c.Metrics.Escrow("release", s.Entry.ReleasedCents, err) }()
		if err := c.Gateway.Capture(ctx, s.Entry.HoldID); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPaymentReleaseFailed, err)
		}
		c.logger().Info("escrow released", "task_id", s.Entry.TaskID, "released_cents", s.Entry.ReleasedCents, "fee_cents", s.Entry.FeeCents)
	case domain.EscrowRefunded:
		defer func() { c.Metrics.Escrow("refund", s.Entry.RefundedCents, err) }()
		if err := c.Gateway.Refund(ctx, s.Entry.HoldID); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPaymentRefundFailed, err)
		}
		c.logger().Info("escrow refunded", "task_id", s.Entry.TaskID, "refunded_cents", s.Entry.RefundedCents)
	default:
		return fmt.Errorf("%w: escrow for task %s is %s, nothing to settle", domain.ErrInvalidState, s.Entry.TaskID, s.Entry.State)
	}
	return nil
}

// CommitFailed records a gateway settlement whose ledger write was lost.
func (s Settlement) CommitFailed(err error) {
	s.c.logger().Error("escrow settled at gateway but ledger commit failed; retry converges",
		"task_id", s.Entry.TaskID, "hold_id", s.Entry.HoldID, "state", s.Entry.State, "err", err)
}

// ReleaseTx marks the entry released inside tx. Money moves only when
// the returned Settlement is applied.
func (c *Coordinator) ReleaseTx(ctx context.Context, tx *sql.Tx, taskID string) (Settlement, error) {
	entry, err := c.heldEntry(ctx, tx, taskID)
	if err != nil {
		return Settlement{}, err
	}
	entry.State = domain.EscrowReleased
	entry.ReleasedCents = entry.HeldCents
	entry.FeeCents = c.Fee(entry.ServiceCents)
	entry.UpdatedAt = c.now()
	if err := c.markSettled(ctx, tx, entry); err != nil {
		return Settlement{}, err
	}
	return Settlement{Entry: entry, c: c}, nil
}

// RefundTx is the refund counterpart of ReleaseTx.
func (c *Coordinator) RefundTx(ctx context.Context, tx *sql.Tx, taskID string) (Settlement, error) {
	entry, err := c.heldEntry(ctx, tx, taskID)
	if err != nil {
		return Settlement{}, err
	}
	entry.State = domain.EscrowRefunded
	entry.RefundedCents = entry.HeldCents
	entry.UpdatedAt = c.now()
	if err := c.markSettled(ctx, tx, entry); err != nil {
		return Settlement{}, err
	}
	return Settlement{Entry: entry, c: c}, nil
}

func (c *Coordinator) heldEntry(ctx context.Context, tx *sql.Tx, taskID string) (domain.EscrowEntry, error) {
	entry, err := c.Repo.GetEscrowTx(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return entry, fmt.Errorf("%w: no funds held for task %s", domain.ErrInvalidState, taskID)
	}
	if err != nil {
		return entry, domain.Persistence(err)
	}
	if entry.State != domain.EscrowHeld {
		return entry, fmt.Errorf("%w: escrow for task %s already %s", domain.ErrInvalidState, taskID, entry.State)
	}
	return entry, nil
}

func (c *Coordinator) markSettled(ctx context.Context, tx *sql.Tx, entry domain.EscrowEntry) error {
	err := c.Repo.SettleEscrowTx(ctx, tx, entry)
	if errors.Is(err, repo.ErrStale) {
		return fmt.Errorf("%w: escrow for task %s settled concurrently", domain.ErrInvalidState, entry.TaskID)
	}
	return domain.Persistence(err)
}

// ScheduleReleaseTx defers payout of a held entry until dueAt.
func (c *Coordinator) ScheduleReleaseTx(ctx context.Context, tx *sql.Tx, taskID string, dueAt time.Time) error {
	err := c.Repo.SetReleaseDueTx(ctx, tx, taskID, dueAt.UTC().Format(time.RFC3339), c.now())
	if errors.Is(err, repo.ErrStale) {
		return fmt.Errorf("%w: no funds held for task %s", domain.ErrInvalidState, taskID)
	}
	return domain.Persistence(err)
}

// DueForRelease lists held entries whose scheduled payout time has passed.
func (c *Coordinator) DueForRelease(ctx context.Context, at time.Time, limit int) ([]domain.EscrowEntry, error) {
	entries, err := c.Repo.ListDueEscrow(ctx, at.UTC().Format(time.RFC3339), limit)
	return entries, domain.Persistence(err)
}

// Entry returns the ledger entry for a task.
func (c *Coordinator) Entry(ctx context.Context, taskID string) (domain.EscrowEntry, error) {
	return c.Repo.GetEscrow(ctx, taskID)
}

// Void cancels a gateway hold whose ledger row never committed.
func (c *Coordinator) Void(ctx context.Context, holdID string) {
	if holdID == "" {
		return
	}
	if err := c.Gateway.Refund(context.WithoutCancel(ctx), holdID); err != nil {
		c.logger().Error("void orphaned hold failed", "hold_id", holdID, "err", err)
		return
	}
	c.logger().Warn("voided orphaned hold", "hold_id", holdID)
}

package repo

import (
	"context"
	"database/sql"

	"valeconecta/internal/domain"
)

const escrowColumns = `task_id,hold_id,service_cents,materials_cents,held_cents,released_cents,refunded_cents,fee_cents,state,release_due_at,created_at,updated_at`

func scanEscrow(row scanner) (domain.EscrowEntry, error) {
	var e domain.EscrowEntry
	var state string
	var due sql.NullString
	err := row.Scan(&e.TaskID, &e.HoldID, &e.ServiceCents, &e.MaterialsCents, &e.HeldCents, &e.ReleasedCents, &e.RefundedCents, &e.FeeCents, &state, &due, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.State = domain.EscrowState(state)
	e.ReleaseDueAt = stringPtr(due)
	return e, err
}

func (r Repo) InsertEscrowTx(ctx context.Context, tx *sql.Tx, e domain.EscrowEntry) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO escrow_ledger(`+escrowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		e.TaskID, e.HoldID, e.ServiceCents, e.MaterialsCents, e.HeldCents, e.ReleasedCents, e.RefundedCents, e.FeeCents,
		string(e.State), nullableStringPtr(e.ReleaseDueAt), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEscrow(ctx context.Context, taskID string) (domain.EscrowEntry, error) {
	return scanEscrow(r.DB.QueryRowContext(ctx, r.q(`SELECT `+escrowColumns+` FROM escrow_ledger WHERE task_id=?`), taskID))
}

func (r Repo) GetEscrowTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.EscrowEntry, error) {
	return scanEscrow(tx.QueryRowContext(ctx, r.q(`SELECT `+escrowColumns+` FROM escrow_ledger WHERE task_id=?`), taskID))
}

// SettleEscrowTx moves a held entry to its terminal state. The state
// guard makes release and refund mutually exclusive at the row level.
func (r Repo) SettleEscrowTx(ctx context.Context, tx *sql.Tx, e domain.EscrowEntry) error {
	return expectOne(tx.ExecContext(ctx, r.q(`UPDATE escrow_ledger SET state=?, released_cents=?, refunded_cents=?, fee_cents=?, updated_at=? WHERE task_id=? AND state=?`),
		string(e.State), e.ReleasedCents, e.RefundedCents, e.FeeCents, e.UpdatedAt, e.TaskID, string(domain.EscrowHeld)))
}

func (r Repo) SetReleaseDueTx(ctx context.Context, tx *sql.Tx, taskID, dueAt, now string) error {
	return expectOne(tx.ExecContext(ctx, r.q(`UPDATE escrow_ledger SET release_due_at=?, updated_at=? WHERE task_id=? AND state=?`),
		dueAt, now, taskID, string(domain.EscrowHeld)))
}

// ListDueEscrow returns held entries whose payout date has passed.
func (r Repo) ListDueEscrow(ctx context.Context, now string, limit int) ([]domain.EscrowEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+escrowColumns+` FROM escrow_ledger WHERE state=? AND release_due_at IS NOT NULL AND release_due_at <= ? ORDER BY release_due_at ASC LIMIT ?`),
		string(domain.EscrowHeld), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscrowEntry
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

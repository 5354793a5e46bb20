package repo

import (
	"context"
	"database/sql"

	"valeconecta/internal/domain"
)

const proposalColumns = `id,task_id,professional_id,price_cents,materials_cents,message,status,created_at,updated_at`

func scanProposal(row scanner) (domain.Proposal, error) {
	var p domain.Proposal
	var msg sql.NullString
	var status string
	err := row.Scan(&p.ID, &p.TaskID, &p.ProfessionalID, &p.PriceCents, &p.MaterialsCents, &msg, &status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Message = msg.String
	p.Status = domain.ProposalStatus(status)
	return p, err
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`),
		p.ID, p.TaskID, p.ProfessionalID, p.PriceCents, p.MaterialsCents, nullable(p.Message), string(p.Status), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, r.q(`SELECT `+proposalColumns+` FROM proposals WHERE id=?`), id))
}

func (r Repo) ListProposals(ctx context.Context, taskID string) ([]domain.Proposal, error) {
	return r.listProposals(ctx, r.DB, taskID)
}

func (r Repo) ListProposalsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Proposal, error) {
	return r.listProposals(ctx, tx, taskID)
}

func (r Repo) listProposals(ctx context.Context, q Querier, taskID string) ([]domain.Proposal, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT `+proposalColumns+` FROM proposals WHERE task_id=? ORDER BY created_at ASC, id ASC`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) HasPendingProposalTx(ctx context.Context, tx *sql.Tx, taskID, professionalID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM proposals WHERE task_id=? AND professional_id=? AND status=?`),
		taskID, professionalID, string(domain.ProposalPending)).Scan(&n)
	return n > 0, err
}

// SetProposalStatusTx moves a single proposal out of from. ErrStale if it already left.
func (r Repo) SetProposalStatusTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.ProposalStatus, now string) error {
	return expectOne(tx.ExecContext(ctx, r.q(`UPDATE proposals SET status=?, updated_at=? WHERE id=? AND status=?`),
		string(to), now, id, string(from)))
}

// RejectPendingTx rejects every pending proposal on the task except keepID.
func (r Repo) RejectPendingTx(ctx context.Context, tx *sql.Tx, taskID, keepID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE proposals SET status=?, updated_at=? WHERE task_id=? AND status=? AND id<>?`),
		string(domain.ProposalRejected), now, taskID, string(domain.ProposalPending), keepID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

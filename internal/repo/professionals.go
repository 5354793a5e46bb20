package repo

import (
	"context"
	"database/sql"

	"valeconecta/internal/domain"
)

// EnsureProfessionalTx creates an empty reputation record if none exists.
func (r Repo) EnsureProfessionalTx(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO professionals(id,name,rating,review_count,services_completed,updated_at) VALUES (?,?,0,0,0,?) ON CONFLICT (id) DO NOTHING`),
		id, nullable(name), now)
	return err
}

func (r Repo) GetReputation(ctx context.Context, id string) (domain.Reputation, error) {
	return r.getReputation(ctx, r.DB, id)
}

func (r Repo) GetReputationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reputation, error) {
	return r.getReputation(ctx, tx, id)
}

func (r Repo) getReputation(ctx context.Context, q Querier, id string) (domain.Reputation, error) {
	var rep domain.Reputation
	var name sql.NullString
	err := q.QueryRowContext(ctx, r.q(`SELECT id,name,rating,review_count,services_completed,updated_at FROM professionals WHERE id=?`), id).
		Scan(&rep.ProfessionalID, &name, &rep.Rating, &rep.ReviewCount, &rep.ServicesCompleted, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.Name = name.String
	rows, err := q.QueryContext(ctx, r.q(`SELECT badge_id FROM professional_badges WHERE professional_id=? ORDER BY earned_at ASC, badge_id ASC`), id)
	if err != nil {
		return rep, err
	}
	defer rows.Close()
	rep.Badges = []string{}
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return rep, err
		}
		rep.Badges = append(rep.Badges, b)
	}
	return rep, rows.Err()
}

// AddRatingTx folds one rating into the rolling average in a single
// statement so concurrent writers cannot lose an update.
func (r Repo) AddRatingTx(ctx context.Context, tx *sql.Tx, id string, rating int, now string) error {
	return expectOne(tx.ExecContext(ctx, r.q(`UPDATE professionals SET rating=(rating*review_count+?)/(review_count+1), review_count=review_count+1, updated_at=? WHERE id=?`),
		float64(rating), now, id))
}

func (r Repo) IncrementServicesTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	return expectOne(tx.ExecContext(ctx, r.q(`UPDATE professionals SET services_completed=services_completed+1, updated_at=? WHERE id=?`),
		now, id))
}

// InsertBadgeTx records an earned badge and reports whether it was new.
func (r Repo) InsertBadgeTx(ctx context.Context, tx *sql.Tx, professionalID, badgeID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO professional_badges(professional_id,badge_id,earned_at) VALUES (?,?,?) ON CONFLICT (professional_id,badge_id) DO NOTHING`),
		professionalID, badgeID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO reviews(id,task_id,professional_id,client_id,rating,comment,created_at) VALUES (?,?,?,?,?,?,?)`),
		rv.ID, rv.TaskID, rv.ProfessionalID, rv.ClientID, rv.Rating, nullable(rv.Comment), rv.CreatedAt)
	return err
}

func (r Repo) ListReviews(ctx context.Context, professionalID string, limit int) ([]domain.Review, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,task_id,professional_id,client_id,rating,comment,created_at FROM reviews WHERE professional_id=? ORDER BY created_at DESC, id DESC LIMIT ?`),
		professionalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rv domain.Review
		var comment sql.NullString
		if err := rows.Scan(&rv.ID, &rv.TaskID, &rv.ProfessionalID, &rv.ClientID, &rv.Rating, &comment, &rv.CreatedAt); err != nil {
			return nil, err
		}
		rv.Comment = comment.String
		res = append(res, rv)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"valeconecta/internal/db"
	"valeconecta/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = domain.ErrNotFound

// ErrStale reports a conditional update that matched no row because the
// record moved on since it was read.
var ErrStale = errors.New("stale record")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(query string) string { return db.Rebind(r.Dialect, query) }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func statusPtr(ns sql.NullString) *domain.Status {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := domain.Status(ns.String)
	return &s
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

const taskColumns = `id,title,description,category,address,scheduled_at,status,price_cents,materials_cents,client_id,professional_id,dispute_reason,support_engaged_at,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var desc, category, address, scheduled, pro, reason, support sql.NullString
	var price sql.NullInt64
	var status string
	err := row.Scan(&t.ID, &t.Title, &desc, &category, &address, &scheduled, &status, &price, &t.MaterialsCents, &t.ClientID, &pro, &reason, &support, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.Status(status)
	t.Description = desc.String
	t.Category = category.String
	t.Address = address.String
	t.ScheduledAt = stringPtr(scheduled)
	t.ProfessionalID = stringPtr(pro)
	t.DisputeReason = reason.String
	t.SupportAt = stringPtr(support)
	if price.Valid {
		p := price.Int64
		t.PriceCents = &p
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.Title, nullable(t.Description), nullable(t.Category), nullable(t.Address), nullableStringPtr(t.ScheduledAt),
		string(t.Status), nullableInt64Ptr(t.PriceCents), t.MaterialsCents, t.ClientID, nullableStringPtr(t.ProfessionalID),
		nullable(t.DisputeReason), nullableStringPtr(t.SupportAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
}

// TaskUpdate lists the columns a transition may write. Nil fields are left as is.
type TaskUpdate struct {
	Status         domain.Status
	ProfessionalID *string
	PriceCents     *int64
	MaterialsCents *int64
	DisputeReason  *string
	SupportAt      *string
	UpdatedAt      string
}

// UpdateTaskTx applies upd only while the task is still in status expect.
// It returns ErrStale when another writer got there first.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, id string, expect domain.Status, upd TaskUpdate) error {
	sets := []string{"updated_at=?"}
	args := []any{upd.UpdatedAt}
	if upd.Status != "" {
		sets = append(sets, "status=?")
		args = append(args, string(upd.Status))
	}
	if upd.ProfessionalID != nil {
		sets = append(sets, "professional_id=?")
		args = append(args, *upd.ProfessionalID)
	}
	if upd.PriceCents != nil {
		sets = append(sets, "price_cents=?")
		args = append(args, *upd.PriceCents)
	}
	if upd.MaterialsCents != nil {
		sets = append(sets, "materials_cents=?")
		args = append(args, *upd.MaterialsCents)
	}
	if upd.DisputeReason != nil {
		sets = append(sets, "dispute_reason=?")
		args = append(args, *upd.DisputeReason)
	}
	if upd.SupportAt != nil {
		sets = append(sets, "support_engaged_at=?")
		args = append(args, *upd.SupportAt)
	}
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id=? AND status=?`, strings.Join(sets, ","))
	args = append(args, id, string(expect))
	return expectOne(tx.ExecContext(ctx, r.q(query), args...))
}

type TaskFilters struct {
	Status          domain.Status
	ClientID        string
	ProfessionalID  string
	Category        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.ProfessionalID != "" {
		clauses = append(clauses, "professional_id=?")
		args = append(args, f.ProfessionalID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = n
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"

	"valeconecta/internal/domain"
)

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.ChatMessage) (domain.ChatMessage, error) {
	var from, to any
	if m.FromStatus != nil {
		from = string(*m.FromStatus)
	}
	if m.ToStatus != nil {
		to = string(*m.ToStatus)
	}
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO chat_messages(task_id,sender_id,text,attachment_url,from_status,to_status,created_at) VALUES (?,?,?,?,?,?,?) RETURNING id`),
		m.TaskID, m.SenderID, m.Text, nullable(m.AttachmentURL), from, to, m.CreatedAt).Scan(&m.ID)
	return m, err
}

func (r Repo) ListMessages(ctx context.Context, taskID string) ([]domain.ChatMessage, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,task_id,sender_id,text,attachment_url,from_status,to_status,created_at FROM chat_messages WHERE task_id=? ORDER BY created_at ASC, id ASC`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var attachment, from, to sql.NullString
		if err := rows.Scan(&m.ID, &m.TaskID, &m.SenderID, &m.Text, &attachment, &from, &to, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AttachmentURL = attachment.String
		m.FromStatus = statusPtr(from)
		m.ToStatus = statusPtr(to)
		res = append(res, m)
	}
	return res, rows.Err()
}

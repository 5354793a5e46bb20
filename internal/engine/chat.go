package engine

import (
	"context"
	"errors"
	"strings"

	"valeconecta/internal/domain"
	"valeconecta/internal/engine/auth"
	"valeconecta/internal/events"
	"valeconecta/internal/notify"
	"valeconecta/internal/repo"
)

// SendMessage posts a party message to the task chat. Staff messages are
// attributed to the support sender.
func (e Engine) SendMessage(ctx context.Context, caller domain.Caller, taskID, text, attachmentURL string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	attachmentURL = strings.TrimSpace(attachmentURL)
	if text == "" && attachmentURL == "" {
		return domain.ChatMessage{}, domain.Precondition("message text or attachment is required")
	}
	var msg domain.ChatMessage
	_, err := e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.PostMessage); err != nil {
			return err
		}
		sender := caller.ActorID
		if caller.IsAdmin() {
			sender = domain.SupportSenderID
		}
		var err error
		msg, err = u.post(domain.ChatMessage{TaskID: t.ID, SenderID: sender, Text: text, AttachmentURL: attachmentURL})
		if err != nil {
			return err
		}
		return u.event(events.MessagePosted, "task", t.ID, events.EventPayload{"message_id": msg.ID, "sender_id": sender})
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return msg, nil
}

// ContactSupport brings the support team into the chat. It can be used
// once per task.
func (e Engine) ContactSupport(ctx context.Context, caller domain.Caller, taskID string) (domain.Task, error) {
	return e.withTask(ctx, caller, taskID, func(u *unit, t *domain.Task) error {
		if err := auth.Authorize(caller, *t, auth.ContactSupport); err != nil {
			return err
		}
		if t.SupportAt != nil {
			return domain.Precondition("support already joined task %s", t.ID)
		}
		at := u.now
		if err := e.Repo.UpdateTaskTx(ctx, u.tx, t.ID, t.Status, repo.TaskUpdate{SupportAt: &at, UpdatedAt: u.now}); err != nil {
			if errors.Is(err, repo.ErrStale) {
				return domain.Precondition("task %s changed while contacting support", t.ID)
			}
			return domain.Persistence(err)
		}
		t.SupportAt = &at
		t.UpdatedAt = u.now
		if err := u.system(t.ID, "O suporte da Vale Conecta foi acionado e entrou na conversa."); err != nil {
			return err
		}
		if _, err := u.post(domain.ChatMessage{TaskID: t.ID, SenderID: domain.SupportSenderID, Text: "Olá! Sou do suporte da " + e.config().Platform.Name + ". Como posso ajudar?"}); err != nil {
			return err
		}
		if err := u.event(events.SupportEngaged, "task", t.ID, events.EventPayload{"status": t.Status}); err != nil {
			return err
		}
		u.alert(notify.Notification{
			Kind:    notify.KindSupportRequest,
			TaskID:  t.ID,
			Subject: "Suporte acionado: " + t.Title,
			Body:    "Status atual: " + domain.StatusLabel(t.Status),
		})
		return nil
	})
}

// Messages returns the task chat in posting order.
func (e Engine) Messages(ctx context.Context, caller domain.Caller, taskID string) ([]domain.ChatMessage, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if err := auth.Authorize(caller, t, auth.ViewChat); err != nil {
		return nil, err
	}
	msgs, err := e.Repo.ListMessages(ctx, taskID)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	return msgs, nil
}

func lookupErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return domain.Persistence(err)
}

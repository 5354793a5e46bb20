package notify

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type fakeBot struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.err != nil {
		return tgbotapi.Message{}, b.err
	}
	b.sent = append(b.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

type fakeDialer struct {
	sent []*gomail.Message
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	d.sent = append(d.sent, m...)
	return nil
}

func TestTelegramOnlyForwardsStaffAlerts(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{Bot: bot, ChatID: 42}
	ctx := context.Background()

	require.NoError(t, tg.Notify(ctx, Notification{Kind: KindBadgeEarned, Recipient: "pro-1", Subject: "Top Pro"}))
	assert.Empty(t, bot.sent)

	require.NoError(t, tg.Notify(ctx, Notification{Kind: KindDisputeOpened, TaskID: "t1", Subject: "Disputa aberta", Body: "Serviço incompleto"}))
	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Contains(t, bot.sent[0].Text, "Disputa aberta")
	assert.Contains(t, bot.sent[0].Text, "t1")
}

func TestMailSendsToSupportInbox(t *testing.T) {
	d := &fakeDialer{}
	m := &Mail{Dialer: d, From: "noreply@valeconecta.com.br", To: []string{"suporte@valeconecta.com.br"}}
	require.NoError(t, m.Notify(context.Background(), Notification{Kind: KindSupportRequest, TaskID: "t1", Subject: "Suporte acionado"}))
	require.Len(t, d.sent, 1)
	assert.Equal(t, []string{"[Vale Conecta] Suporte acionado"}, d.sent[0].GetHeader("Subject"))
	assert.Equal(t, []string{"suporte@valeconecta.com.br"}, d.sent[0].GetHeader("To"))
}

func TestMultiJoinsErrors(t *testing.T) {
	bot := &fakeBot{err: errors.New("telegram down")}
	d := &fakeDialer{}
	multi := Multi{Log{}, &Telegram{Bot: bot}, &Mail{Dialer: d, To: []string{"a@b.c"}}, nil}
	err := multi.Notify(context.Background(), Notification{Kind: KindDisputeOpened, Subject: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram down")
	assert.Len(t, d.sent, 1)
}

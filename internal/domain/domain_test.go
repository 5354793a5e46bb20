package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valeconecta/internal/domain"
)

func TestParseStatusAcceptsLegacyTokens(t *testing.T) {
	cases := map[string]domain.Status{
		"open":                    domain.StatusOpen,
		"  IN_PROGRESS ":          domain.StatusInProgress,
		"Confirmado Pelo Cliente": domain.StatusClientConfirmed,
		"Avaliado":                domain.StatusRated,
		"Em Disputa":              domain.StatusDisputed,
		"Concluído":               domain.StatusCompleted,
		"Agendado":                domain.StatusScheduled,
	}
	for token, want := range cases {
		got, err := domain.ParseStatus(token)
		require.NoError(t, err, token)
		assert.Equal(t, want, got, token)
	}
	_, err := domain.ParseStatus("pending")
	assert.Error(t, err)
}

func TestStatusLabelRoundTrip(t *testing.T) {
	for _, s := range domain.Statuses {
		label := domain.StatusLabel(s)
		require.NotEmpty(t, label)
		back, err := domain.ParseStatus(label)
		require.NoError(t, err, label)
		assert.Equal(t, s, back)
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	var err error = &domain.TransitionError{From: domain.StatusOpen, To: domain.StatusRated}
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = fmt.Errorf("start: %w", domain.Caller{ActorID: "p1", Role: domain.RoleProfessional}.Deny("start service"))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	var ae *domain.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "p1", ae.ActorID)

	assert.ErrorIs(t, domain.ErrInvalidRating, domain.ErrPreconditionFailed)
	assert.Nil(t, domain.Persistence(nil))
	assert.ErrorIs(t, domain.Persistence(errors.New("disk full")), domain.ErrPersistenceFailed)
}

func TestUserMessageHidesInternals(t *testing.T) {
	assert.Equal(t, "Esta ação não está mais disponível para este serviço.",
		domain.UserMessage(&domain.TransitionError{From: domain.StatusRated, To: domain.StatusOpen}))
	assert.Equal(t, "O pagamento não pôde ser concluído, tente novamente.",
		domain.UserMessage(fmt.Errorf("%w: card declined", domain.ErrPaymentCaptureFailed)))
	assert.Equal(t, "A avaliação deve ser de 1 a 5 estrelas.", domain.UserMessage(domain.ErrInvalidRating))
	assert.NotContains(t, domain.UserMessage(errors.New("sql: connection refused")), "sql")
}

func TestTaskTotals(t *testing.T) {
	price := int64(10000)
	pro := "p1"
	task := domain.Task{PriceCents: &price, MaterialsCents: 2500, ProfessionalID: &pro}
	assert.Equal(t, int64(12500), task.TotalCents())
	assert.True(t, task.AssignedTo("p1"))
	assert.False(t, task.AssignedTo("p2"))
	assert.Zero(t, domain.Task{}.TotalCents())
}

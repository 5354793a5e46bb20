package domain

import (
	"fmt"
	"strings"
)

// Status is the canonical task lifecycle state.
type Status string

const (
	StatusOpen            Status = "open"
	StatusEvaluating      Status = "evaluating"
	StatusScheduled       Status = "scheduled"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusClientConfirmed Status = "client_confirmed"
	StatusRated           Status = "rated"
	StatusDisputed        Status = "disputed"
	StatusCanceled        Status = "canceled"
)

// Statuses lists every state in lifecycle order.
var Statuses = []Status{
	StatusOpen,
	StatusEvaluating,
	StatusScheduled,
	StatusInProgress,
	StatusCompleted,
	StatusClientConfirmed,
	StatusRated,
	StatusDisputed,
	StatusCanceled,
}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) Ptr() *Status { return &s }

var statusLabels = map[Status]string{
	StatusOpen:            "Aberto",
	StatusEvaluating:      "Avaliando Propostas",
	StatusScheduled:       "Agendado",
	StatusInProgress:      "Em Andamento",
	StatusCompleted:       "Concluído",
	StatusClientConfirmed: "Confirmado Pelo Cliente",
	StatusRated:           "Avaliado",
	StatusDisputed:        "Em Disputa",
	StatusCanceled:        "Cancelado",
}

// legacy tokens seen in stored records and older clients
var statusAliases = map[string]Status{
	"aberto":                  StatusOpen,
	"avaliando propostas":     StatusEvaluating,
	"agendado":                StatusScheduled,
	"em andamento":            StatusInProgress,
	"concluído":               StatusCompleted,
	"concluido":               StatusCompleted,
	"confirmado pelo cliente": StatusClientConfirmed,
	"finalizado":              StatusClientConfirmed,
	"avaliado":                StatusRated,
	"em disputa":              StatusDisputed,
	"disputa":                 StatusDisputed,
	"cancelado":               StatusCanceled,
}

// StatusLabel returns the pt-BR label shown to users.
func StatusLabel(s Status) string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// ParseStatus accepts a canonical token or a pt-BR label.
func ParseStatus(token string) (Status, error) {
	t := strings.TrimSpace(token)
	if s := Status(strings.ToLower(t)); s.Valid() {
		return s, nil
	}
	if s, ok := statusAliases[strings.ToLower(t)]; ok {
		return s, nil
	}
	return "", fmt.Errorf("invalid status %q", token)
}

// Package payment defines the hold/capture/refund contract the escrow
// coordinator consumes and ships two implementations of it.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Metadata travels with a hold so the gateway can reconcile it.
type Metadata struct {
	TaskID      string
	ClientID    string
	Description string
}

// Gateway moves client money. Capture and Refund are idempotent per hold:
// repeating the call that already settled a hold succeeds without moving
// money again, while crossing from captured to refunded fails.
type Gateway interface {
	CreateHold(ctx context.Context, amountCents int64, meta Metadata) (string, error)
	Capture(ctx context.Context, holdID string) error
	Refund(ctx context.Context, holdID string) error
}

var ErrUnknownHold = errors.New("unknown hold")

type holdState string

const (
	stateAuthorized holdState = "authorized"
	stateCaptured   holdState = "captured"
	stateRefunded   holdState = "refunded"
)

type sandboxHold struct {
	amount int64
	meta   Metadata
	state  holdState
}

// Sandbox is an in-memory gateway for development and tests.
// Set the Fail* fields to make the next calls fail.
type Sandbox struct {
	mu    sync.Mutex
	seq   int
	holds map[string]*sandboxHold

	FailHold    error
	FailCapture error
	FailRefund  error
}

func NewSandbox() *Sandbox {
	return &Sandbox{holds: make(map[string]*sandboxHold)}
}

func (s *Sandbox) CreateHold(ctx context.Context, amountCents int64, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailHold != nil {
		return "", s.FailHold
	}
	if amountCents <= 0 {
		return "", fmt.Errorf("amount must be positive, got %d", amountCents)
	}
	if s.holds == nil {
		s.holds = make(map[string]*sandboxHold)
	}
	s.seq++
	id := fmt.Sprintf("sbx-%06d", s.seq)
	s.holds[id] = &sandboxHold{amount: amountCents, meta: meta, state: stateAuthorized}
	return id, nil
}

func (s *Sandbox) Capture(ctx context.Context, holdID string) error {
	return s.settle(ctx, holdID, stateCaptured, &s.FailCapture)
}

func (s *Sandbox) Refund(ctx context.Context, holdID string) error {
	return s.settle(ctx, holdID, stateRefunded, &s.FailRefund)
}

func (s *Sandbox) settle(ctx context.Context, holdID string, to holdState, fail *error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if *fail != nil {
		return *fail
	}
	h, ok := s.holds[holdID]
	if !ok {
		return ErrUnknownHold
	}
	if h.state == to {
		return nil
	}
	if h.state != stateAuthorized {
		return fmt.Errorf("hold %s already %s", holdID, h.state)
	}
	h.state = to
	return nil
}

// Stats summarises what the sandbox has seen.
type Stats struct {
	Holds         int
	CapturedCents int64
	RefundedCents int64
}

func (s *Sandbox) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, h := range s.holds {
		st.Holds++
		switch h.state {
		case stateCaptured:
			st.CapturedCents += h.amount
		case stateRefunded:
			st.RefundedCents += h.amount
		}
	}
	return st
}

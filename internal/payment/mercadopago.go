package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultMercadoPagoURL = "https://api.mercadopago.com"

// MercadoPago authorizes a card payment without capturing it, then
// captures or cancels it once the task settles.
type MercadoPago struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

func NewMercadoPago(baseURL, accessToken string) *MercadoPago {
	if baseURL == "" {
		baseURL = defaultMercadoPagoURL
	}
	return &MercadoPago{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		AccessToken: accessToken,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

type mpPaymentRequest struct {
	TransactionAmount float64           `json:"transaction_amount"`
	Description       string            `json:"description,omitempty"`
	ExternalReference string            `json:"external_reference,omitempty"`
	Capture           bool              `json:"capture"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type mpPayment struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	StatusDetail string `json:"status_detail"`
}

func (m *MercadoPago) CreateHold(ctx context.Context, amountCents int64, meta Metadata) (string, error) {
	body := mpPaymentRequest{
		TransactionAmount: float64(amountCents) / 100,
		Description:       meta.Description,
		ExternalReference: meta.TaskID,
		Capture:           false,
		Metadata:          map[string]string{"task_id": meta.TaskID, "client_id": meta.ClientID},
	}
	var out mpPayment
	if err := m.do(ctx, http.MethodPost, "/v1/payments", "hold-"+meta.TaskID, body, &out); err != nil {
		return "", err
	}
	if out.Status != "authorized" && out.Status != "approved" {
		return "", fmt.Errorf("payment %d not authorized: %s (%s)", out.ID, out.Status, out.StatusDetail)
	}
	return strconv.FormatInt(out.ID, 10), nil
}

// Capture settles the authorization. The idempotency key is stable per
// hold, so a retried capture replays the first response.
func (m *MercadoPago) Capture(ctx context.Context, holdID string) error {
	var out mpPayment
	if err := m.do(ctx, http.MethodPut, "/v1/payments/"+holdID, "capture-"+holdID, map[string]any{"capture": true}, &out); err != nil {
		return err
	}
	if out.Status != "approved" {
		return fmt.Errorf("payment %s capture returned %s", holdID, out.Status)
	}
	return nil
}

// Refund cancels an uncaptured authorization, returning the funds to the client.
func (m *MercadoPago) Refund(ctx context.Context, holdID string) error {
	var out mpPayment
	if err := m.do(ctx, http.MethodPut, "/v1/payments/"+holdID, "cancel-"+holdID, map[string]any{"status": "cancelled"}, &out); err != nil {
		return err
	}
	if out.Status != "cancelled" {
		return fmt.Errorf("payment %s cancel returned %s", holdID, out.Status)
	}
	return nil
}

func (m *MercadoPago) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, m.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.AccessToken)
	req.Header.Set("X-Idempotency-Key", idempotencyKey)
	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("mercadopago %s %s: status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"backplane/internal/domain"
)

// Transport delivers one envelope to one subscriber. Implementations must
// treat any non-nil error as a retriable failure.
type Transport interface {
	Deliver(ctx context.Context, env domain.EventEnvelope, sub domain.ServiceEndpoint, attempt int) error
}

type deliveryBody struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Producer    string          `json:"producer"`
	CreatedAt   string          `json:"created_at"`
	CausationID string          `json:"causation_id,omitempty"`
	Attempt     int             `json:"attempt"`
	Payload     json.RawMessage `json:"payload"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

// HTTPTransport POSTs envelopes to the subscriber's registered address.
type HTTPTransport struct {
	Client *http.Client
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{}}
}

func (t *HTTPTransport) Deliver(ctx context.Context, env domain.EventEnvelope, sub domain.ServiceEndpoint, attempt int) error {
	body := deliveryBody{
		ID:        env.ID,
		Topic:     env.Topic,
		Producer:  env.Producer,
		CreatedAt: env.CreatedAt,
		Attempt:   attempt,
		Payload:   json.RawMessage([]byte("{}")),
	}
	if env.CausationID != nil {
		body.CausationID = *env.CausationID
	}
	if len(env.Payload) > 0 {
		if json.Valid(env.Payload) {
			body.Payload = json.RawMessage(env.Payload)
		} else {
			body.PayloadRaw = string(env.Payload)
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Address, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Backplane-Envelope", env.ID)
	req.Header.Set("X-Backplane-Topic", env.Topic)
	req.Header.Set("X-Backplane-Attempt", strconv.Itoa(attempt))
	res, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

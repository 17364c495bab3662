// Package backplanesdk is a minimal Go client for the Backplane HTTP API.
package backplanesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Backplane server. Set either BearerToken or APIKey;
// when both are empty the client works against a server in open mode.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// IngestResult is the routing outcome for a submitted envelope.
type IngestResult struct {
	ID                string             `json:"id"`
	Outcome           string             `json:"outcome"`
	RuleID            string             `json:"rule_id,omitempty"`
	SubscriberResults []SubscriberResult `json:"subscriber_results"`
}

// SubscriberResult reports delivery state for one subscriber.
type SubscriberResult struct {
	Subscriber string `json:"subscriber"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

// Envelope is the API envelope model.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Producer    string          `json:"producer"`
	CreatedAt   string          `json:"created_at"`
	CausationID *string         `json:"causation_id,omitempty"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

// Endpoint is a registered service endpoint.
type Endpoint struct {
	Name         string   `json:"name"`
	Topics       []string `json:"topics"`
	Address      string   `json:"address"`
	RegisteredAt string   `json:"registered_at"`
	HealthStatus string   `json:"health_status"`
	MissedProbes int      `json:"missed_probes"`
}

// Rule is one policy rule.
type Rule struct {
	ID           string `json:"id"`
	TopicPattern string `json:"topic_pattern"`
	Predicate    string `json:"predicate"`
	Priority     int    `json:"priority"`
	OnFail       string `json:"on_fail"`
	Description  string `json:"description,omitempty"`
}

// RuleSet is the active rule set with its version.
type RuleSet struct {
	Version int64  `json:"version"`
	Rules   []Rule `json:"rules"`
}

// EscalationItem is a held envelope awaiting review.
type EscalationItem struct {
	ID              string  `json:"id"`
	EnvelopeID      string  `json:"envelope_id"`
	ReasonRuleID    string  `json:"reason_rule_id"`
	EnqueuedAt      string  `json:"enqueued_at"`
	ExpiresAt       string  `json:"expires_at"`
	Status          string  `json:"status"`
	Reviewer        *string `json:"reviewer,omitempty"`
	DecisionComment string  `json:"decision_comment,omitempty"`
}

// AuditRecord is one entry in the hash-chained ledger.
type AuditRecord struct {
	Sequence   int64  `json:"sequence"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Stage      string `json:"stage"`
	Actor      string `json:"actor"`
	Timestamp  string `json:"timestamp"`
	Detail     string `json:"detail,omitempty"`
	PriorHash  string `json:"prior_hash"`
	Hash       string `json:"hash"`
}

// VerifyResult reports a ledger verification run.
type VerifyResult struct {
	Intact       bool   `json:"intact"`
	HeadSequence int64  `json:"head_sequence"`
	Failure      string `json:"failure,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Ingest submits an envelope. id and causationID may be empty.
func (c *Client) Ingest(ctx context.Context, topic string, payload json.RawMessage, id, causationID string) (IngestResult, error) {
	body := map[string]any{
		"topic":   topic,
		"payload": payload,
	}
	if id != "" {
		body["id"] = id
	}
	if causationID != "" {
		body["causation_id"] = causationID
	}
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "v0/ingest", body, &resp)
	return resp, err
}

// GetEnvelope fetches an envelope by id.
func (c *Client) GetEnvelope(ctx context.Context, id string) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodGet, "v0/envelopes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Receipts returns per-subscriber delivery receipts for an envelope.
func (c *Client) Receipts(ctx context.Context, envelopeID string) ([]SubscriberResult, error) {
	var resp []SubscriberResult
	err := c.do(ctx, http.MethodGet, "v0/envelopes/"+url.PathEscape(envelopeID)+"/receipts", nil, &resp)
	return resp, err
}

// RegisterEndpoint registers or refreshes a service endpoint.
func (c *Client) RegisterEndpoint(ctx context.Context, name string, topics []string, address string, refresh bool) (Endpoint, error) {
	body := map[string]any{
		"name":    name,
		"topics":  topics,
		"address": address,
		"refresh": refresh,
	}
	var resp Endpoint
	err := c.do(ctx, http.MethodPost, "v0/endpoints", body, &resp)
	return resp, err
}

// ListEndpoints returns all endpoints, unhealthy included.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var resp []Endpoint
	err := c.do(ctx, http.MethodGet, "v0/endpoints", nil, &resp)
	return resp, err
}

// DeregisterEndpoint removes an endpoint. Removing an unknown name is not an error.
func (c *Client) DeregisterEndpoint(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "v0/endpoints/"+url.PathEscape(name), nil, nil)
}

// ReportProbe records a health probe result for an endpoint.
func (c *Client) ReportProbe(ctx context.Context, name string, healthy bool) error {
	return c.do(ctx, http.MethodPost, "v0/endpoints/"+url.PathEscape(name)+"/probe", map[string]any{"healthy": healthy}, nil)
}

// Resolve returns the healthy subscribers for a concrete topic, in
// registration order.
func (c *Client) Resolve(ctx context.Context, topic string) ([]Endpoint, error) {
	var resp []Endpoint
	err := c.do(ctx, http.MethodGet, "v0/endpoints/resolve?topic="+url.QueryEscape(topic), nil, &resp)
	return resp, err
}

// Rules returns the active rule set.
func (c *Client) Rules(ctx context.Context) (RuleSet, error) {
	var resp RuleSet
	err := c.do(ctx, http.MethodGet, "v0/rules", nil, &resp)
	return resp, err
}

// ImportRules atomically replaces the active rule set.
func (c *Client) ImportRules(ctx context.Context, rules []Rule) (RuleSet, error) {
	var resp RuleSet
	err := c.do(ctx, http.MethodPut, "v0/rules", map[string]any{"rules": rules}, &resp)
	return resp, err
}

// ListEscalations lists escalation items. status and limit are optional filters.
func (c *Client) ListEscalations(ctx context.Context, status string, limit int) ([]EscalationItem, error) {
	endpoint := "v0/escalations"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []EscalationItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetEscalation fetches an escalation item by id.
func (c *Client) GetEscalation(ctx context.Context, itemID string) (EscalationItem, error) {
	var resp EscalationItem
	err := c.do(ctx, http.MethodGet, "v0/escalations/"+url.PathEscape(itemID), nil, &resp)
	return resp, err
}

// Decide applies a reviewer decision. newPayload is required for amend and
// ignored otherwise.
func (c *Client) Decide(ctx context.Context, itemID, decision, comment string, newPayload json.RawMessage) (EscalationItem, error) {
	body := map[string]any{
		"decision": decision,
	}
	if comment != "" {
		body["comment"] = comment
	}
	if len(newPayload) > 0 {
		body["payload"] = newPayload
	}
	var resp EscalationItem
	err := c.do(ctx, http.MethodPost, "v0/escalations/"+url.PathEscape(itemID)+"/decision", body, &resp)
	return resp, err
}

// AuditQuery returns the full stage history for one envelope.
func (c *Client) AuditQuery(ctx context.Context, envelopeID string) ([]AuditRecord, error) {
	var resp []AuditRecord
	err := c.do(ctx, http.MethodGet, "v0/audit/records?envelope_id="+url.QueryEscape(envelopeID), nil, &resp)
	return resp, err
}

// AuditRange returns ledger records in a sequence range.
func (c *Client) AuditRange(ctx context.Context, from, to int64) ([]AuditRecord, error) {
	endpoint := fmt.Sprintf("v0/audit/records?from=%d&to=%d", from, to)
	var resp []AuditRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AuditVerify recomputes the hash chain. Zero sequences verify the whole chain.
func (c *Client) AuditVerify(ctx context.Context, from, to int64) (VerifyResult, error) {
	body := map[string]any{}
	if from > 0 {
		body["from_sequence"] = from
	}
	if to > 0 {
		body["to_sequence"] = to
	}
	var resp VerifyResult
	err := c.do(ctx, http.MethodPost, "v0/audit/verify", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

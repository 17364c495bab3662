package server

import (
	"encoding/json"

	"backplane/internal/domain"
	"backplane/internal/router"
)

// Request payloads

type IngestRequest struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Producer    string          `json:"producer,omitempty"`
	ID          *string         `json:"id,omitempty"`
	CausationID *string         `json:"causation_id,omitempty"`
}

type RegisterEndpointRequest struct {
	Name    string   `json:"name"`
	Topics  []string `json:"topics"`
	Address string   `json:"address"`
	Refresh bool     `json:"refresh,omitempty"`
}

type ProbeReportRequest struct {
	Healthy bool `json:"healthy"`
}

type ImportRulesRequest struct {
	Rules []domain.PolicyRule `json:"rules"`
}

type DecisionRequest struct {
	Decision string          `json:"decision" enum:"approve,amend,reject"`
	Reviewer string          `json:"reviewer,omitempty"`
	Comment  string          `json:"comment,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type VerifyLedgerRequest struct {
	FromSequence int64 `json:"from_sequence,omitempty"`
	ToSequence   int64 `json:"to_sequence,omitempty"`
}

// Response payloads

type IngestResponse struct {
	ID                string                    `json:"id"`
	Outcome           string                    `json:"outcome" enum:"delivered,held,rejected"`
	RuleID            string                    `json:"rule_id,omitempty"`
	SubscriberResults []router.SubscriberResult `json:"subscriber_results"`
}

type EndpointResponse struct {
	Name         string   `json:"name"`
	Topics       []string `json:"topics"`
	Address      string   `json:"address"`
	RegisteredAt string   `json:"registered_at"`
	HealthStatus string   `json:"health_status" enum:"unknown,healthy,unreachable"`
	MissedProbes int      `json:"missed_probes"`
}

type EnvelopeResponse struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Producer    string          `json:"producer"`
	CreatedAt   string          `json:"created_at"`
	CausationID *string         `json:"causation_id,omitempty"`
	Status      string          `json:"status" enum:"ingested,held,delivered,rejected,expired"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

type RuleSetResponse struct {
	Version int64               `json:"version"`
	Rules   []domain.PolicyRule `json:"rules"`
}

type VerifyLedgerResponse struct {
	Intact       bool   `json:"intact"`
	HeadSequence int64  `json:"head_sequence"`
	Failure      string `json:"failure,omitempty"`
}

func ingestResponse(out router.Outcome) IngestResponse {
	results := out.Subscribers
	if results == nil {
		results = []router.SubscriberResult{}
	}
	return IngestResponse{
		ID:                out.ID,
		Outcome:           out.Outcome,
		RuleID:            out.RuleID,
		SubscriberResults: results,
	}
}

func endpointResponse(ep domain.ServiceEndpoint) EndpointResponse {
	return EndpointResponse{
		Name:         ep.Name,
		Topics:       ep.Topics,
		Address:      ep.Address,
		RegisteredAt: ep.RegisteredAt,
		HealthStatus: ep.HealthStatus,
		MissedProbes: ep.MissedProbes,
	}
}

func mapEndpoints(eps []domain.ServiceEndpoint) []EndpointResponse {
	out := make([]EndpointResponse, 0, len(eps))
	for _, ep := range eps {
		out = append(out, endpointResponse(ep))
	}
	return out
}

func envelopeResponse(env domain.EventEnvelope) EnvelopeResponse {
	res := EnvelopeResponse{
		ID:          env.ID,
		Topic:       env.Topic,
		Producer:    env.Producer,
		CreatedAt:   env.CreatedAt,
		CausationID: env.CausationID,
		Status:      env.Status,
	}
	if json.Valid(env.Payload) {
		res.Payload = json.RawMessage(env.Payload)
	} else {
		res.PayloadRaw = string(env.Payload)
	}
	return res
}

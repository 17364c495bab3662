package domain

// ServiceEndpoint is one registered consumer of routed envelopes.
type ServiceEndpoint struct {
	Name         string   `json:"name"`
	Topics       []string `json:"topics"`
	Address      string   `json:"address"`
	RegisteredAt string   `json:"registered_at" format:"date-time"`
	HealthStatus string   `json:"health_status" enum:"unknown,healthy,unreachable"`
	MissedProbes int      `json:"missed_probes,omitempty"`
	Position     int64    `json:"-"`
}

const (
	HealthUnknown     = "unknown"
	HealthHealthy     = "healthy"
	HealthUnreachable = "unreachable"
)

// EventEnvelope is the unit of routing.
type EventEnvelope struct {
	ID          string  `json:"id"`
	Topic       string  `json:"topic"`
	Payload     []byte  `json:"payload"`
	Producer    string  `json:"producer"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CausationID *string `json:"causation_id,omitempty"`
	Status      string  `json:"status" enum:"ingested,held,delivered,rejected,expired"`
}

const (
	EnvelopeIngested  = "ingested"
	EnvelopeHeld      = "held"
	EnvelopeDelivered = "delivered"
	EnvelopeRejected  = "rejected"
	EnvelopeExpired   = "expired"
)

// PolicyRule is one evaluable predicate over an envelope. Predicate is a CEL
// expression; a rule whose predicate evaluates to false triggers its OnFail
// verdict.
type PolicyRule struct {
	ID           string `json:"id" yaml:"id"`
	TopicPattern string `json:"topic_pattern" yaml:"topic_pattern"`
	Predicate    string `json:"predicate" yaml:"predicate"`
	Priority     int    `json:"priority" yaml:"priority"`
	OnFail       string `json:"on_fail" yaml:"on_fail" enum:"reject,escalate"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
}

const (
	OnFailReject   = "reject"
	OnFailEscalate = "escalate"
)

// AuditRecord is one immutable ledger line. Hash covers every other field
// including PriorHash, so the chain is tamper-evident end to end.
type AuditRecord struct {
	Sequence   int64  `json:"sequence"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Stage      string `json:"stage" enum:"registered,ingested,policy_evaluated,queued,delivered,decision,rejected,expired"`
	Actor      string `json:"actor"`
	Timestamp  string `json:"timestamp" format:"date-time"`
	Detail     string `json:"detail,omitempty"`
	PriorHash  string `json:"prior_hash"`
	Hash       string `json:"hash"`
}

const (
	StageRegistered      = "registered"
	StageIngested        = "ingested"
	StagePolicyEvaluated = "policy_evaluated"
	StageQueued          = "queued"
	StageDelivered       = "delivered"
	StageDecision        = "decision"
	StageRejected        = "rejected"
	StageExpired         = "expired"
)

// TerminalStage reports whether a stage closes an envelope's audit trail.
func TerminalStage(stage string) bool {
	switch stage {
	case StageDelivered, StageRejected, StageExpired:
		return true
	}
	return false
}

// EscalationItem is a paused envelope awaiting a human decision.
type EscalationItem struct {
	ID              string  `json:"id"`
	EnvelopeID      string  `json:"envelope_id"`
	ReasonRuleID    string  `json:"reason_rule_id"`
	EnqueuedAt      string  `json:"enqueued_at" format:"date-time"`
	ExpiresAt       string  `json:"expires_at" format:"date-time"`
	Status          string  `json:"status" enum:"pending,approved,amended,rejected,expired"`
	Reviewer        *string `json:"reviewer,omitempty"`
	DecisionComment string  `json:"decision_comment,omitempty"`
}

const (
	EscalationPending  = "pending"
	EscalationApproved = "approved"
	EscalationAmended  = "amended"
	EscalationRejected = "rejected"
	EscalationExpired  = "expired"
)

// DeliveryReceipt tracks the delivery state of one envelope to one subscriber.
// The (EnvelopeID, Subscriber) pair is the idempotency key: a subscriber in
// state delivered is never delivered to again, even under re-ingest.
type DeliveryReceipt struct {
	EnvelopeID string `json:"envelope_id"`
	Subscriber string `json:"subscriber"`
	Status     string `json:"status" enum:"pending,delivered,failed"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

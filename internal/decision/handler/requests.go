package handler

import (
	"time"

	"charter/internal/domain"
)

// DecideRequest is the wire form of an action submission.
type DecideRequest struct {
	ActionID  string         `json:"action_id"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload"`
	RiskLevel string         `json:"risk_level"`
	Timestamp time.Time      `json:"timestamp"`
	Tags      []string       `json:"tags,omitempty"`
}

// ToAction converts the request to the domain action. Validation happens in
// the service so malformed input is rejected uniformly.
func (r DecideRequest) ToAction() domain.Action {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.Action{
		ID:        r.ActionID,
		Actor:     r.Actor,
		Payload:   r.Payload,
		RiskLevel: domain.RiskLevel(r.RiskLevel),
		Timestamp: ts,
		Tags:      r.Tags,
	}
}

// ResolveRequest carries a reviewer verdict.
type ResolveRequest struct {
	Allow bool `json:"allow"`
}

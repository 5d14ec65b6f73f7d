package handler

import (
	"time"

	"charter/internal/domain"
)

// DecisionResponse is the wire form of a resolved decision.
type DecisionResponse struct {
	ActionID       string              `json:"action_id"`
	RulesetVersion string              `json:"ruleset_version"`
	Allow          bool                `json:"allow"`
	Score          float64             `json:"score"`
	Violations     []ViolationResponse `json:"violations,omitempty"`
	Tier           string              `json:"tier"`
	Status         string              `json:"status"`
	LatencyMS      float64             `json:"latency_ms"`
	ResolvedBy     string              `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
}

// ViolationResponse is the wire form of one violation.
type ViolationResponse struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Detail   string `json:"detail,omitempty"`
}

// PendingResponse is returned when a decision suspends for human review.
type PendingResponse struct {
	ActionID    string  `json:"action_id"`
	Status      string  `json:"status"`
	ReviewToken string  `json:"review_token"`
	Score       float64 `json:"score"`
	Tier        string  `json:"tier"`
}

// HealthResponse reports liveness and the active ruleset version.
type HealthResponse struct {
	Status         string            `json:"status"`
	RulesetVersion string            `json:"ruleset_version"`
	Components     map[string]string `json:"components,omitempty"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func toDecisionResponse(d *domain.Decision) DecisionResponse {
	resp := DecisionResponse{
		ActionID:       d.ActionID,
		RulesetVersion: d.RulesetVersion,
		Allow:          d.Allow,
		Score:          d.Score,
		Tier:           d.TierReached.String(),
		Status:         string(d.Status),
		LatencyMS:      d.LatencyMS,
		ResolvedBy:     d.ResolvedBy,
	}
	if !d.ResolvedAt.IsZero() {
		t := d.ResolvedAt
		resp.ResolvedAt = &t
	}
	for _, v := range d.Violations {
		resp.Violations = append(resp.Violations, ViolationResponse{
			Kind:     v.Kind,
			Severity: string(v.Severity),
			Detail:   v.Detail,
		})
	}
	return resp
}

package domain

import "errors"

// Sentinel errors for the decision and audit paths. Services return these
// (optionally wrapped) so transports can translate them into responses.
//
// Evaluation-path errors resolve to a safe deny decision rather than
// propagating to the caller; only ErrMalformedAction surfaces as an explicit
// rejection, distinct from denial.
var (
	ErrMalformedAction  = errors.New("malformed action")
	ErrCacheUnavailable = errors.New("decision cache unavailable")
	ErrConsensusTimeout = errors.New("consensus timeout")
	ErrReviewTimeout    = errors.New("human review timeout")
	ErrPendingNotFound  = errors.New("pending review not found")
	ErrPublishFailure   = errors.New("audit publish failure")
)

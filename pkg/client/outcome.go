package client

import "time"

// OutcomeKind is the terminal classification of one identifier fetch.
type OutcomeKind string

const (
	OutcomeSuccess            OutcomeKind = "success"
	OutcomeNotFound           OutcomeKind = "not_found"
	OutcomeBadRequest         OutcomeKind = "bad_request"
	OutcomeRateLimited        OutcomeKind = "rate_limited"
	OutcomeServerError        OutcomeKind = "server_error"
	OutcomeUnexpectedStatus   OutcomeKind = "unexpected_status"
	OutcomeTransportError     OutcomeKind = "transport_error"
	OutcomeInvalidIdentifier  OutcomeKind = "invalid_identifier"
	OutcomeValidationError    OutcomeKind = "validation_error"
	OutcomeRateLimiterTimeout OutcomeKind = "rate_limiter_timeout"
	OutcomeCancelled          OutcomeKind = "cancelled"
	OutcomeFetchError         OutcomeKind = "fetch_error"

	// OutcomeInternalError marks a panic recovered while fetching.
	OutcomeInternalError OutcomeKind = "internal_error"
)

// IsPrecondition reports whether the outcome was decided without any
// network activity.
func (k OutcomeKind) IsPrecondition() bool {
	return k == OutcomeInvalidIdentifier
}

// FetchOutcome is the result of one identifier fetch after all retries.
type FetchOutcome struct {
	Identifier string      `json:"identifier"`
	Partition  string      `json:"partition"`
	Kind       OutcomeKind `json:"outcome"`
	Success    bool        `json:"success"`
	StatusCode int         `json:"status_code,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	RetryCount int         `json:"retry_count"`
}

func classifyResponse(status int) OutcomeKind {
	switch {
	case status == 200:
		return OutcomeSuccess
	case status == 404:
		return OutcomeNotFound
	case status == 400:
		return OutcomeBadRequest
	case status == 429:
		return OutcomeRateLimited
	case status >= 500 && status < 600:
		return OutcomeServerError
	default:
		return OutcomeUnexpectedStatus
	}
}

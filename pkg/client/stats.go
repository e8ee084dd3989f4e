package client

import "time"

// Stats counts terminal outcomes and network calls of one Client.
type Stats struct {
	Total              int64         `json:"total"`
	Succeeded          int64         `json:"succeeded"`
	NotFound           int64         `json:"not_found"`
	BadRequest         int64         `json:"bad_request"`
	RateLimited        int64         `json:"rate_limited"`
	ServerError        int64         `json:"server_error"`
	TransportError     int64         `json:"transport_error"`
	UnexpectedStatus   int64         `json:"unexpected_status"`
	InvalidIdentifier  int64         `json:"invalid_identifier"`
	ValidationError    int64         `json:"validation_error"`
	RateLimiterTimeout int64         `json:"rate_limiter_timeout"`
	Cancelled          int64         `json:"cancelled"`
	OtherError         int64         `json:"other_error"`
	Requests           int64         `json:"requests"`
	Retries            int64         `json:"retries"`
	TotalRequestTime   time.Duration `json:"total_request_time"`
}

// Failed returns the number of non-successful outcomes.
func (s Stats) Failed() int64 {
	return s.Total - s.Succeeded
}

// SuccessRate returns the percentage of successful outcomes.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Total += o.Total
	s.Succeeded += o.Succeeded
	s.NotFound += o.NotFound
	s.BadRequest += o.BadRequest
	s.RateLimited += o.RateLimited
	s.ServerError += o.ServerError
	s.TransportError += o.TransportError
	s.UnexpectedStatus += o.UnexpectedStatus
	s.InvalidIdentifier += o.InvalidIdentifier
	s.ValidationError += o.ValidationError
	s.RateLimiterTimeout += o.RateLimiterTimeout
	s.Cancelled += o.Cancelled
	s.OtherError += o.OtherError
	s.Requests += o.Requests
	s.Retries += o.Retries
	s.TotalRequestTime += o.TotalRequestTime
}

func (s *Stats) record(kind OutcomeKind) {
	s.Total++
	switch kind {
	case OutcomeSuccess:
		s.Succeeded++
	case OutcomeNotFound:
		s.NotFound++
	case OutcomeBadRequest:
		s.BadRequest++
	case OutcomeRateLimited:
		s.RateLimited++
	case OutcomeServerError:
		s.ServerError++
	case OutcomeTransportError:
		s.TransportError++
	case OutcomeUnexpectedStatus:
		s.UnexpectedStatus++
	case OutcomeInvalidIdentifier:
		s.InvalidIdentifier++
	case OutcomeValidationError:
		s.ValidationError++
	case OutcomeRateLimiterTimeout:
		s.RateLimiterTimeout++
	case OutcomeCancelled:
		s.Cancelled++
	default:
		s.OtherError++
	}
}

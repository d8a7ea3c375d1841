package fetch

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrBlocked          = errors.New("blocked")
	ErrTimedOut         = errors.New("timed out")
	ErrTransport        = errors.New("transport error")
	ErrHTTPStatus       = errors.New("unexpected http status")
	ErrCancelled        = errors.New("fetch cancelled")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Transport fetches a URL and returns the document body. A failed fetch
// returns a *FetchError once its retry budget is spent.
type Transport interface {
	Fetch(ctx context.Context, url string) (string, error)
	Name() string
	Close() error
}

// ProxySelector is the slice of the proxy pool a transport needs.
type ProxySelector interface {
	Select() (string, bool)
	ReportSuccess(proxyURL string)
	ReportFailure(proxyURL string)
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeBlocked
	OutcomeTimedOut
	OutcomeTransportError
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Retryable reports whether the outcome consumes retry budget rather than
// ending the fetch.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeRateLimited, OutcomeBlocked, OutcomeTimedOut, OutcomeTransportError:
		return true
	}
	return false
}

func (o Outcome) sentinel() error {
	switch o {
	case OutcomeRateLimited:
		return ErrRateLimited
	case OutcomeBlocked:
		return ErrBlocked
	case OutcomeTimedOut:
		return ErrTimedOut
	case OutcomeTransportError:
		return ErrTransport
	case OutcomeFailed:
		return ErrHTTPStatus
	case OutcomeCancelled:
		return ErrCancelled
	}
	return nil
}

// Attempt describes a single try within one logical fetch.
type Attempt struct {
	URL        string
	Proxy      string
	Retry      int
	Outcome    Outcome
	StatusCode int
	Err        error
}

// ClassifyStatus maps an HTTP status to an attempt outcome. okBelow is the
// exclusive upper bound of statuses treated as success (201 means "200 only").
func ClassifyStatus(status, okBelow int) Outcome {
	switch {
	case status == 429:
		return OutcomeRateLimited
	case status == 403:
		return OutcomeBlocked
	case status >= 200 && status < okBelow:
		return OutcomeSuccess
	default:
		return OutcomeFailed
	}
}

// FetchError is the terminal failure of a logical fetch.
type FetchError struct {
	URL        string
	Outcome    Outcome
	Attempts   int
	StatusCode int
	Exhausted  bool
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s after %d attempt(s)", e.URL, e.Outcome, e.Attempts)
	if e.Exhausted {
		msg += " (retries exhausted)"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 3)
	if s := e.Outcome.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Exhausted {
		errs = append(errs, ErrRetriesExhausted)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newFetchError(a Attempt, exhausted bool) *FetchError {
	return &FetchError{
		URL:        a.URL,
		Outcome:    a.Outcome,
		Attempts:   a.Retry + 1,
		StatusCode: a.StatusCode,
		Exhausted:  exhausted,
		Err:        a.Err,
	}
}

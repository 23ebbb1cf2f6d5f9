package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

// ErrNoProviderAvailable is returned when every configured provider failed or had no data.
var ErrNoProviderAvailable = errors.New("fetcher: no provider available")

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindUnconfigured ErrorKind = "unconfigured"
	KindRateLimited  ErrorKind = "rate_limited"
	KindUpstream     ErrorKind = "upstream_error"
	KindEmptyResult  ErrorKind = "empty_result"
)

// ProviderError is the typed error every DataSource returns.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	// Temporary marks failures worth retrying: network errors, 5xx and 429.
	Temporary bool
	Err       error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsKind reports whether err is a ProviderError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Kind == kind
}

func unconfigured(provider string) error {
	return &ProviderError{Provider: provider, Kind: KindUnconfigured, Err: errors.New("credentials not configured")}
}

func emptyResult(provider, instrument string) error {
	return &ProviderError{Provider: provider, Kind: KindEmptyResult, Err: fmt.Errorf("no data for %s", instrument)}
}

func rateLimited(provider string, msg string) error {
	return &ProviderError{Provider: provider, Kind: KindRateLimited, Temporary: true, Err: errors.New(msg)}
}

func transportError(provider string, err error) error {
	return &ProviderError{Provider: provider, Kind: KindUpstream, Temporary: true, Err: err}
}

func parseError(provider string, err error) error {
	return &ProviderError{Provider: provider, Kind: KindUpstream, Err: fmt.Errorf("parse response: %w", err)}
}

func upstreamMessage(provider string, msg string) error {
	return &ProviderError{Provider: provider, Kind: KindUpstream, Err: errors.New(msg)}
}

func statusError(provider string, status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	perr := &ProviderError{Provider: provider, Kind: KindUpstream, StatusCode: status, Err: errors.New(msg)}
	switch {
	case status == http.StatusTooManyRequests:
		perr.Kind = KindRateLimited
		perr.Temporary = true
	case status >= 500:
		perr.Temporary = true
	}
	return perr
}

// retryable decides whether the shared retry wrapper should try again.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Kind {
	case KindUnconfigured, KindEmptyResult:
		return false
	}
	return perr.Temporary
}

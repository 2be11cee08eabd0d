// Package apperrors defines the typed failures that cross component
// boundaries. Every error here carries a machine-readable Kind that the HTTP
// layer and the message bus report to callers.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindConfigurationNotAvailable Kind = "configuration_not_available"
	KindConfigEnforcement         Kind = "config_enforcement"
	KindInvalidCorpus             Kind = "invalid_corpus"
	KindLegExecution              Kind = "leg_execution"
	KindAllLegsFailed             Kind = "all_legs_failed"
	KindNegotiationTimeout        Kind = "negotiation_timeout"
	KindHandshakeTimeout          Kind = "handshake_timeout"
	KindInvalidInput              Kind = "invalid_input"
	KindInternal                  Kind = "internal"
)

// ErrInvalidInput marks caller mistakes such as a missing query or an
// unknown query type.
var ErrInvalidInput = errors.New("invalid input")

// InvalidInput wraps ErrInvalidInput with a message.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ConfigurationNotAvailableError means a learned or infrastructure value
// could not be resolved. It is never replaced by a default.
type ConfigurationNotAvailableError struct {
	Parameter string
	Domain    string
	QueryType string
	Reason    string
	Err       error
}

func (e *ConfigurationNotAvailableError) Error() string {
	var b strings.Builder
	b.WriteString("configuration not available")
	if e.Parameter != "" {
		fmt.Fprintf(&b, ": parameter %q", e.Parameter)
	}
	if e.Domain != "" {
		fmt.Fprintf(&b, " for domain %q", e.Domain)
	}
	if e.QueryType != "" {
		fmt.Fprintf(&b, " (query type %s)", e.QueryType)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationNotAvailableError) Unwrap() error { return e.Err }
func (e *ConfigurationNotAvailableError) Kind() Kind    { return KindConfigurationNotAvailable }
func (e *ConfigurationNotAvailableError) DomainName() string {
	return e.Domain
}

// Violation is one value whose provenance matched a forbidden pattern.
type Violation struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	Source  string `json:"source"`
	Pattern string `json:"pattern"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s=%v (source %q matches %s)", v.Key, v.Value, v.Source, v.Pattern)
}

// ConfigEnforcementError is raised in production mode when a configuration
// carries forbidden provenance. Persistence is blocked.
type ConfigEnforcementError struct {
	Domain     string
	Violations []Violation
}

func (e *ConfigEnforcementError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("config enforcement failed with %d violation(s): %s", len(e.Violations), strings.Join(parts, "; "))
}

func (e *ConfigEnforcementError) Kind() Kind         { return KindConfigEnforcement }
func (e *ConfigEnforcementError) DomainName() string { return e.Domain }

type InvalidCorpusError struct {
	Domain        string
	DocumentCount int
	Reason        string
}

func (e *InvalidCorpusError) Error() string {
	return fmt.Sprintf("invalid corpus for domain %q (%d documents): %s", e.Domain, e.DocumentCount, e.Reason)
}

func (e *InvalidCorpusError) Kind() Kind         { return KindInvalidCorpus }
func (e *InvalidCorpusError) DomainName() string { return e.Domain }

// LegExecutionError records one failed or timed out search leg. It is
// absorbed by synthesis unless every leg fails.
type LegExecutionError struct {
	Leg      string
	TimedOut bool
	Err      error
}

func (e *LegExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s leg timed out: %v", e.Leg, e.Err)
	}
	return fmt.Sprintf("%s leg failed: %v", e.Leg, e.Err)
}

func (e *LegExecutionError) Unwrap() error { return e.Err }
func (e *LegExecutionError) Kind() Kind    { return KindLegExecution }

type AllLegsFailedError struct {
	Domain string
	Legs   []*LegExecutionError
}

func (e *AllLegsFailedError) Error() string {
	parts := make([]string, 0, len(e.Legs))
	for _, l := range e.Legs {
		parts = append(parts, l.Error())
	}
	return fmt.Sprintf("all search legs failed for domain %q: %s", e.Domain, strings.Join(parts, "; "))
}

func (e *AllLegsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Legs))
	for _, l := range e.Legs {
		errs = append(errs, l)
	}
	return errs
}

func (e *AllLegsFailedError) Kind() Kind         { return KindAllLegsFailed }
func (e *AllLegsFailedError) DomainName() string { return e.Domain }

type NegotiationTimeoutError struct {
	Peer          string
	CorrelationID string
	Timeout       time.Duration
}

func (e *NegotiationTimeoutError) Error() string {
	return fmt.Sprintf("no response from %s for request %s within %s", e.Peer, e.CorrelationID, e.Timeout)
}

func (e *NegotiationTimeoutError) Kind() Kind { return KindNegotiationTimeout }

type HandshakeTimeoutError struct {
	Peer    string
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("handshake with %s not acknowledged within %s", e.Peer, e.Timeout)
}

func (e *HandshakeTimeoutError) Kind() Kind { return KindHandshakeTimeout }

type kinded interface {
	Kind() Kind
}

type domained interface {
	DomainName() string
}

// KindOf returns the kind of the first typed error in err's chain.
// Untyped errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrInvalidInput) {
		return KindInvalidInput
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// DomainOf returns the domain named by the first typed error in err's chain.
func DomainOf(err error) string {
	var d domained
	if errors.As(err, &d) {
		return d.DomainName()
	}
	return ""
}

// NotAvailable builds a ConfigurationNotAvailableError.
func NotAvailable(parameter, domain, reason string) error {
	return &ConfigurationNotAvailableError{Parameter: parameter, Domain: domain, Reason: reason}
}

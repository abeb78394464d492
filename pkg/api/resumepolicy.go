package api

import (
	"strings"
	"time"
)

// ResumePolicy makes a class of errors eligible for automatic retry.
// The first matching policy stamps the errored action with a
// nextAutoResume timestamp; the auto-resume sweep picks it up once the
// delay elapses. Without a matching policy, recovery requires an
// operator.
type ResumePolicy struct {
	// Name is recorded on the action as the nextAutoResumeReason.
	Name string `json:"name"`

	// ErrorSubstring limits the policy to errors whose cause contains
	// this text. Empty matches every error.
	ErrorSubstring string `json:"errorSubstring,omitempty"`

	// DataSource limits the policy to DeltaFiles from one data source.
	// Empty matches all.
	DataSource string `json:"dataSource,omitempty"`

	// Delay is how long after the error the retry becomes eligible.
	Delay time.Duration `json:"delay"`

	// MaxAttempts stops retrying once the action's attempt reaches this
	// count. Zero means no limit.
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

// Matches reports whether the policy applies to the given error.
func (p ResumePolicy) Matches(dataSource, errorCause string, attempt int) bool {
	if p.DataSource != "" && p.DataSource != dataSource {
		return false
	}
	if p.ErrorSubstring != "" && !strings.Contains(errorCause, p.ErrorSubstring) {
		return false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return false
	}
	return true
}

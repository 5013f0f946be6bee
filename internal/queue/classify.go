package queue

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Category buckets an error by how the worker should react.
type Category string

const (
	// CategoryTransient errors are retried with backoff.
	CategoryTransient Category = "transient"
	// CategoryPermanent errors fail the job immediately.
	CategoryPermanent Category = "permanent"
	// CategoryUnknown errors get one retry, then fail.
	CategoryUnknown Category = "unknown"
)

// Classification is the result of classifying a job failure. Reason is a
// stable snake_case string stored with the job for observability.
type Classification struct {
	Category Category
	Reason   string
}

// Retriable reports whether the category allows another attempt.
func (c Classification) Retriable() bool {
	return c.Category != CategoryPermanent
}

// Sentinel errors classified as permanent.
var (
	ErrInvalidSession = errors.New("invalid session")
	ErrMissingSkill   = errors.New("required skill missing")
	ErrInvalidPayload = errors.New("invalid analyzer payload")
)

// classifier rule, first match wins.
type rule struct {
	match    func(err error, msg string) bool
	category Category
	reason   string
}

var rules = []rule{
	{func(err error, _ string) bool { return os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) }, CategoryPermanent, "file_not_found"},
	{func(_ error, msg string) bool { return strings.Contains(msg, "no such file") }, CategoryPermanent, "file_not_found"},
	{func(err error, _ string) bool { return errors.Is(err, ErrInvalidSession) }, CategoryPermanent, "invalid_session"},
	{func(err error, _ string) bool { return errors.Is(err, ErrMissingSkill) }, CategoryPermanent, "missing_skill"},
	{func(err error, _ string) bool { return errors.Is(err, ErrInvalidPayload) }, CategoryPermanent, "invalid_payload"},
	{func(_ error, msg string) bool { return strings.Contains(msg, "validation") }, CategoryPermanent, "validation_error"},
	{func(err error, msg string) bool {
		return errors.Is(err, context.Canceled) || strings.Contains(msg, "context canceled")
	}, CategoryTransient, "shutdown_interrupted"},
	{func(err error, msg string) bool {
		return errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "etimedout")
	}, CategoryTransient, "timeout"},
	{func(_ error, msg string) bool {
		return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate-limit") || strings.Contains(msg, "too many requests")
	}, CategoryTransient, "rate_limited"},
	{func(_ error, msg string) bool {
		return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "broken pipe") || strings.Contains(msg, "econnrefused") ||
			strings.Contains(msg, "econnreset") || strings.Contains(msg, "network is unreachable") ||
			strings.Contains(msg, "no such host")
	}, CategoryTransient, "network_error"},
	{func(_ error, msg string) bool {
		return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy") || strings.Contains(msg, "sqlite_busy")
	}, CategoryTransient, "database_busy"},
}

// Classify maps an error to its category and stable reason by matching the
// error chain and message against canonical patterns.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Reason: "no_error"}
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if r.match(err, msg) {
			return Classification{Category: r.category, Reason: r.reason}
		}
	}
	return Classification{Category: CategoryUnknown, Reason: "unclassified"}
}

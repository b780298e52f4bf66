package scheduler

import (
	"strings"

	"github.com/basket/nanoclaw/internal/store"
)

// Pattern classifies a failed task run and drives the auto-recovery policy.
type Pattern string

const (
	PatternOrphaned    Pattern = "orphaned"
	PatternRateLimited Pattern = "rate-limited"
	PatternTimeout     Pattern = "timeout"
	PatternPersistent  Pattern = "persistent"
	PatternTransient   Pattern = "transient"
	PatternUnknown     Pattern = "unknown"
)

// Diagnosis is the classification of one failure plus the action to take.
type Diagnosis struct {
	Pattern        Pattern
	Summary        string
	Recommendation string
}

// errorKey normalizes an error for identity comparison: lowercase, trimmed,
// truncated to a fixed prefix so trailing variable detail (ids, timestamps)
// does not defeat the match.
func errorKey(s string) string {
	key := strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(key, '\n'); i >= 0 {
		key = key[:i]
	}
	const max = 80
	if len(key) > max {
		key = key[:max]
	}
	return key
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Diagnose classifies the current error given the most recent run logs
// (newest first).
func Diagnose(errMsg string, recent []store.TaskRunLog) Diagnosis {
	lower := strings.ToLower(errMsg)

	switch {
	case containsAny(lower, "group not found", "chat not found"):
		return Diagnosis{
			Pattern:        PatternOrphaned,
			Summary:        "the task's chat no longer exists",
			Recommendation: "task deactivated; re-register the chat and schedule it again",
		}
	case containsAny(lower, "rate limit", "429", "too many requests", "api error"):
		return Diagnosis{
			Pattern:        PatternRateLimited,
			Summary:        "the upstream service is rate limiting",
			Recommendation: "retrying with maximum backoff",
		}
	case containsAny(lower, "timeout", "timed out"):
		return Diagnosis{
			Pattern:        PatternTimeout,
			Summary:        "the run exceeded its time budget",
			Recommendation: "consider increasing the task idle timeout; retrying",
		}
	}

	// Identity across recent failed runs decides persistent vs transient.
	key := errorKey(errMsg)
	matching, failures := 0, 0
	for _, log := range recent {
		if log.Status != "error" {
			continue
		}
		failures++
		if errorKey(log.Error) == key {
			matching++
		}
	}
	switch {
	case matching >= 2:
		return Diagnosis{
			Pattern:        PatternPersistent,
			Summary:        "the same error keeps recurring",
			Recommendation: "task paused; fix the underlying problem, then resume it",
		}
	case failures >= 2:
		return Diagnosis{
			Pattern:        PatternTransient,
			Summary:        "recent failures look unrelated",
			Recommendation: "retrying",
		}
	default:
		return Diagnosis{
			Pattern:        PatternUnknown,
			Summary:        "unrecognized failure",
			Recommendation: "retrying",
		}
	}
}

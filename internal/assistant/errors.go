package assistant

import (
	"context"
	"errors"
	"strings"
)

// Kind is the classified failure of a model call.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindAuthInvalid
	KindNetwork
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the only failure a caller sees from a model call. The provider's
// own error is kept for logging but not exposed through Unwrap.
type Error struct {
	Op    string
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String()
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrRateLimited)
// works regardless of Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrRateLimited = &Error{Kind: KindRateLimited}
	ErrAuthInvalid = &Error{Kind: KindAuthInvalid}
	ErrNetwork     = &Error{Kind: KindNetwork}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrUnknown     = &Error{Kind: KindUnknown}

	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrEmptyImage  = errors.New("image is empty")
	ErrNoContext   = errors.New("no context available")
)

type phraseRule struct {
	kind    Kind
	phrases []string
}

// classifyRules is checked in order; the first rule with a matching phrase
// wins.
var classifyRules = []phraseRule{
	{KindRateLimited, []string{"429", "resource_exhausted", "resource has been exhausted", "quota", "rate limit", "ratelimit", "too many requests"}},
	{KindAuthInvalid, []string{"401", "403", "unauthenticated", "permission_denied", "api key", "api_key", "apikey", "unauthorized", "invalid credential"}},
	{KindTimeout, []string{"deadline exceeded", "timeout", "timed out", "deadline_exceeded"}},
	{KindNetwork, []string{"connection refused", "connection reset", "no such host", "network", "dial tcp", "unreachable", "broken pipe", "eof", "unavailable", "503"}},
}

// Classify maps a provider error onto a Kind by inspecting its message.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(msg, phrase) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}

// Package redact masks personally identifiable information in captured text
// before it leaves the device.
package redact

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Match reports how many times a category was masked in one call.
type Match struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Result is produced fresh for every call and never persisted.
type Result struct {
	Masked  string  `json:"masked"`
	Matches []Match `json:"matches,omitempty"`
}

// Total returns the number of masked spans across all categories.
func (r Result) Total() int {
	n := 0
	for _, m := range r.Matches {
		n += m.Count
	}
	return n
}

type rule struct {
	category string
	token    string
	patterns []*regexp.Regexp
}

// Rules run in this order. Each rule masks every match before the next one
// runs, so a span claimed by an earlier rule is never seen by a later one.
// Tokens contain no digits, '@' or URL schemes.
var rules = []rule{
	{
		category: "url_token",
		token:    "[URL]",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhttps?://[^\s/?#@]+@[^\s]*`),
			regexp.MustCompile(`(?i)\bhttps?://[^\s?#]*\?[^\s]*?\b(?:access_token|token|api_?key|key|sig|signature|secret|password|auth|code)=[^\s]*`),
		},
	},
	{
		category: "email",
		token:    "[EMAIL]",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`),
		},
	},
	{
		category: "api_key",
		token:    "[API_KEY]",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{16,}`),
			regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`),
			regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
			regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`),
			regexp.MustCompile(`\b(?i:bearer)\s+[A-Za-z0-9._~+/-]{16,}=*`),
		},
	},
	{
		category: "card",
		token:    "[CARD]",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`),
			regexp.MustCompile(`\b\d{4}[ -]?\d{6}[ -]?\d{5}\b`),
		},
	},
	{
		category: "national_id",
		token:    "[NATIONAL_ID]",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			regexp.MustCompile(`\b[2-9]\d{3}[ -]?\d{4}[ -]?\d{4}\b`),
		},
	},
	{
		category: "ip",
		token:    "[IP]",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
		},
	},
	{
		category: "structured_id",
		token:    "[ID]",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b[A-Z]{5}\d{4}[A-Z]\b`),
			regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
			regexp.MustCompile(`\b[A-Z]\d{7}\b`),
		},
	},
	{
		category: "phone",
		token:    "[PHONE]",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?:\+91[\s-]?)?\b[6-9]\d{4}[\s-]?\d{5}\b`),
			regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?(?:\(\d{3}\)|\b\d{3})[\s.-]?\d{3}[\s.-]?\d{4}\b`),
		},
	},
	{
		category: "number",
		token:    "[NUMBER]",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b\d{9,18}\b`),
		},
	},
}

// Redactor holds no per-call state. Compiled regexps are safe for concurrent
// use, so one Redactor may be shared across goroutines.
type Redactor struct {
	logger  *slog.Logger
	matches metric.Int64Counter
}

func New(logger *slog.Logger) *Redactor {
	r := &Redactor{logger: logger.With(slog.String("component", "redactor"))}
	counter, err := otel.Meter("github.com/loqalabs/loqa-assist/redact").Int64Counter(
		"loqa.redact.matches",
		metric.WithDescription("Masked PII spans by category"),
	)
	if err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		r.matches = counter
	}
	return r
}

// Redact masks every configured PII pattern in text. It never fails.
func (r *Redactor) Redact(text string) Result {
	if text == "" {
		return Result{}
	}
	masked := text
	var found []Match
	for _, rl := range rules {
		count := 0
		for _, re := range rl.patterns {
			masked = re.ReplaceAllStringFunc(masked, func(string) string {
				count++
				return rl.token
			})
		}
		if count > 0 {
			found = appendMatch(found, rl.category, count)
		}
	}
	res := Result{Masked: masked, Matches: found}
	r.report(res)
	return res
}

// RedactValue accepts untyped input. Anything that is not a string yields an
// empty result.
func (r *Redactor) RedactValue(v any) Result {
	s, ok := v.(string)
	if !ok {
		return Result{}
	}
	return r.Redact(s)
}

// ContainsPII reports whether any rule would mask part of text.
func (r *Redactor) ContainsPII(text string) bool {
	if text == "" {
		return false
	}
	for _, rl := range rules {
		for _, re := range rl.patterns {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

// Categories lists rule categories in application order.
func Categories() []string {
	seen := make(map[string]bool, len(rules))
	var out []string
	for _, rl := range rules {
		if !seen[rl.category] {
			seen[rl.category] = true
			out = append(out, rl.category)
		}
	}
	return out
}

func (r *Redactor) report(res Result) {
	if len(res.Matches) == 0 {
		return
	}
	parts := make([]string, 0, len(res.Matches))
	for _, m := range res.Matches {
		parts = append(parts, m.Category)
		if r.matches != nil {
			r.matches.Add(context.Background(), int64(m.Count), metric.WithAttributes(attribute.String("category", m.Category)))
		}
	}
	r.logger.Debug("pii masked",
		slog.String("categories", strings.Join(parts, ",")),
		slog.Int("total", res.Total()),
	)
}

func appendMatch(found []Match, category string, count int) []Match {
	for i := range found {
		if found[i].Category == category {
			found[i].Count += count
			return found
		}
	}
	return append(found, Match{Category: category, Count: count})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Package redact implements the secret redactor: a pure function from
// text or structured values to a redacted variant, matching a fixed
// pattern set (hosting-service tokens, cloud access keys, generic
// key=value pairs) and stripping sensitive headers by name.
//
// Redact and RedactValue never mutate their input and never fail: an
// unredactable value is returned unchanged, because a redactor that panics
// or errors on malformed input would itself become an availability risk for
// every caller upstream of it (the logger, the audit trail).
package redact

import (
	"fmt"
	"regexp"
)

// Pattern is a named regular expression whose matches are replaced with
// "[REDACTED:<Name>]".
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

var defaultPatterns = []Pattern{
	{"github_pat", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`)},
	{"github_pat", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"aws_secret_key", regexp.MustCompile(`(?i)(aws_secret_access_key\s*[:=]\s*)([A-Za-z0-9/+=]{40})`)},
	{"bearer_token", regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-._~+/]+=*)`)},
	{"basic_auth", regexp.MustCompile(`(?i)(basic\s+)([A-Za-z0-9+/]+=*)`)},
	{"generic_secret", regexp.MustCompile(`(?i)\b((?:token|secret|password|passwd|api[_-]?key|credential)\s*[:=]\s*)("?[^\s"',}]+"?)`)},
}

// sensitiveHeaders are header names (case-insensitive) whose values are
// always fully replaced by RedactValue when walking a structured value
// known to represent HTTP headers.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
	"x-api-key":     {},
	"x-auth-token":  {},
	"proxy-authorization": {},
}

const maxDepth = 32

// Config configures a Redactor beyond the fixed default pattern set.
type Config struct {
	// ExtraPatterns are appended after the default patterns and run in
	// addition to them.
	ExtraPatterns []Pattern
}

// Redactor applies the pattern set to text and structured values. The zero
// value is usable and behaves like New(Config{}).
type Redactor struct {
	patterns []Pattern
}

// CompilePattern builds a named Pattern from a regular expression string,
// for callers (e.g. boot.LoadConfigFile) that accept extra redaction
// patterns as configuration rather than Go source.
func CompilePattern(name, pattern string) (Pattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Pattern{}, fmt.Errorf("redact: compile pattern %q: %w", name, err)
	}
	return Pattern{Name: name, Re: re}, nil
}

// New builds a Redactor with the fixed pattern set plus any extras from cfg.
func New(cfg Config) *Redactor {
	patterns := make([]Pattern, 0, len(defaultPatterns)+len(cfg.ExtraPatterns))
	patterns = append(patterns, defaultPatterns...)
	patterns = append(patterns, cfg.ExtraPatterns...)
	return &Redactor{patterns: patterns}
}

// Redact scans text for every configured pattern and replaces matches with
// "[REDACTED:<pattern-name>]". Patterns with a capture group preserve the
// group before the secret (e.g. "token=" in "token=[REDACTED:generic_secret]")
// so the surrounding context stays readable.
func (r *Redactor) Redact(text string) string {
	if r == nil {
		r = New(Config{})
	}
	out := text
	for _, p := range r.patterns {
		out = p.Re.ReplaceAllStringFunc(out, func(match string) string {
			sub := p.Re.FindStringSubmatch(match)
			if len(sub) >= 3 {
				// Pattern captured a prefix (e.g. "token=") and the secret;
				// keep the prefix, redact only the secret.
				return sub[1] + fmt.Sprintf("[REDACTED:%s]", p.Name)
			}
			return fmt.Sprintf("[REDACTED:%s]", p.Name)
		})
	}
	return out
}

// RedactValue recursively walks a JSON-shaped value (the result of
// encoding/json.Unmarshal into any, or an equivalent map[string]any /
// []any / primitive tree) and redacts every string leaf. Maps representing
// HTTP headers should be passed through RedactHeaderValue per key so that
// sensitive header names are fully replaced regardless of content.
//
// Recursion is bounded by maxDepth to guard against cyclic or pathologically
// deep structures; values beyond the depth limit are replaced wholesale
// with "[REDACTED:max_depth]".
func (r *Redactor) RedactValue(v any) any {
	if r == nil {
		r = New(Config{})
	}
	return r.redactValue(v, 0)
}

func (r *Redactor) redactValue(v any, depth int) any {
	if depth > maxDepth {
		return "[REDACTED:max_depth]"
	}
	switch t := v.(type) {
	case string:
		return r.Redact(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveHeader(k) {
				out[k] = "[REDACTED:header]"
				continue
			}
			out[k] = r.redactValue(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.redactValue(val, depth+1)
		}
		return out
	default:
		return v
	}
}

func isSensitiveHeader(name string) bool {
	lower := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	_, ok := sensitiveHeaders[string(lower)]
	return ok
}

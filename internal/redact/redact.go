// Package redact scrubs sensitive substrings from values before they
// reach a logging boundary: a compiled regex pattern table for known
// secret shapes plus key-name masking, applied through a depth-bounded
// recursive walker over map/slice values.
package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Options configures a redaction pass.
type Options struct {
	// MaxDepth bounds recursion over nested maps/slices. Default 10.
	MaxDepth int
	// Aggressive additionally redacts bare 32+ char alphanumeric strings
	// that look like opaque secrets. Off by default.
	Aggressive bool
	// ExtraSensitiveKeys adds additional key names (case-insensitive) to
	// the built-in sensitive-key set.
	ExtraSensitiveKeys []string
}

// DefaultOptions returns the spec's default redaction behavior.
func DefaultOptions() Options {
	return Options{MaxDepth: 10}
}

var defaultSensitiveKeys = map[string]struct{}{
	"password":      {},
	"token":         {},
	"secret":        {},
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"cookie":        {},
	"jwt":           {},
}

// compiledPattern mirrors tarsy's masking.CompiledPattern: a named regex
// plus the typed placeholder it is replaced with.
type compiledPattern struct {
	name        string
	re          *regexp.Regexp
	placeholder string
}

// builtinPatterns is the ordered pattern table: vendor API-key prefixes,
// JWTs, credit-card-shaped digit groups, emails, credentialed URLs, SSH
// private key markers.
var builtinPatterns = []compiledPattern{
	{
		name:        "openai_key",
		re:          regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
		placeholder: "<redacted:api_key>",
	},
	{
		name:        "anthropic_key",
		re:          regexp.MustCompile(`\bsk-ant-[A-Za-z0-9\-_]{20,}\b`),
		placeholder: "<redacted:api_key>",
	},
	{
		name:        "generic_vendor_key",
		re:          regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr|xox[baprs]|AKIA)[A-Za-z0-9_\-]{10,}\b`),
		placeholder: "<redacted:api_key>",
	},
	{
		name:        "jwt",
		re:          regexp.MustCompile(`\bey[A-Za-z0-9_\-]{10,}\.ey[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{5,}\b`),
		placeholder: "<redacted:jwt>",
	},
	{
		name:        "ssh_private_key",
		re:          regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		placeholder: "<redacted:ssh_key>",
	},
	{
		name:        "credit_card",
		re:          regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
		placeholder: "<redacted:card>",
	},
	{
		name:        "credentialed_url",
		re:          regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.\-]*://[^/\s:@]+:[^/\s:@]+@[^\s]+`),
		placeholder: "<redacted:url>",
	},
	{
		name:        "email",
		re:          regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		placeholder: "<redacted:email>",
	},
	{
		name:        "key_value_pair",
		re:          regexp.MustCompile(`(?i)\b(password|token|secret|api_key|apikey|authorization|cookie|jwt)\s*[=:]\s*[^\s,;&"']{3,}`),
		placeholder: "${1}=<redacted>",
	},
}

var aggressivePattern = regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`)

// Redactor scrubs sensitive substrings from strings and structured values.
type Redactor struct {
	opts          Options
	sensitiveKeys map[string]struct{}
}

// New builds a Redactor with the given options, compiling the
// sensitive-key set once up front.
func New(opts Options) *Redactor {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 10
	}
	keys := make(map[string]struct{}, len(defaultSensitiveKeys)+len(opts.ExtraSensitiveKeys))
	for k := range defaultSensitiveKeys {
		keys[k] = struct{}{}
	}
	for _, k := range opts.ExtraSensitiveKeys {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return &Redactor{opts: opts, sensitiveKeys: keys}
}

// Default is a process-wide Redactor using DefaultOptions, for call sites
// that don't need a custom sensitive-key set.
var Default = New(DefaultOptions())

// RedactString applies the pattern table (and, if enabled, the aggressive
// opaque-token heuristic) to a single string. Redaction never mutates the
// input; it returns a new string.
func (r *Redactor) RedactString(s string) string {
	out := s
	for _, p := range builtinPatterns {
		out = p.re.ReplaceAllString(out, p.placeholder)
	}
	if r.opts.Aggressive {
		out = aggressivePattern.ReplaceAllStringFunc(out, func(tok string) string {
			if strings.Contains(tok, "<redacted") {
				return tok
			}
			return "<redacted:token>"
		})
	}
	return out
}

// ContainsSensitive is a fast scalar check used to short-circuit
// redaction of values known to be clean.
func (r *Redactor) ContainsSensitive(s string) bool {
	for _, p := range builtinPatterns {
		if p.re.MatchString(s) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of value with sensitive substrings replaced.
// It understands maps, slices, and strings; other scalar types pass
// through unchanged. Recursion is bounded by opts.MaxDepth to prevent
// pathological inputs.
func (r *Redactor) Redact(value any) any {
	return r.redact(value, 0)
}

func (r *Redactor) redact(value any, depth int) any {
	if depth >= r.opts.MaxDepth {
		return "<redacted:max-depth>"
	}
	switch v := value.(type) {
	case string:
		return r.RedactString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if r.isSensitiveKey(k) {
				out[k] = "<redacted>"
				continue
			}
			out[k] = r.redact(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = r.redact(val, depth+1)
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) isSensitiveKey(key string) bool {
	_, ok := r.sensitiveKeys[strings.ToLower(key)]
	return ok
}

// RedactJSON redacts a JSON-encoded value by unmarshaling into a generic
// any, redacting, and re-marshaling. If the input isn't valid JSON it falls
// back to treating it as an opaque string.
func (r *Redactor) RedactJSON(raw []byte) []byte {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return []byte(fmt.Sprintf("%q", r.RedactString(string(raw))))
	}
	redacted := r.redact(decoded, 0)
	out, err := json.Marshal(redacted)
	if err != nil {
		return []byte(`"<redacted:unmarshalable>"`)
	}
	return out
}

// RedactForLogging composes redaction with JSON serialization and
// truncation at maxBytes, appending a " [TRUNCATED] (N bytes)" marker when
// cut.
func (r *Redactor) RedactForLogging(value any, maxBytes int) string {
	redacted := r.Redact(value)
	data, err := json.Marshal(redacted)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", redacted)))
	}
	if maxBytes <= 0 || len(data) <= maxBytes {
		return string(data)
	}
	truncated := data[:maxBytes]
	return fmt.Sprintf("%s [TRUNCATED] (%d bytes)", truncated, len(data))
}

// SortedSensitiveKeys returns the configured sensitive-key set in sorted
// order, useful for diagnostics and tests.
func (r *Redactor) SortedSensitiveKeys() []string {
	keys := make([]string, 0, len(r.sensitiveKeys))
	for k := range r.sensitiveKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

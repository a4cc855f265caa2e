// Package sanitize strips sensitive material from task payloads before
// anything is persisted or emitted. Downstream components only ever see the
// redacted form plus a content hash and length summary.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// GuardrailsKey is attached to a redacted payload whenever a corrective
// action was taken.
const GuardrailsKey = "_guardrails"

const (
	defaultMaxStringLen = 2000
	defaultMaxListLen   = 50
)

// denyKeys are dropped from payloads unconditionally. Matching is
// case-insensitive on the normalized key.
var denyKeys = []string{
	"api_key",
	"apikey",
	"token",
	"access_token",
	"refresh_token",
	"secret",
	"client_secret",
	"password",
	"credential",
	"credentials",
	"authorization",
	"private_key",
	"prompt",
	"raw_prompt",
	"system_prompt",
	"raw_html",
	"html",
	"code_snippet",
	"raw_content",
}

// Violation describes one corrective action taken on a payload.
type Violation struct {
	Key    string `json:"key"`
	Action string `json:"action" enum:"dropped,truncated,list_capped,opaque"`
}

// Sanitizer applies the deny-list and size caps. The zero value uses the
// built-in defaults.
type Sanitizer struct {
	MaxStringLen int
	MaxListLen   int
	ExtraDeny    []string
}

// Result is the outcome of sanitizing one payload.
type Result struct {
	Payload    map[string]any
	Hash       string
	Length     int
	Violations []Violation
}

func (s Sanitizer) maxString() int {
	if s.MaxStringLen > 0 {
		return s.MaxStringLen
	}
	return defaultMaxStringLen
}

func (s Sanitizer) maxList() int {
	if s.MaxListLen > 0 {
		return s.MaxListLen
	}
	return defaultMaxListLen
}

func (s Sanitizer) denied(key string) bool {
	norm := strings.ToLower(strings.TrimSpace(key))
	for _, d := range denyKeys {
		if norm == d {
			return true
		}
	}
	for _, d := range s.ExtraDeny {
		if norm == strings.ToLower(d) {
			return true
		}
	}
	return false
}

// Sanitize redacts a payload. It never fails: input that does not decode to
// a JSON object is treated as opaque bytes and reduced to hash + length.
func (s Sanitizer) Sanitize(raw []byte) Result {
	res := Result{
		Hash:   HashBytes(raw),
		Length: len(raw),
	}
	if len(raw) == 0 {
		res.Payload = map[string]any{}
		return res
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		res.Payload = map[string]any{}
		res.Violations = append(res.Violations, Violation{Key: "", Action: "opaque"})
		attachGuardrails(&res)
		return res
	}
	res.Payload = s.sanitizeMap(obj, "", &res.Violations)
	if len(res.Violations) > 0 {
		attachGuardrails(&res)
	}
	return res
}

// SanitizeMap is Sanitize for payloads already decoded into a map.
func (s Sanitizer) SanitizeMap(obj map[string]any) Result {
	raw, err := json.Marshal(normalized(obj))
	if err != nil {
		// Unmarshalable values (channels, funcs) cannot come from the
		// API surface; reduce to an empty opaque payload.
		res := Result{Payload: map[string]any{}, Hash: HashBytes(nil)}
		res.Violations = append(res.Violations, Violation{Key: "", Action: "opaque"})
		attachGuardrails(&res)
		return res
	}
	return s.Sanitize(raw)
}

func (s Sanitizer) sanitizeMap(obj map[string]any, prefix string, violations *[]Violation) map[string]any {
	out := make(map[string]any, len(obj))
	for key, val := range obj {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if s.denied(key) {
			*violations = append(*violations, Violation{Key: full, Action: "dropped"})
			continue
		}
		out[key] = s.sanitizeValue(val, full, violations)
	}
	return out
}

func (s Sanitizer) sanitizeValue(val any, path string, violations *[]Violation) any {
	switch v := val.(type) {
	case string:
		if len(v) > s.maxString() {
			*violations = append(*violations, Violation{Key: path, Action: "truncated"})
			return v[:s.maxString()]
		}
		return v
	case []any:
		if len(v) > s.maxList() {
			*violations = append(*violations, Violation{Key: path, Action: "list_capped"})
			v = v[:s.maxList()]
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.sanitizeValue(item, path, violations)
		}
		return out
	case map[string]any:
		return s.sanitizeMap(v, path, violations)
	default:
		return v
	}
}

func attachGuardrails(res *Result) {
	var dropped, truncated, capped []string
	opaque := false
	for _, v := range res.Violations {
		switch v.Action {
		case "dropped":
			dropped = append(dropped, v.Key)
		case "truncated":
			truncated = append(truncated, v.Key)
		case "list_capped":
			capped = append(capped, v.Key)
		case "opaque":
			opaque = true
		}
	}
	sort.Strings(dropped)
	sort.Strings(truncated)
	sort.Strings(capped)
	summary := map[string]any{
		"content_hash":   res.Hash,
		"content_length": res.Length,
	}
	if len(dropped) > 0 {
		summary["dropped"] = dropped
	}
	if len(truncated) > 0 {
		summary["truncated"] = truncated
	}
	if len(capped) > 0 {
		summary["list_capped"] = capped
	}
	if opaque {
		summary["opaque"] = true
	}
	res.Payload[GuardrailsKey] = summary
}

// HashBytes returns a stable SHA-256 hex digest.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJSON hashes the canonical JSON encoding of v. Used for args/result
// hashes on actions.
func HashJSON(v any) string {
	data, err := json.Marshal(normalized(v))
	if err != nil {
		return HashBytes(nil)
	}
	return HashBytes(data)
}

// normalized rebuilds maps with sorted keys so hashes are stable across
// encodings. encoding/json already sorts map keys; this recurses so nested
// non-map containers behave too.
func normalized(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalized(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalized(val)
		}
		return out
	default:
		return v
	}
}

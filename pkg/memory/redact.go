package memory

import "regexp"

// Redaction replaces matched PII patterns in JSON strings with fixed
// tokens. Tokens never re-match a pattern, which makes redaction
// idempotent.
const (
	TokenEmail = "[REDACTED:EMAIL]"
	TokenSSN   = "[REDACTED:SSN]"
	TokenCard  = "[REDACTED:CARD]"
	TokenPhone = "[REDACTED:PHONE]"
)

var redactions = []struct {
	re    *regexp.Regexp
	token string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), TokenEmail},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), TokenSSN},
	// Ends on a digit so a trailing separator is never swallowed.
	{regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`), TokenCard},
	{regexp.MustCompile(`\+?\d{1,3}[ \-.]?\(?\d{2,4}\)?[ \-.]?\d{3,4}[ \-.]?\d{3,4}`), TokenPhone},
}

// RedactString applies every pattern to one string.
func RedactString(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.token)
	}
	return s
}

// Redact walks an arbitrary decoded JSON value and redacts every string
// leaf. Maps and slices are rewritten in place where possible.
func Redact(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return RedactString(t)
	case map[string]interface{}:
		for k, elem := range t {
			t[k] = Redact(elem)
		}
		return t
	case []interface{}:
		for i, elem := range t {
			t[i] = Redact(elem)
		}
		return t
	default:
		return v
	}
}

// RedactNode returns a deep copy of the node with content redacted.
// Callers holding the read:pii capability skip this entirely.
func RedactNode(n *MemoryNode) *MemoryNode {
	if n == nil {
		return nil
	}
	cp := *n
	if n.Content != nil {
		cp.Content = Redact(deepCopy(n.Content)).(map[string]interface{})
	}
	return &cp
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			out[k] = deepCopy(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = deepCopy(elem)
		}
		return out
	default:
		return v
	}
}

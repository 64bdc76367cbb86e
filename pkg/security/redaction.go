package security

import (
	"regexp"
	"strings"
)

var (
	awsKeyPattern     = regexp.MustCompile(`A?KIA[A-Z0-9]{16}`)
	tokenPattern      = regexp.MustCompile(`[a-zA-Z0-9_-]{32,}`)
	assignmentPattern = regexp.MustCompile(`(?i)(password|passwd|secret|api_key|apikey|token|auth)(\s*[:=]\s*)(\S+)`)
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	base64Pattern     = regexp.MustCompile(`[A-Za-z0-9+/]{100,}={0,2}`)
)

// sensitiveKeys are matched case-insensitively by RedactFields
var sensitiveKeys = map[string]bool{
	"apikey":        true,
	"api_key":       true,
	"token":         true,
	"password":      true,
	"secret":        true,
	"authorization": true,
}

// RedactSecrets masks credentials, long tokens, and email addresses in free
// text. 40-character runs (commit SHAs) and runs over 200 characters are kept.
func RedactSecrets(text string) string {
	if text == "" {
		return text
	}

	out := awsKeyPattern.ReplaceAllString(text, "[REDACTED_AWS_KEY]")
	out = tokenPattern.ReplaceAllStringFunc(out, func(match string) string {
		if len(match) == 40 || len(match) > 200 {
			return match
		}
		return "[REDACTED_TOKEN]"
	})
	out = assignmentPattern.ReplaceAllString(out, "${1}${2}[REDACTED]")
	out = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = base64Pattern.ReplaceAllString(out, "[REDACTED_BASE64]")
	return out
}

// RedactFields returns a copy of fields with sensitive keys masked and every
// other value passed through RedactSecrets.
func RedactFields(fields map[string]string) map[string]string {
	if fields == nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = RedactSecrets(v)
	}
	return out
}

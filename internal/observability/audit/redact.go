// Redaction utilities for sensitive command arguments recorded in audit details.
package audit

import (
	"regexp"
	"strings"
)

// sensitiveFlags are flag names whose values should always be redacted.
// Both single-dash and double-dash variants are handled.
var sensitiveFlags = map[string]bool{
	"token":          true,
	"key":            true,
	"password":       true,
	"secret":         true,
	"identity-token": true,
	"pat":            true,
	"api-key":        true,
	"apikey":         true,
	"auth":           true,
	"credential":     true,
	"credentials":    true,
	"bearer":         true,
	"access-token":   true,
	"refresh-token":  true,
	"private-key":    true,
	"index-url":      false, // may embed userinfo; handled separately below
}

// sensitivePrefixes are value prefixes indicating secrets.
var sensitivePrefixes = []string{
	"sk-",
	"ghp_",
	"github_pat_",
	"gho_",
	"ghu_",
	"ghs_",
	"AKIA",
	"ya29.",
	"AIza",
	"pypi-",
}

// jwtRegex matches JWT-like patterns (xxx.yyy.zzz where each part is base64-ish).
var jwtRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}$`)

// urlUserinfoRegex matches credentials embedded in index URLs.
var urlUserinfoRegex = regexp.MustCompile(`^(https?://)[^/@]+@`)

const redactedValue = "[REDACTED]"

// RedactArgs sanitizes command arguments before they enter audit details.
// Returns the redacted args and whether any redaction was applied.
func RedactArgs(args []string) ([]string, bool) {
	if len(args) == 0 {
		return args, false
	}

	redacted := make([]string, len(args))
	wasRedacted := false

	for i := 0; i < len(args); i++ {
		arg := args[i]

		// --flag=value format
		if eqIdx := strings.Index(arg, "="); eqIdx > 0 {
			flag := extractFlagName(arg[:eqIdx])
			value := arg[eqIdx+1:]

			if isSensitiveFlag(flag) || isSensitiveValue(value) {
				redacted[i] = arg[:eqIdx+1] + redactedValue
				wasRedacted = true
				continue
			}
			if scrubbed, changed := scrubURL(value); changed {
				redacted[i] = arg[:eqIdx+1] + scrubbed
				wasRedacted = true
				continue
			}
			redacted[i] = arg
			continue
		}

		// --flag value format
		if strings.HasPrefix(arg, "-") {
			flag := extractFlagName(arg)
			if isSensitiveFlag(flag) && i+1 < len(args) {
				redacted[i] = arg
				i++
				redacted[i] = redactedValue
				wasRedacted = true
				continue
			}
		}

		if isSensitiveValue(arg) {
			redacted[i] = redactedValue
			wasRedacted = true
			continue
		}
		if scrubbed, changed := scrubURL(arg); changed {
			redacted[i] = scrubbed
			wasRedacted = true
			continue
		}

		redacted[i] = arg
	}

	return redacted, wasRedacted
}

// extractFlagName removes leading dashes and returns the flag name.
func extractFlagName(s string) string {
	s = strings.TrimPrefix(s, "--")
	s = strings.TrimPrefix(s, "-")
	return strings.ToLower(s)
}

func isSensitiveFlag(flag string) bool {
	return sensitiveFlags[flag]
}

func isSensitiveValue(value string) bool {
	for _, prefix := range sensitivePrefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return jwtRegex.MatchString(value)
}

// scrubURL strips userinfo from http(s) URLs (index URLs with embedded
// basic-auth credentials).
func scrubURL(value string) (string, bool) {
	if m := urlUserinfoRegex.FindStringSubmatch(value); m != nil {
		return urlUserinfoRegex.ReplaceAllString(value, m[1]+redactedValue+"@"), true
	}
	return value, false
}

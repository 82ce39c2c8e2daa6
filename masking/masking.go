// Package masking applies ordered regex substitutions to text response
// bodies. Patterns are compiled once at config validation time; Apply
// compiles a rule itself only when it arrives without its compiled form.
package masking

import (
	"regexp"

	"spg/config"
)

// MaskableContentTypes is the set of media types whose bodies are safe to
// buffer as text and rewrite. Anything else streams through untouched.
var MaskableContentTypes = map[string]bool{
	"application/json": true,
	"text/html":        true,
	"text/xml":         true,
	"text/plain":       true,
	"application/xml":  true,
}

// IsMaskable reports whether a bare media type (no parameters) is eligible
// for masking.
func IsMaskable(contentType string) bool {
	return MaskableContentTypes[contentType]
}

// Apply runs the mask rules over content in declared order. Each rule's
// output feeds the next, so substitutions are cumulative. Replacement
// strings follow Go regexp conventions ($1, ${name}).
func Apply(content string, rules []config.MaskRule) string {
	masked := content
	for i := range rules {
		re := rules[i].Compiled
		if re == nil {
			// Validate compiles every rule; tolerate a hand-built one.
			var err error
			re, err = regexp.Compile(rules[i].Pattern)
			if err != nil {
				continue
			}
		}
		masked = re.ReplaceAllString(masked, rules[i].Replacement)
	}
	return masked
}

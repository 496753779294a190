package util

import (
	"regexp"
	"strings"
)

// placeholderPattern matches {name} tokens in prompt templates. Names are
// restricted to identifier characters so literal braces in prose survive.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)\}`)

// RenderPrompt substitutes {placeholder} tokens in a prompt template with
// the supplied values. Placeholders without a value are left intact and
// returned as warnings, so a typo in a custom template surfaces without
// breaking execution.
func RenderPrompt(template string, values map[string]string) (string, []string) {
	if !strings.Contains(template, "{") { // fast path: no placeholders
		return template, nil
	}

	var warnings []string
	seen := make(map[string]struct{})

	out := placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := values[name]; ok {
			return v
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			warnings = append(warnings, name)
		}
		return token
	})

	return out, warnings
}

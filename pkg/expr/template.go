package expr

import (
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\{\{([^}]*)\}\}`)

// RenderTemplate substitutes every {{ expr }} placeholder in s with the
// result of evaluating expr against ctx. Failed substitutions render as an
// empty string with a warning, matching the guard-evaluation policy: a broken
// template must never abort the action that carries it.
func (e *Evaluator) RenderTemplate(s string, ctx Context) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		src := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		if src == "" {
			return ""
		}
		p, err := e.Program(src)
		if err != nil {
			evalLog.Printf("warn: template expression %q failed to compile: %v", src, err)
			return ""
		}
		v, err := e.Eval(p, ctx)
		if err != nil {
			evalLog.Printf("warn: template expression %q failed: %v", src, err)
			return ""
		}
		return CoerceString(v)
	})
}

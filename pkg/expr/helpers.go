package expr

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gobbyhq/gobby/pkg/errkind"
)

// registerBuiltins installs the pure helpers every evaluator exposes.
// Daemon-level predicates that need storage or registry lookups
// (has_stop_signal, task_tree_complete, ...) are registered by the components
// that own that state.
func registerBuiltins(e *Evaluator) {
	must := func(name string, h Helper) {
		if err := e.RegisterHelper(name, h); err != nil {
			panic(err)
		}
	}

	must("contains", func(_ Context, args []any) (any, error) {
		if len(args) != 2 {
			return nil, errkind.New(errkind.EvaluationError, "contains expects 2 arguments, got %d", len(args))
		}
		switch hay := args[0].(type) {
		case nil:
			return false, nil
		case string:
			needle, ok := args[1].(string)
			if !ok {
				return nil, errkind.New(errkind.EvaluationError, "contains needle must be a string for string haystack")
			}
			return strings.Contains(hay, needle), nil
		case []any:
			for _, item := range hay {
				if equal(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return nil, errkind.New(errkind.EvaluationError, "contains haystack must be a string or list, got %T", args[0])
	})

	must("len", func(_ Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errkind.New(errkind.EvaluationError, "len expects 1 argument")
		}
		switch v := args[0].(type) {
		case nil:
			return float64(0), nil
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		}
		return nil, errkind.New(errkind.EvaluationError, "len of %T", args[0])
	})

	must("lower", stringHelper("lower", strings.ToLower))
	must("upper", stringHelper("upper", strings.ToUpper))
	must("trim", stringHelper("trim", strings.TrimSpace))

	must("starts_with", stringPairHelper("starts_with", strings.HasPrefix))
	must("ends_with", stringPairHelper("ends_with", strings.HasSuffix))

	must("matches", func(_ Context, args []any) (any, error) {
		s, pattern, err := twoStrings("matches", args)
		if err != nil {
			return nil, err
		}
		re, err := compiledPattern(pattern)
		if err != nil {
			return nil, errkind.Wrap(errkind.EvaluationError, err, "matches pattern")
		}
		return re.MatchString(s), nil
	})

	// command_contains and command_in inspect event.tool_input.command; they
	// exist so Bash rules read naturally in workflow YAML.
	must("command_contains", func(ctx Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errkind.New(errkind.EvaluationError, "command_contains expects 1 argument")
		}
		needle, ok := args[0].(string)
		if !ok {
			return nil, errkind.New(errkind.EvaluationError, "command_contains argument must be a string")
		}
		return strings.Contains(eventCommand(ctx), needle), nil
	})

	must("command_in", func(ctx Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errkind.New(errkind.EvaluationError, "command_in expects a list argument")
		}
		list, ok := args[0].([]any)
		if !ok {
			return nil, errkind.New(errkind.EvaluationError, "command_in argument must be a list")
		}
		command := eventCommand(ctx)
		fields := strings.Fields(command)
		first := ""
		if len(fields) > 0 {
			first = fields[0]
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if command == s || first == s {
				return true, nil
			}
		}
		return false, nil
	})

	must("user_says", func(ctx Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errkind.New(errkind.EvaluationError, "user_says expects 1 argument")
		}
		word, ok := args[0].(string)
		if !ok {
			return nil, errkind.New(errkind.EvaluationError, "user_says argument must be a string")
		}
		prompt := strings.ToLower(eventString(ctx, "prompt_text"))
		for _, field := range strings.FieldsFunc(prompt, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		}) {
			if field == strings.ToLower(word) {
				return true, nil
			}
		}
		return false, nil
	})

	must("is_plan_file", func(ctx Context, args []any) (any, error) {
		path := ""
		if len(args) == 1 {
			if s, ok := args[0].(string); ok {
				path = s
			}
		}
		if path == "" {
			path = eventToolInputString(ctx, "file_path")
		}
		if path == "" {
			return false, nil
		}
		base := strings.ToLower(filepath.Base(path))
		if !strings.HasSuffix(base, ".md") {
			return false, nil
		}
		return strings.Contains(base, "plan") || strings.HasPrefix(base, "todo"), nil
	})
}

func stringHelper(name string, fn func(string) string) Helper {
	return func(_ Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errkind.New(errkind.EvaluationError, "%s expects 1 argument", name)
		}
		s, ok := args[0].(string)
		if !ok {
			if args[0] == nil {
				return "", nil
			}
			return nil, errkind.New(errkind.EvaluationError, "%s argument must be a string, got %T", name, args[0])
		}
		return fn(s), nil
	}
}

func stringPairHelper(name string, fn func(string, string) bool) Helper {
	return func(_ Context, args []any) (any, error) {
		s, sub, err := twoStrings(name, args)
		if err != nil {
			return nil, err
		}
		return fn(s, sub), nil
	}
}

func twoStrings(name string, args []any) (string, string, error) {
	if len(args) != 2 {
		return "", "", errkind.New(errkind.EvaluationError, "%s expects 2 arguments, got %d", name, len(args))
	}
	a, aok := args[0].(string)
	b, bok := args[1].(string)
	if !aok || !bok {
		return "", "", errkind.New(errkind.EvaluationError, "%s expects string arguments", name)
	}
	return a, b, nil
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

func compiledPattern(pattern string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache[pattern] = re
	return re, nil
}

// eventCommand extracts event.tool_input.command as a string.
func eventCommand(ctx Context) string {
	return eventToolInputString(ctx, "command")
}

func eventToolInputString(ctx Context, key string) string {
	event, _ := ctx["event"].(map[string]any)
	input, _ := event["tool_input"].(map[string]any)
	s, _ := input[key].(string)
	return s
}

func eventString(ctx Context, key string) string {
	event, _ := ctx["event"].(map[string]any)
	s, _ := event[key].(string)
	return s
}

// CoerceString renders an arbitrary evaluated value for template output.
func CoerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("%v", v)
}

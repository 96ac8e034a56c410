package workflow

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/logger"
	"github.com/gobbyhq/gobby/pkg/storage"
)

var loaderLog = logger.New("workflow:loader")

//go:embed bundled/*.yaml
var bundledWorkflows embed.FS

// Loader reads workflow YAML from the three tiers and resolves inheritance.
// Project files shadow user files which shadow the bundled defaults. A loaded
// definition is cached; a session locks its definition at start so mid-session
// edits never change behavior until an explicit reload.
type Loader struct {
	userDir    string
	projectDir string
	eval       *expr.Evaluator

	mu     sync.Mutex
	cache  map[string]*Definition
	locked map[string]*Definition
}

// NewLoader creates a loader. userDir and projectDir may be empty to skip a
// tier.
func NewLoader(userDir, projectDir string, eval *expr.Evaluator) *Loader {
	return &Loader{
		userDir:    userDir,
		projectDir: projectDir,
		eval:       eval,
		cache:      map[string]*Definition{},
		locked:     map[string]*Definition{},
	}
}

// Load resolves a workflow by name: reads its document, follows the extends
// chain with a child-wins merge, validates, and caches the result.
func (l *Loader) Load(name string) (*Definition, error) {
	l.mu.Lock()
	if def, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return def, nil
	}
	l.mu.Unlock()

	merged, err := l.loadChain(name, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if err := validateSchema(merged); err != nil {
		return nil, err
	}

	def, err := decodeDefinition(merged)
	if err != nil {
		return nil, errkind.Wrap(errkind.WorkflowLoadError, err, fmt.Sprintf("decode workflow %q", name))
	}
	if err := l.validate(def); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = def
	l.mu.Unlock()
	loaderLog.Printf("Loaded workflow %s (type=%s phases=%d)", def.Name, def.EffectiveType(), len(def.Phases))
	return def, nil
}

// LockForSession pins the named workflow for a session. Subsequent ForSession
// calls return the pinned value even if the file changes and is reloaded.
func (l *Loader) LockForSession(sessionID, name string) (*Definition, error) {
	def, err := l.Load(name)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.locked[sessionID] = def
	l.mu.Unlock()
	return def, nil
}

// ForSession returns the definition pinned to a session, or nil.
func (l *Loader) ForSession(sessionID string) *Definition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked[sessionID]
}

// Unlock releases a session's pinned definition.
func (l *Loader) Unlock(sessionID string) {
	l.mu.Lock()
	delete(l.locked, sessionID)
	l.mu.Unlock()
}

// Invalidate drops cached definitions so the next Load re-reads files.
// Sessions keep their pinned copies.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = map[string]*Definition{}
	l.mu.Unlock()
}

// List returns the names available across all tiers, sorted.
func (l *Loader) List() []string {
	names := map[string]bool{}
	if entries, err := bundledWorkflows.ReadDir("bundled"); err == nil {
		for _, e := range entries {
			names[strings.TrimSuffix(e.Name(), ".yaml")] = true
		}
	}
	for _, dir := range []string{l.userDir, l.projectDir} {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
				names[strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".yaml"), ".yml")] = true
			}
		}
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SyncRules loads each named workflow and upserts its rule_definitions into
// the store, tiered by where the workflow's document lives. One bad workflow
// is logged and skipped, never blocking the rest.
func (l *Loader) SyncRules(ctx context.Context, names []string, rules *storage.RuleManager) {
	for _, name := range names {
		def, err := l.Load(name)
		if err != nil {
			loaderLog.Printf("warn: rules for %s not synced: %v", name, err)
			continue
		}
		tier := l.sourceTier(name)
		for ruleName, r := range def.RuleDefinitions {
			doc, err := yaml.Marshal(r)
			if err != nil {
				loaderLog.Printf("warn: rule %s not serialized: %v", ruleName, err)
				continue
			}
			if err := rules.Put(ctx, ruleName, tier, string(doc)); err != nil {
				loaderLog.Printf("warn: rule %s not synced: %v", ruleName, err)
			}
		}
	}
}

// sourceTier reports which tier supplies the workflow's top document.
func (l *Loader) sourceTier(name string) string {
	tiers := []struct {
		dir  string
		tier string
	}{
		{l.projectDir, storage.TierProject},
		{l.userDir, storage.TierUser},
	}
	for _, t := range tiers {
		if t.dir == "" {
			continue
		}
		for _, ext := range []string{".yaml", ".yml"} {
			if _, err := os.Stat(filepath.Join(t.dir, name+ext)); err == nil {
				return t.tier
			}
		}
	}
	return storage.TierBundled
}

// loadChain reads a document and recursively merges its extends parent under
// it. visiting tracks the chain for cycle rejection.
func (l *Loader) loadChain(name string, visiting map[string]bool) (map[string]any, error) {
	if visiting[name] {
		return nil, errkind.New(errkind.WorkflowLoadError, "workflow extends cycle through %q", name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	doc, source, err := l.readDocument(name)
	if err != nil {
		return nil, err
	}
	loaderLog.Printf("Read workflow %s from %s", name, source)

	parentName, _ := doc["extends"].(string)
	if parentName == "" {
		return doc, nil
	}
	parentName = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(parentName), ".yaml"), ".yml")
	parent, err := l.loadChain(parentName, visiting)
	if err != nil {
		return nil, err
	}
	merged := mergeDocuments(parent, doc)
	delete(merged, "extends")
	return merged, nil
}

// readDocument finds and parses a workflow file: project tier first, then
// user, then bundled.
func (l *Loader) readDocument(name string) (map[string]any, string, error) {
	for _, dir := range []string{l.projectDir, l.userDir} {
		if dir == "" {
			continue
		}
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, name+ext)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			doc, err := parseDocument(data)
			if err != nil {
				return nil, "", errkind.Wrap(errkind.WorkflowLoadError, err, fmt.Sprintf("parse %s", path))
			}
			return doc, path, nil
		}
	}
	data, err := bundledWorkflows.ReadFile("bundled/" + name + ".yaml")
	if err != nil {
		return nil, "", errkind.New(errkind.WorkflowLoadError, "workflow %q not found in any tier", name)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, "", errkind.Wrap(errkind.WorkflowLoadError, err, fmt.Sprintf("parse bundled workflow %s", name))
	}
	return doc, "bundled", nil
}

func parseDocument(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// decodeDefinition round-trips a merged raw document through YAML so the
// custom field unmarshalers apply.
func decodeDefinition(doc map[string]any) (*Definition, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// mergeDocuments overlays child on parent: maps merge recursively, the named
// lists (phases, rules, tool_rules, observers) merge by name with child
// fields winning, everything else is replaced by the child value.
func mergeDocuments(parent, child map[string]any) map[string]any {
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, cv := range child {
		pv, exists := out[k]
		if !exists {
			out[k] = cv
			continue
		}
		switch key := k; key {
		case "phases", "rules", "tool_rules", "observers":
			out[k] = mergeNamedLists(pv, cv)
		default:
			pm, pok := pv.(map[string]any)
			cm, cok := cv.(map[string]any)
			if pok && cok {
				out[k] = mergeDocuments(pm, cm)
			} else {
				out[k] = cv
			}
		}
	}
	return out
}

// mergeNamedLists merges two lists of mappings by their "name" key, keeping
// parent order and appending new child entries.
func mergeNamedLists(parent, child any) any {
	pl, pok := parent.([]any)
	cl, cok := child.([]any)
	if !pok || !cok {
		return child
	}
	childByName := map[string]map[string]any{}
	var childOrder []string
	for _, item := range cl {
		m, ok := item.(map[string]any)
		if !ok {
			return child
		}
		name, _ := m["name"].(string)
		if name == "" {
			return child
		}
		childByName[name] = m
		childOrder = append(childOrder, name)
	}
	var out []any
	seen := map[string]bool{}
	for _, item := range pl {
		m, ok := item.(map[string]any)
		if !ok {
			return child
		}
		name, _ := m["name"].(string)
		if cm, ok := childByName[name]; ok {
			out = append(out, mergeDocuments(m, cm))
			seen[name] = true
		} else {
			out = append(out, m)
		}
	}
	for _, name := range childOrder {
		if !seen[name] {
			out = append(out, childByName[name])
		}
	}
	return out
}

// validate enforces the semantic rules the schema cannot express.
func (l *Loader) validate(def *Definition) error {
	if def.Name == "" {
		return errkind.New(errkind.WorkflowLoadError, "workflow is missing a name")
	}
	switch def.EffectiveType() {
	case TypePhase:
		if len(def.Phases) == 0 {
			return errkind.New(errkind.WorkflowLoadError, "phase workflow %q declares no phases", def.Name)
		}
	case TypeLifecycle:
		if len(def.Phases) > 0 {
			return errkind.New(errkind.WorkflowLoadError, "lifecycle workflow %q must not declare phases", def.Name)
		}
	default:
		return errkind.New(errkind.WorkflowLoadError, "workflow %q has unknown type %q", def.Name, def.Type)
	}

	seen := map[string]bool{}
	for i := range def.Phases {
		p := &def.Phases[i]
		if seen[p.Name] {
			return errkind.New(errkind.WorkflowLoadError, "workflow %q declares phase %q twice", def.Name, p.Name)
		}
		seen[p.Name] = true
	}
	for i := range def.Phases {
		p := &def.Phases[i]
		for _, tr := range p.Transitions {
			if tr.To != PhaseComplete && !seen[tr.To] {
				return errkind.New(errkind.WorkflowLoadError,
					"workflow %q phase %q transitions to undeclared phase %q", def.Name, p.Name, tr.To)
			}
		}
		for _, ref := range p.CheckRules {
			if _, ok := def.ResolveRule(ref); !ok {
				return errkind.New(errkind.WorkflowLoadError,
					"workflow %q phase %q references unknown rule %q", def.Name, p.Name, ref)
			}
		}
	}
	return l.validateExpressions(def)
}

// validateExpressions compiles every when clause so parse errors surface at
// load time instead of silently evaluating to false at runtime.
func (l *Loader) validateExpressions(def *Definition) error {
	check := func(src, where string) error {
		if src == "" {
			return nil
		}
		if _, err := l.eval.Program(src); err != nil {
			return errkind.Wrap(errkind.WorkflowLoadError, err,
				fmt.Sprintf("workflow %q: bad expression in %s", def.Name, where))
		}
		return nil
	}
	checkActions := func(actions []Action, where string) error {
		for _, a := range actions {
			if err := check(a.When, where+" action "+a.Verb); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range def.ToolRules {
		if err := check(r.When, "tool_rules "+r.Name); err != nil {
			return err
		}
	}
	for name, r := range def.RuleDefinitions {
		if err := check(r.When, "rule_definitions "+name); err != nil {
			return err
		}
	}
	for event, actions := range def.Triggers {
		if err := checkActions(actions, "triggers."+event); err != nil {
			return err
		}
	}
	for i := range def.Phases {
		p := &def.Phases[i]
		where := "phase " + p.Name
		if err := check(p.ExitWhen, where+" exit_when"); err != nil {
			return err
		}
		for _, r := range p.Rules {
			if err := check(r.When, where+" rule "+r.Name); err != nil {
				return err
			}
		}
		for _, tr := range p.Transitions {
			if err := check(tr.When, where+" transition to "+tr.To); err != nil {
				return err
			}
			if err := checkActions(tr.OnTransition, where+" transition"); err != nil {
				return err
			}
		}
		for _, c := range p.ExitConditions {
			if err := check(c.When, where+" exit condition"); err != nil {
				return err
			}
		}
		if err := checkActions(p.OnEnter, where+" on_enter"); err != nil {
			return err
		}
		if err := checkActions(p.OnExit, where+" on_exit"); err != nil {
			return err
		}
	}
	return nil
}

package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/storage"
)

func writeWorkflow(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
}

func TestLoadBundledWorkflows(t *testing.T) {
	l := NewLoader("", "", expr.New())
	for _, name := range []string{"plan-execute", "session-handoff", "auto-task"} {
		def, err := l.Load(name)
		require.NoError(t, err, name)
		require.Equal(t, name, def.Name)
	}

	def, err := l.Load("plan-execute")
	require.NoError(t, err)
	require.Equal(t, TypePhase, def.EffectiveType())
	require.Equal(t, "plan", def.InitialPhase())
	require.False(t, def.Phases[0].AllowedTools.Permits("Edit"))
	require.True(t, def.Phases[1].AllowedTools.All)
}

func TestLoadExtendsMergesByName(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "strict-plan", `
name: strict-plan
extends: plan-execute
phases:
  - name: plan
    blocked_tools: [Edit, Write, Bash, WebFetch]
  - name: review
    allowed_tools: [Read]
`)
	l := NewLoader("", dir, expr.New())
	def, err := l.Load("strict-plan")
	require.NoError(t, err)
	require.Equal(t, "strict-plan", def.Name)
	require.Equal(t, TypePhase, def.EffectiveType())

	// Parent phase order kept, child fields win, new phases appended.
	require.Equal(t, "plan", def.Phases[0].Name)
	require.Equal(t, []string{"Edit", "Write", "Bash", "WebFetch"}, def.Phases[0].BlockedTools)
	require.Equal(t, []string{"Read", "Glob", "Grep"}, def.Phases[0].AllowedTools.Tools)
	require.Equal(t, "execute", def.Phases[1].Name)
	require.Equal(t, "review", def.Phases[2].Name)

	// Parent rule definitions survive.
	_, ok := def.ResolveRule("no-force-push")
	require.True(t, ok)
}

func TestLoadRejectsExtendsCycle(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a", "name: a\nextends: b\ntype: lifecycle")
	writeWorkflow(t, dir, "b", "name: b\nextends: a\ntype: lifecycle")

	l := NewLoader("", dir, expr.New())
	_, err := l.Load("a")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.WorkflowLoadError))
	require.Contains(t, err.Error(), "cycle")
}

func TestLoadRejectsBadExpression(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "broken", `
name: broken
type: phase
phases:
  - name: only
    transitions:
      - to: complete
        when: "variables.x &&"
`)
	l := NewLoader("", dir, expr.New())
	_, err := l.Load("broken")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.WorkflowLoadError))
}

func TestLoadRejectsUndeclaredTransitionTarget(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "dangling", `
name: dangling
type: phase
phases:
  - name: only
    transitions:
      - to: nowhere
`)
	l := NewLoader("", dir, expr.New())
	_, err := l.Load("dangling")
	require.Error(t, err)
	require.Contains(t, err.Error(), "undeclared phase")
}

func TestLoadRejectsLifecycleWithPhases(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "mixed", `
name: mixed
type: lifecycle
phases:
  - name: plan
`)
	l := NewLoader("", dir, expr.New())
	_, err := l.Load("mixed")
	require.Error(t, err)
}

func TestProjectTierShadowsBundled(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "plan-execute", `
name: plan-execute
type: phase
phases:
  - name: custom
`)
	l := NewLoader("", dir, expr.New())
	def, err := l.Load("plan-execute")
	require.NoError(t, err)
	require.Equal(t, "custom", def.InitialPhase())
}

func TestSessionLockSurvivesInvalidate(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "guard", `
name: guard
type: phase
phases:
  - name: one
`)
	l := NewLoader("", dir, expr.New())
	_, err := l.LockForSession("sess-1", "guard")
	require.NoError(t, err)

	writeWorkflow(t, dir, "guard", `
name: guard
type: phase
phases:
  - name: changed
`)
	l.Invalidate()

	reloaded, err := l.Load("guard")
	require.NoError(t, err)
	require.Equal(t, "changed", reloaded.InitialPhase())

	// The session still sees the definition it started with.
	require.Equal(t, "one", l.ForSession("sess-1").InitialPhase())

	l.Unlock("sess-1")
	require.Nil(t, l.ForSession("sess-1"))
}

func TestSyncRulesWritesTieredDefinitions(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Options{ProjectDir: t.TempDir(), DisableHub: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir := t.TempDir()
	writeWorkflow(t, dir, "guarded", `
name: guarded
type: lifecycle
rule_definitions:
  no-rm-rf:
    when: command_contains("rm -rf")
    action: block
    reason: destructive
`)
	l := NewLoader("", dir, expr.New())
	l.SyncRules(ctx, []string{"guarded", "plan-execute", "does-not-exist"}, store.Rules())

	r, err := store.Rules().Resolve(ctx, "no-rm-rf")
	require.NoError(t, err)
	require.Equal(t, storage.TierProject, r.Tier)
	require.Contains(t, r.Definition, "rm -rf")

	// Bundled plan-execute carries no-force-push.
	r, err = store.Rules().Resolve(ctx, "no-force-push")
	require.NoError(t, err)
	require.Equal(t, storage.TierBundled, r.Tier)
}

func TestListIncludesAllTiers(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "custom", "name: custom\ntype: lifecycle")
	l := NewLoader("", dir, expr.New())
	names := l.List()
	require.Contains(t, names, "plan-execute")
	require.Contains(t, names, "auto-task")
	require.Contains(t, names, "custom")
}

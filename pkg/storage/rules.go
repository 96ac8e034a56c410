package storage

import (
	"context"

	"github.com/gobbyhq/gobby/pkg/errkind"
)

// Rule tiers in resolution order; later tiers shadow earlier ones when names
// collide, so resolution walks from the highest tier present downward.
const (
	TierBundled = "bundled"
	TierUser    = "user"
	TierProject = "project"
)

// StoredRule is a named rule definition synced into the project database on
// daemon start. The definition is the rule's YAML/JSON document; the
// workflow package parses it.
type StoredRule struct {
	Name       string `json:"name"`
	Tier       string `json:"tier"`
	Definition string `json:"definition"`
	UpdatedAt  string `json:"updated_at"`
}

// RuleManager syncs and resolves named rule definitions.
type RuleManager struct {
	store *Store
}

// Put upserts a rule at a tier.
func (m *RuleManager) Put(ctx context.Context, name, tier, definition string) error {
	switch tier {
	case TierBundled, TierUser, TierProject:
	default:
		return errkind.New(errkind.InvalidInput, "unknown rule tier %q", tier)
	}
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "rule", Op: "update", ID: name},
		`INSERT INTO rules (name, tier, definition, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name, tier) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		name, tier, definition, nowUTC())
}

// Resolve returns the definition for name from the highest-precedence tier
// that declares it: project > user > bundled.
func (m *RuleManager) Resolve(ctx context.Context, name string) (*StoredRule, error) {
	rows, err := m.store.project.QueryContext(ctx,
		`SELECT name, tier, definition, updated_at FROM rules WHERE name = ?`, name)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "resolve rule")
	}
	defer rows.Close()
	byTier := map[string]*StoredRule{}
	for rows.Next() {
		var r StoredRule
		if err := rows.Scan(&r.Name, &r.Tier, &r.Definition, &r.UpdatedAt); err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan rule")
		}
		byTier[r.Tier] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "resolve rule")
	}
	for _, tier := range []string{TierProject, TierUser, TierBundled} {
		if r, ok := byTier[tier]; ok {
			return r, nil
		}
	}
	return nil, errkind.New(errkind.NotFound, "rule %q not found", name)
}

// List returns every stored rule, project tier first.
func (m *RuleManager) List(ctx context.Context) ([]*StoredRule, error) {
	rows, err := m.store.project.QueryContext(ctx,
		`SELECT name, tier, definition, updated_at FROM rules
		 ORDER BY CASE tier WHEN 'project' THEN 0 WHEN 'user' THEN 1 ELSE 2 END, name`)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "list rules")
	}
	defer rows.Close()
	var rules []*StoredRule
	for rows.Next() {
		var r StoredRule
		if err := rows.Scan(&r.Name, &r.Tier, &r.Definition, &r.UpdatedAt); err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan rule")
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

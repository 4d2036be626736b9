package statestore

import (
	"fmt"
	"sort"
)

// RegisterMigration registers a pure payload transform lifting documents
// of name from version `from` to version `to`. Migrations are applied in
// ascending order at load time when the caller requests a newer version.
func (s *Store) RegisterMigration(name string, from, to int, fn func(map[string]any) (map[string]any, error)) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid state name %q", name)
	}
	if fn == nil {
		return fmt.Errorf("migration %q %d->%d: fn is nil", name, from, to)
	}
	if to <= from {
		return fmt.Errorf("migration %q %d->%d: target must exceed source", name, from, to)
	}
	s.migrationsMu.Lock()
	defer s.migrationsMu.Unlock()
	chain := append(s.migrations[name], migration{from: from, to: to, fn: fn})
	sort.Slice(chain, func(i, j int) bool { return chain[i].from < chain[j].from })
	s.migrations[name] = chain
	return nil
}

func (s *Store) migrate(name string, payload map[string]any, from, target int) (map[string]any, error) {
	s.migrationsMu.Lock()
	chain := append([]migration{}, s.migrations[name]...)
	s.migrationsMu.Unlock()

	version := from
	for version < target {
		advanced := false
		for _, m := range chain {
			if m.from != version || m.to > target {
				continue
			}
			next, err := m.fn(payload)
			if err != nil {
				return nil, fmt.Errorf("migrate %q %d->%d: %w", name, m.from, m.to, err)
			}
			payload = next
			version = m.to
			advanced = true
			break
		}
		if !advanced {
			return nil, fmt.Errorf("no migration path for %q from version %d to %d", name, version, target)
		}
	}
	return payload, nil
}

package identity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mau.fi/util/jsontime"
)

// Drift describes how the local identity map differs from the authoritative
// alias table. It doubles as the operator-facing dry-run diff: Reconcile
// applies exactly what Diff reports.
type Drift struct {
	// StaleAliases maps canonical id → authoritative alias for records whose
	// locally cached alias no longer matches the directory.
	StaleAliases map[string]string
	// Undiscovered lists directory aliases with no local identity yet.
	Undiscovered []AliasBinding
	// Orphaned lists canonical ids whose alias is absent from the directory
	// (typically after a mailbox backend reset). They are flagged, never
	// deleted; removal is an operator action.
	Orphaned []string
}

// Clean reports whether the local map fully agrees with the authority.
func (d *Drift) Clean() bool {
	return len(d.StaleAliases) == 0 && len(d.Undiscovered) == 0 && len(d.Orphaned) == 0
}

func (d *Drift) String() string {
	if d.Clean() {
		return "identity map in sync with mailbox directory"
	}
	return fmt.Sprintf("%d stale aliases, %d undiscovered, %d orphaned",
		len(d.StaleAliases), len(d.Undiscovered), len(d.Orphaned))
}

// Diff compares the local map against the authoritative alias table without
// changing anything. Matching prefers the cached alias and falls back to the
// display name, since a backend reset reassigns aliases but keeps names.
func (s *Store) Diff(authority []AliasBinding) *Drift {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drift := &Drift{StaleAliases: make(map[string]string)}
	byAlias := make(map[string]AliasBinding, len(authority))
	byName := make(map[string]AliasBinding, len(authority))
	for _, binding := range authority {
		byAlias[strings.ToLower(binding.Alias)] = binding
		if binding.DisplayName != "" {
			byName[strings.ToLower(binding.DisplayName)] = binding
		}
	}

	claimed := make(map[string]struct{}, len(s.byID))
	for _, ai := range s.byID {
		if binding, ok := byAlias[strings.ToLower(ai.MailboxAlias)]; ok {
			claimed[strings.ToLower(binding.Alias)] = struct{}{}
			continue
		}
		if binding, ok := byName[strings.ToLower(ai.DisplayName)]; ok {
			claimed[strings.ToLower(binding.Alias)] = struct{}{}
			drift.StaleAliases[ai.CanonicalID] = binding.Alias
			continue
		}
		drift.Orphaned = append(drift.Orphaned, ai.CanonicalID)
	}
	for _, binding := range authority {
		if _, ok := claimed[strings.ToLower(binding.Alias)]; !ok {
			drift.Undiscovered = append(drift.Undiscovered, binding)
		}
	}
	sort.Strings(drift.Orphaned)
	sort.Slice(drift.Undiscovered, func(i, j int) bool {
		return drift.Undiscovered[i].Alias < drift.Undiscovered[j].Alias
	})
	return drift
}

// Reconcile rewrites the local map to agree with the authoritative alias
// table: stale aliases are replaced, unknown aliases become new identities,
// and orphaned records are marked unregistered so the poller skips them.
// This runs only when explicitly triggered (startup and operator command).
func (s *Store) Reconcile(authority []AliasBinding) (*Drift, error) {
	drift := s.Diff(authority)
	if drift.Clean() {
		return drift, nil
	}
	if err := s.applyDrift(drift); err != nil {
		return drift, err
	}
	// New aliases go through Discover so they get canonical ids the normal
	// way; Discover takes its own lock and persists per record.
	for _, binding := range drift.Undiscovered {
		if _, err := s.Discover(binding.Alias, binding.DisplayName); err != nil {
			return drift, fmt.Errorf("discover %s: %w", binding.Alias, err)
		}
	}
	return drift, nil
}

func (s *Store) applyDrift(drift *Drift) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := jsontime.UM(time.Now())
	for canonicalID, alias := range drift.StaleAliases {
		ai, ok := s.byID[canonicalID]
		if !ok {
			continue
		}
		s.log.Info().
			Str("canonical_id", canonicalID).
			Str("old_alias", ai.MailboxAlias).
			Str("new_alias", alias).
			Msg("Rewriting drifted mailbox alias")
		ai.MailboxAlias = alias
		ai.Registered = true
		ai.UpdatedAt = now
	}
	for _, canonicalID := range drift.Orphaned {
		ai, ok := s.byID[canonicalID]
		if !ok || !ai.Registered {
			continue
		}
		s.log.Warn().
			Str("canonical_id", canonicalID).
			Str("alias", ai.MailboxAlias).
			Msg("Identity missing from mailbox directory, marking unregistered")
		ai.Registered = false
		ai.UpdatedAt = now
	}
	return s.persistLocked()
}

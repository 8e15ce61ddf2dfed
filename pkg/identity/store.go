package identity

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"

	"github.com/agentmail/matrix-bridge/pkg/statefile"
)

type storeState struct {
	Identities []*AgentIdentity `json:"identities"`
}

func validateState(state *storeState) error {
	seen := make(map[string]struct{}, len(state.Identities))
	aliases := make(map[string]struct{}, len(state.Identities))
	for _, ai := range state.Identities {
		if err := ai.validate(); err != nil {
			return err
		}
		if _, dup := seen[ai.CanonicalID]; dup {
			return fmt.Errorf("duplicate canonical_id %s", ai.CanonicalID)
		}
		seen[ai.CanonicalID] = struct{}{}
		// Two records sharing an alias would both be polled and both get
		// rooms, so every message for that alias would be delivered twice.
		if ai.MailboxAlias != "" {
			alias := strings.ToLower(ai.MailboxAlias)
			if _, dup := aliases[alias]; dup {
				return fmt.Errorf("duplicate mailbox_alias %s", ai.MailboxAlias)
			}
			aliases[alias] = struct{}{}
		}
	}
	return nil
}

// Store is the single writer for AgentIdentity records. All mutations are
// serialized behind one lock so the snapshot-before-write discipline in the
// underlying state file stays safe under concurrent poll workers.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*AgentIdentity
	file *statefile.File[storeState]
	log  zerolog.Logger
}

// NewStore loads the identity map from path. A file that exists but fails
// validation is a fatal error; the caller must not start with a partial map.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	store := &Store{
		byID: make(map[string]*AgentIdentity),
		file: statefile.New(path, validateState),
		log:  log.With().Str("component", "identity_store").Logger(),
	}
	state, found, err := store.file.Load()
	if err != nil {
		return nil, fmt.Errorf("load identity store: %w", err)
	}
	if found {
		for _, ai := range state.Identities {
			store.byID[ai.CanonicalID] = ai
		}
	}
	store.log.Debug().Int("identities", len(store.byID)).Msg("Identity store loaded")
	return store, nil
}

// Get returns the identity with the given canonical id.
func (s *Store) Get(canonicalID string) (*AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ai, ok := s.byID[canonicalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}
	return ai.Clone(), nil
}

// Resolve finds an identity by mailbox alias or display name. Alias matches
// win over display-name matches since the alias is the authoritative key.
func (s *Store) Resolve(nameOrAlias string) (*AgentIdentity, error) {
	needle := strings.TrimSpace(nameOrAlias)
	if needle == "" {
		return nil, fmt.Errorf("%w: empty name", ErrNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ai := s.resolveLocked(needle); ai != nil {
		return ai.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, nameOrAlias)
}

// resolveLocked finds a record by alias or display name, alias matches first.
// Callers hold the lock in either mode.
func (s *Store) resolveLocked(needle string) *AgentIdentity {
	var byName *AgentIdentity
	for _, ai := range s.byID {
		if strings.EqualFold(ai.MailboxAlias, needle) {
			return ai
		}
		if byName == nil && strings.EqualFold(ai.DisplayName, needle) {
			byName = ai
		}
	}
	return byName
}

// ResolveChatUser finds the identity bridged to a Matrix user id.
func (s *Store) ResolveChatUser(userID id.UserID) (*AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ai := range s.byID {
		if ai.ChatUserID == userID {
			return ai.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: chat user %s", ErrNotFound, userID)
}

// ResolveRoom finds the identity whose agent room is roomID.
func (s *Store) ResolveRoom(roomID id.RoomID) (*AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ai := range s.byID {
		if ai.ChatRoomID == roomID {
			return ai.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
}

// All returns a snapshot of every identity.
func (s *Store) All() []*AgentIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*AgentIdentity, 0, len(s.byID))
	for _, ai := range s.byID {
		result = append(result, ai.Clone())
	}
	return result
}

// Registered returns every identity currently registered with the mailbox
// service; only these are polled.
func (s *Store) Registered() []*AgentIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*AgentIdentity, 0, len(s.byID))
	for _, ai := range s.byID {
		if ai.Registered {
			result = append(result, ai.Clone())
		}
	}
	return result
}

// Discover creates a new identity for an alias first seen in the mailbox
// directory, assigning a fresh canonical id. If an identity already resolves
// to the alias, the existing record is returned instead. Lookup and insert
// happen under one write lock so concurrent discovery of the same alias
// (reconcile passes race against admin-triggered ones) cannot mint two
// canonical ids for one agent.
func (s *Store) Discover(alias, displayName string) (*AgentIdentity, error) {
	needle := strings.TrimSpace(alias)
	if needle == "" {
		return nil, fmt.Errorf("%w: empty alias", ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.resolveLocked(needle); existing != nil {
		return existing.Clone(), nil
	}
	ai := &AgentIdentity{
		CanonicalID:  xid.New().String(),
		DisplayName:  displayName,
		MailboxAlias: alias,
		Registered:   true,
		CreatedAt:    jsontime.UnixMilliNow(),
		UpdatedAt:    jsontime.UnixMilliNow(),
	}
	s.byID[ai.CanonicalID] = ai
	if err := s.persistLocked(); err != nil {
		delete(s.byID, ai.CanonicalID)
		return nil, err
	}
	s.log.Info().
		Str("canonical_id", ai.CanonicalID).
		Str("alias", alias).
		Msg("Discovered new agent identity")
	return ai.Clone(), nil
}

// Upsert writes ai into the store and persists the map.
func (s *Store) Upsert(ai *AgentIdentity) error {
	if err := ai.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := ai.Clone()
	clone.UpdatedAt = jsontime.UM(time.Now())
	s.byID[clone.CanonicalID] = clone
	return s.persistLocked()
}

// SetChatRoom records the Matrix room assigned to an agent.
func (s *Store) SetChatRoom(canonicalID string, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ai, ok := s.byID[canonicalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}
	if ai.ChatRoomID == roomID {
		return nil
	}
	ai.ChatRoomID = roomID
	ai.UpdatedAt = jsontime.UM(time.Now())
	return s.persistLocked()
}

// persistLocked saves the full map through the snapshot-before-write file.
// Callers must hold the write lock.
func (s *Store) persistLocked() error {
	state := &storeState{Identities: make([]*AgentIdentity, 0, len(s.byID))}
	for _, ai := range s.byID {
		state.Identities = append(state.Identities, ai)
	}
	// Stable order keeps byte comparisons in the state file meaningful.
	sort.Slice(state.Identities, func(i, j int) bool {
		return state.Identities[i].CanonicalID < state.Identities[j].CanonicalID
	})
	if err := s.file.Save(state); err != nil {
		return fmt.Errorf("persist identity store: %w", err)
	}
	return nil
}

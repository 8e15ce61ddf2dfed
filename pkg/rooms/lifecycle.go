package rooms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"

	"github.com/agentmail/matrix-bridge/pkg/membership"
	"github.com/agentmail/matrix-bridge/pkg/statefile"
)

// ChatClient is the Matrix surface the lifecycle manager needs. Invite must
// treat "already invited" and "already joined" as success so replays stay
// idempotent.
type ChatClient interface {
	CreateRoom(ctx context.Context, name, topic string) (id.RoomID, error)
	CreateSpace(ctx context.Context, name, topic string) (id.RoomID, error)
	AddSpaceChild(ctx context.Context, spaceID, roomID id.RoomID) error
	Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error
}

// Manager drives every agent room from NoRoom to Steady. It holds one lock
// around record state; remote calls are made without the lock held.
type Manager struct {
	client    ChatClient
	cache     *membership.Cache
	botUser   id.UserID
	admins    []id.UserID
	spaceName string

	mu      sync.Mutex
	spaceID id.RoomID
	records map[string]*RoomRecord
	file    *statefile.File[managerState]

	log zerolog.Logger
}

type Config struct {
	StatePath string
	BotUser   id.UserID
	Admins    []id.UserID
	SpaceName string
}

// NewManager loads the room records from cfg.StatePath. A file that fails
// validation is fatal, matching the identity store.
func NewManager(client ChatClient, cache *membership.Cache, cfg Config, log zerolog.Logger) (*Manager, error) {
	mgr := &Manager{
		client:    client,
		cache:     cache,
		botUser:   cfg.BotUser,
		admins:    cfg.Admins,
		spaceName: cfg.SpaceName,
		records:   make(map[string]*RoomRecord),
		file:      statefile.New(cfg.StatePath, validateState),
		log:       log.With().Str("component", "room_manager").Logger(),
	}
	if mgr.spaceName == "" {
		mgr.spaceName = "Agents"
	}
	state, found, err := mgr.file.Load()
	if err != nil {
		return nil, fmt.Errorf("load room records: %w", err)
	}
	if found {
		mgr.spaceID = state.SpaceID
		for _, rec := range state.Records {
			mgr.records[rec.AgentCanonicalID] = rec
		}
	}
	return mgr, nil
}

// Record returns a copy of the agent's room record, if any.
func (m *Manager) Record(canonicalID string) (*RoomRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[canonicalID]
	if !ok {
		return nil, false
	}
	clone := *rec
	return &clone, true
}

// CountByStage tallies records per lifecycle stage for the status report.
func (m *Manager) CountByStage() map[Stage]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Stage]int, 4)
	for _, rec := range m.records {
		counts[rec.Stage]++
	}
	return counts
}

// EnsureSpace returns the grouping space, creating it on first use.
func (m *Manager) EnsureSpace(ctx context.Context) (id.RoomID, error) {
	m.mu.Lock()
	spaceID := m.spaceID
	m.mu.Unlock()
	if spaceID != "" {
		return spaceID, nil
	}

	created, err := m.client.CreateSpace(ctx, m.spaceName, "Agent mailbox rooms")
	if err != nil {
		return "", fmt.Errorf("create space: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spaceID != "" {
		// Lost the race to a concurrent caller; keep the first space.
		return m.spaceID, nil
	}
	m.spaceID = created
	if err = m.persistLocked(); err != nil {
		return "", err
	}
	m.log.Info().Stringer("space_id", created).Msg("Created agent space")
	return created, nil
}

// EnsureRoom drives the agent's room toward Steady and returns its record.
// Repeated calls for an agent that already has a room return the existing
// room, never a second one; a fully steady room is a no-op.
func (m *Manager) EnsureRoom(ctx context.Context, canonicalID, displayName string) (*RoomRecord, error) {
	// Bounded so a room that keeps losing the bridge's membership cannot spin
	// creation forever within one call; the next poll cycle retries.
	for attempts := 0; ; attempts++ {
		progressed, rec, err := m.advance(ctx, canonicalID, displayName)
		if err != nil {
			return rec, err
		}
		if !progressed {
			return rec, nil
		}
		if attempts >= 6 {
			return rec, fmt.Errorf("room lifecycle for %s did not settle", canonicalID)
		}
	}
}

// advance performs at most one lifecycle transition. It returns false when
// the record is Steady (or cannot progress), which terminates EnsureRoom.
func (m *Manager) advance(ctx context.Context, canonicalID, displayName string) (bool, *RoomRecord, error) {
	m.mu.Lock()
	rec, ok := m.records[canonicalID]
	if !ok {
		rec = &RoomRecord{AgentCanonicalID: canonicalID, Stage: StageNoRoom}
		m.records[canonicalID] = rec
	}
	stage := rec.Stage
	roomID := rec.RoomID
	m.mu.Unlock()

	switch stage {
	case StageNoRoom:
		spaceID, err := m.EnsureSpace(ctx)
		if err != nil {
			return false, rec, err
		}
		created, err := m.client.CreateRoom(ctx, displayName, "Mailbox for "+displayName)
		if err != nil {
			return false, rec, fmt.Errorf("create room for %s: %w", canonicalID, err)
		}
		if err = m.client.AddSpaceChild(ctx, spaceID, created); err != nil {
			return false, rec, fmt.Errorf("attach room to space: %w", err)
		}
		m.setStage(canonicalID, func(rec *RoomRecord) {
			rec.RoomID = created
			rec.SpaceID = spaceID
			rec.CreatedAt = jsontime.UM(time.Now())
			rec.Stage = StageRoomCreated
		})
		m.log.Info().
			Str("agent", canonicalID).
			Stringer("room_id", created).
			Msg("Created agent room")
		return true, m.snapshot(canonicalID), nil

	case StageRoomCreated:
		for _, admin := range m.admins {
			if err := m.client.Invite(ctx, roomID, admin); err != nil {
				return false, rec, fmt.Errorf("invite %s: %w", admin, err)
			}
			m.cache.MarkInvited(roomID, admin)
		}
		m.setStage(canonicalID, func(rec *RoomRecord) {
			rec.Stage = StageMembersInvited
		})
		return true, m.snapshot(canonicalID), nil

	case StageMembersInvited:
		joined, err := m.cache.IsMember(ctx, roomID, m.botUser)
		if err != nil {
			return false, rec, fmt.Errorf("confirm membership in %s: %w", roomID, err)
		}
		if !joined {
			// Room gone or the bridge was removed; replay from the start.
			m.log.Warn().
				Str("agent", canonicalID).
				Stringer("room_id", roomID).
				Msg("Bridge not joined to agent room, recreating")
			m.demote(canonicalID, StageNoRoom)
			return true, m.snapshot(canonicalID), nil
		}
		m.setStage(canonicalID, func(rec *RoomRecord) {
			rec.Stage = StageSteady
		})
		return true, m.snapshot(canonicalID), nil

	case StageSteady:
		return false, m.snapshot(canonicalID), nil

	default:
		return false, rec, fmt.Errorf("agent %s in unknown stage %q", canonicalID, stage)
	}
}

// HandleRoomGone demotes the agent owning roomID back to NoRoom after the
// room disappeared externally. The next EnsureRoom recreates it.
func (m *Manager) HandleRoomGone(roomID id.RoomID) {
	m.cache.InvalidateRoom(roomID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.RoomID == roomID {
			m.log.Warn().
				Str("agent", rec.AgentCanonicalID).
				Stringer("room_id", roomID).
				Msg("Agent room gone, resetting lifecycle")
			rec.Stage = StageNoRoom
			rec.RoomID = ""
			_ = m.persistLocked()
			return
		}
	}
}

// HandleMembershipRevoked demotes the agent's room to RoomCreated so invites
// are replayed. Called from the membership event hook on leave/kick.
func (m *Manager) HandleMembershipRevoked(roomID id.RoomID, userID id.UserID) {
	m.cache.Invalidate(roomID, userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.RoomID == roomID && rec.Stage == StageSteady {
			rec.Stage = StageRoomCreated
			_ = m.persistLocked()
			return
		}
	}
}

func (m *Manager) setStage(canonicalID string, update func(*RoomRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[canonicalID]
	if !ok {
		return
	}
	update(rec)
	if err := m.persistLocked(); err != nil {
		m.log.Err(err).Str("agent", canonicalID).Msg("Failed to persist room record")
	}
}

func (m *Manager) demote(canonicalID string, stage Stage) {
	m.setStage(canonicalID, func(rec *RoomRecord) {
		rec.Stage = stage
		if stage == StageNoRoom {
			rec.RoomID = ""
		}
	})
}

func (m *Manager) snapshot(canonicalID string) *RoomRecord {
	rec, _ := m.Record(canonicalID)
	return rec
}

func (m *Manager) persistLocked() error {
	state := &managerState{SpaceID: m.spaceID, Records: make([]*RoomRecord, 0, len(m.records))}
	for _, rec := range m.records {
		state.Records = append(state.Records, rec)
	}
	sortRecords(state.Records)
	if err := m.file.Save(state); err != nil {
		return fmt.Errorf("persist room records: %w", err)
	}
	return nil
}

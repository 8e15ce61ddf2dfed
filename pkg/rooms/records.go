// Package rooms owns the per-agent room lifecycle: one Matrix room per agent
// identity, all grouped under one space. Creation is idempotent and the
// lifecycle is an explicit state machine so it can be tested without timers.
package rooms

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

func sortRecords(records []*RoomRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].AgentCanonicalID < records[j].AgentCanonicalID
	})
}

// Stage is the lifecycle position of one agent's room.
type Stage string

const (
	StageNoRoom         Stage = "no_room"
	StageRoomCreated    Stage = "room_created"
	StageMembersInvited Stage = "members_invited"
	StageSteady         Stage = "steady"
)

// RoomRecord is the durable record of an agent's room. This package is its
// only writer.
type RoomRecord struct {
	RoomID           id.RoomID          `json:"room_id"`
	SpaceID          id.RoomID          `json:"space_id"`
	AgentCanonicalID string             `json:"agent_canonical_id"`
	Stage            Stage              `json:"stage"`
	CreatedAt        jsontime.UnixMilli `json:"created_at"`
}

type managerState struct {
	SpaceID id.RoomID     `json:"space_id,omitempty"`
	Records []*RoomRecord `json:"records"`
}

func validateState(state *managerState) error {
	seen := make(map[string]struct{}, len(state.Records))
	for _, rec := range state.Records {
		if strings.TrimSpace(rec.AgentCanonicalID) == "" {
			return errors.New("room record without agent_canonical_id")
		}
		if _, dup := seen[rec.AgentCanonicalID]; dup {
			return fmt.Errorf("duplicate room record for agent %s", rec.AgentCanonicalID)
		}
		seen[rec.AgentCanonicalID] = struct{}{}
		switch rec.Stage {
		case StageNoRoom, StageRoomCreated, StageMembersInvited, StageSteady:
		default:
			return fmt.Errorf("room record for %s has unknown stage %q", rec.AgentCanonicalID, rec.Stage)
		}
	}
	return nil
}

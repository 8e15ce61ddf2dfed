// Package identity owns the persisted mapping between an agent's canonical
// id, its mailbox-service alias, and its Matrix identity. The mailbox
// directory is the authority for aliases; the Matrix side is the authority
// for user and room ids. Records are never deleted automatically.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

var ErrNotFound = errors.New("agent identity not found")

// AgentIdentity is one bridged agent. CanonicalID is assigned by the bridge
// on first discovery and never reused. MailboxAlias may be reassigned by the
// mailbox service over the record's lifetime and must be re-resolved through
// reconciliation, never assumed stable.
type AgentIdentity struct {
	CanonicalID  string             `json:"canonical_id"`
	DisplayName  string             `json:"display_name"`
	MailboxAlias string             `json:"mailbox_alias"`
	ChatUserID   id.UserID          `json:"chat_user_id,omitempty"`
	ChatRoomID   id.RoomID          `json:"chat_room_id,omitempty"`
	Registered   bool               `json:"registered"`
	CreatedAt    jsontime.UnixMilli `json:"created_at"`
	UpdatedAt    jsontime.UnixMilli `json:"updated_at"`
}

// Clone returns a copy so callers can't mutate store-owned records.
func (ai *AgentIdentity) Clone() *AgentIdentity {
	if ai == nil {
		return nil
	}
	clone := *ai
	return &clone
}

func (ai *AgentIdentity) validate() error {
	if strings.TrimSpace(ai.CanonicalID) == "" {
		return errors.New("identity without canonical_id")
	}
	if strings.TrimSpace(ai.MailboxAlias) == "" && strings.TrimSpace(ai.DisplayName) == "" {
		return fmt.Errorf("identity %s has neither alias nor display name", ai.CanonicalID)
	}
	return nil
}

// AliasBinding is one row of the authoritative alias table pulled from the
// mailbox directory, converted at the boundary.
type AliasBinding struct {
	Alias       string
	DisplayName string
}
